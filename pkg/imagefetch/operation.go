package imagefetch

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the lifecycle position of an Operation.
type State int32

const (
	StateCreated State = iota
	StateCacheQuerying
	StateDownloading
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateCacheQuerying:
		return "cache_querying"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Operation is the handle returned by Coordinator.Fetch. It spans the cache
// query and, if one is started, the download.
type Operation struct {
	id        string
	state     atomic.Int32
	cancelled atomic.Bool

	mu       sync.Mutex
	cacheOp  Cancelable
	cancelFn func()

	// release removes the operation from the coordinator's registry.
	release func(id string)
}

func newOperation(release func(id string)) *Operation {
	return &Operation{
		id:      uuid.NewString(),
		release: release,
	}
}

// newCompletedOperation returns a handle for a request that was answered
// without ever being registered.
func newCompletedOperation() *Operation {
	op := &Operation{id: uuid.NewString()}
	op.state.Store(int32(StateCompleted))
	return op
}

// ID returns the operation's stable identifier.
func (o *Operation) ID() string { return o.id }

// State returns the current lifecycle state.
func (o *Operation) State() State { return State(o.state.Load()) }

// IsCancelled reports whether Cancel has been called.
func (o *Operation) IsCancelled() bool { return o.cancelled.Load() }

// Cancel stops the operation. No callback is delivered for it afterwards.
// Calling Cancel more than once is safe.
func (o *Operation) Cancel() {
	if o.cancelled.Swap(true) {
		return
	}

	o.mu.Lock()
	cacheOp := o.cacheOp
	fn := o.cancelFn
	o.cacheOp = nil
	o.cancelFn = nil
	o.mu.Unlock()

	o.transition(StateCancelled)
	if cacheOp != nil {
		cacheOp.Cancel()
	}
	if fn != nil {
		fn()
	}
	if o.release != nil {
		o.release(o.id)
	}
}

// setCacheOperation attaches the running cache query. If the operation was
// already cancelled the query is cancelled straight away.
func (o *Operation) setCacheOperation(c Cancelable) {
	o.mu.Lock()
	if o.cancelled.Load() {
		o.mu.Unlock()
		c.Cancel()
		return
	}
	if o.State().terminal() {
		o.mu.Unlock()
		return
	}
	o.cacheOp = c
	o.mu.Unlock()
}

// clearCacheOperation drops the reference to a finished cache query.
func (o *Operation) clearCacheOperation() {
	o.mu.Lock()
	o.cacheOp = nil
	o.mu.Unlock()
}

// setCancelFunc installs the action that stops the download. If Cancel has
// already been called, fn runs immediately instead of being stored. A
// completed operation drops fn.
func (o *Operation) setCancelFunc(fn func()) {
	o.mu.Lock()
	if o.cancelled.Load() {
		o.mu.Unlock()
		fn()
		return
	}
	if o.State().terminal() {
		o.mu.Unlock()
		return
	}
	o.cancelFn = fn
	o.mu.Unlock()
}

// transition moves to the given state unless the operation already reached a
// terminal one. It reports whether the move happened.
func (o *Operation) transition(to State) bool {
	for {
		cur := State(o.state.Load())
		if cur.terminal() {
			return false
		}
		if o.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// complete marks the operation finished and drops any installed cancel func.
func (o *Operation) complete() {
	o.mu.Lock()
	o.cancelFn = nil
	o.cacheOp = nil
	o.mu.Unlock()
	o.transition(StateCompleted)
}
