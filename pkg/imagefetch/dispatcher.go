package imagefetch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher is the delivery context every user callback runs on.
type Dispatcher interface {
	Dispatch(fn func())
}

// InlineDispatcher runs callbacks on the calling goroutine.
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(fn func()) { fn() }

// SerialDispatcher runs callbacks one at a time, in submission order, on a
// single goroutine it owns. Dispatch never blocks, so a callback may safely
// dispatch further work.
type SerialDispatcher struct {
	logger zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialDispatcher starts the delivery goroutine.
func NewSerialDispatcher(logger zerolog.Logger) *SerialDispatcher {
	d := &SerialDispatcher{
		logger: logger.With().Str("component", "SerialDispatcher").Logger(),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Dispatch queues fn. Work submitted after Close is dropped.
func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn().Msg("Dispatch after close, dropping callback.")
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

func (d *SerialDispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *SerialDispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Callback panicked on delivery context.")
		}
	}()
	fn()
}

// Close stops accepting work and waits for queued callbacks to drain,
// respecting the context's deadline.
func (d *SerialDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for queued callbacks to drain.")
		return ctx.Err()
	}
}
