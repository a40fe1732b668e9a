package prefetch_test

import (
	"context"
	"image"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/illmade-knight/go-imageflow/pkg/prefetch"
)

// --- MockMessageConsumer ---

type MockMessageConsumer struct {
	msgChan    chan prefetch.Message
	doneChan   chan struct{}
	stopOnce   sync.Once
	startErr   error
	mu         sync.Mutex
	startCount int
	stopCount  int
}

func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		msgChan:  make(chan prefetch.Message, bufferSize),
		doneChan: make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan prefetch.Message { return m.msgChan }

func (m *MockMessageConsumer) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return m.startErr
}

func (m *MockMessageConsumer) Stop(_ context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopCount++
		m.mu.Unlock()
		close(m.doneChan)
		close(m.msgChan)
	})
	return nil
}

func (m *MockMessageConsumer) Done() <-chan struct{} { return m.doneChan }

func (m *MockMessageConsumer) Push(msg prefetch.Message) { m.msgChan <- msg }

func (m *MockMessageConsumer) GetStartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

func (m *MockMessageConsumer) GetStopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}

// ackTracker records how a message was acknowledged.
type ackTracker struct {
	acks  atomic.Int32
	nacks atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func newAckTracker() *ackTracker {
	return &ackTracker{done: make(chan struct{})}
}

func (a *ackTracker) message(id string, payload string) prefetch.Message {
	return prefetch.Message{
		ID:      id,
		Payload: []byte(payload),
		Ack: func() {
			a.acks.Add(1)
			a.once.Do(func() { close(a.done) })
		},
		Nack: func() {
			a.nacks.Add(1)
			a.once.Do(func() { close(a.done) })
		},
	}
}

// --- Coordinator collaborators ---

// missCache never holds anything and records stores.
type missCache struct {
	stored atomic.Int32
}

func (c *missCache) Query(_ string, done imagefetch.QueryDoneFunc) imagefetch.Cancelable {
	done(nil, nil, imagefetch.CacheTypeNone)
	return nil
}

func (c *missCache) MemoryImage(string) *imagefetch.Asset { return nil }

func (c *missCache) ExistsOnDisk(_ string, done func(bool)) { done(false) }

func (c *missCache) Store(*imagefetch.Asset, []byte, string, bool) { c.stored.Add(1) }

// stubDownloader answers each download through RespondFunc on its own goroutine.
// A nil RespondFunc leaves downloads hanging until cancelled.
type stubDownloader struct {
	RespondFunc func(u *url.URL) (*imagefetch.Asset, error)
	cancelled   atomic.Int32
}

func (d *stubDownloader) Download(u *url.URL, _ imagefetch.FetchOptions, _ imagefetch.ProgressFunc, done imagefetch.DownloadDoneFunc) imagefetch.DownloadToken {
	if d.RespondFunc != nil {
		go func() {
			asset, err := d.RespondFunc(u)
			done(asset, nil, err, true)
		}()
	}
	return imagefetch.DownloadToken(u.String())
}

func (d *stubDownloader) Cancel(imagefetch.DownloadToken) { d.cancelled.Add(1) }

func stillImage() *imagefetch.Asset {
	return &imagefetch.Asset{Image: image.NewRGBA(image.Rect(0, 0, 1, 1)), Format: "png", Frames: 1}
}
