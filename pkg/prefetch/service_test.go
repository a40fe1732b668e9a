package prefetch_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/illmade-knight/go-imageflow/pkg/prefetch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, cfg prefetch.ServiceConfig, downloader *stubDownloader) (*prefetch.Service, *MockMessageConsumer, *missCache) {
	t.Helper()
	cache := &missCache{}
	coordinator, err := imagefetch.NewCoordinator(cache, downloader, zerolog.Nop())
	require.NoError(t, err)

	consumer := NewMockMessageConsumer(10)
	service, err := prefetch.NewService(cfg, consumer, coordinator, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = service.Stop(stopCtx)
		cancel()
	})
	return service, consumer, cache
}

func waitAck(t *testing.T, a *ackTracker) {
	t.Helper()
	select {
	case <-a.done:
	case <-time.After(3 * time.Second):
		t.Fatal("message was neither acked nor nacked")
	}
}

func TestNewService_Validation(t *testing.T) {
	_, err := prefetch.NewService(prefetch.ServiceConfig{}, nil, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = prefetch.NewService(prefetch.ServiceConfig{}, NewMockMessageConsumer(1), nil, zerolog.Nop())
	require.Error(t, err)
}

func TestService_Lifecycle(t *testing.T) {
	// Arrange
	consumer := NewMockMessageConsumer(1)
	coordinator, err := imagefetch.NewCoordinator(&missCache{}, &stubDownloader{}, zerolog.Nop())
	require.NoError(t, err)
	service, err := prefetch.NewService(prefetch.ServiceConfig{NumWorkers: 2}, consumer, coordinator, zerolog.Nop())
	require.NoError(t, err)

	// Act
	require.NoError(t, service.Start(context.Background()))
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Stop(stopCtx))

	// Assert
	assert.Equal(t, 1, consumer.GetStartCount())
	assert.Equal(t, 1, consumer.GetStopCount())
}

func TestService_Acknowledgement(t *testing.T) {
	testCases := []struct {
		name      string
		payload   string
		respond   func(u *url.URL) (*imagefetch.Asset, error)
		wantAck   bool
		wantStore bool
	}{
		{
			name:      "downloaded image is acked",
			payload:   "https://example.com/a.png",
			respond:   func(*url.URL) (*imagefetch.Asset, error) { return stillImage(), nil },
			wantAck:   true,
			wantStore: true,
		},
		{
			name:      "json request is acked",
			payload:   `{"url":"https://example.com/b.png","memory_only":true}`,
			respond:   func(*url.URL) (*imagefetch.Asset, error) { return stillImage(), nil },
			wantAck:   true,
			wantStore: true,
		},
		{
			name:    "transient failure is nacked",
			payload: "https://example.com/offline.png",
			respond: func(*url.URL) (*imagefetch.Asset, error) { return nil, imagefetch.ErrNotConnected },
			wantAck: false,
		},
		{
			name:    "permanent failure is acked",
			payload: "https://example.com/gone.png",
			respond: func(*url.URL) (*imagefetch.Asset, error) { return nil, errors.New("unexpected status 404") },
			wantAck: true,
		},
		{
			name:    "empty message is acked",
			payload: "   ",
			wantAck: true,
		},
		{
			name:    "unusable url is acked",
			payload: "::not a url",
			wantAck: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			_, consumer, cache := newTestService(t, prefetch.ServiceConfig{NumWorkers: 1}, &stubDownloader{RespondFunc: tc.respond})
			tracker := newAckTracker()

			// Act
			consumer.Push(tracker.message("msg-1", tc.payload))
			waitAck(t, tracker)

			// Assert
			if tc.wantAck {
				assert.Equal(t, int32(1), tracker.acks.Load())
				assert.Equal(t, int32(0), tracker.nacks.Load())
			} else {
				assert.Equal(t, int32(0), tracker.acks.Load())
				assert.Equal(t, int32(1), tracker.nacks.Load())
			}
			if tc.wantStore {
				assert.Equal(t, int32(1), cache.stored.Load())
			}
		})
	}
}

func TestService_FetchTimeout(t *testing.T) {
	// Arrange
	downloader := &stubDownloader{}
	_, consumer, _ := newTestService(t, prefetch.ServiceConfig{NumWorkers: 1, FetchTimeout: 50 * time.Millisecond}, downloader)
	tracker := newAckTracker()

	// Act
	consumer.Push(tracker.message("slow", "https://example.com/slow.png"))
	waitAck(t, tracker)

	// Assert
	assert.Equal(t, int32(1), tracker.nacks.Load())
	assert.Equal(t, int32(1), downloader.cancelled.Load(), "the hanging download should be cancelled")
}

func TestParseRequest(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    *prefetch.Request
		wantErr bool
	}{
		{name: "bare url", payload: " https://example.com/a.png\n", want: &prefetch.Request{URL: "https://example.com/a.png"}},
		{name: "json", payload: `{"url":"https://example.com/a.png","refresh":true}`, want: &prefetch.Request{URL: "https://example.com/a.png", Refresh: true}},
		{name: "json without url", payload: `{"refresh":true}`, wantErr: true},
		{name: "broken json", payload: `{"url":`, wantErr: true},
		{name: "empty", payload: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := prefetch.ParseRequest([]byte(tc.payload))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRequest_Options(t *testing.T) {
	req := &prefetch.Request{URL: "u", Refresh: true, MemoryOnly: true, RetryFailed: true, LowPriority: true}
	assert.Equal(t, imagefetch.RequestOptions{
		RefreshCached:   true,
		CacheMemoryOnly: true,
		RetryFailed:     true,
		LowPriority:     true,
	}, req.Options())
}
