package imagefetch_test

import (
	"fmt"
	"image"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/stretchr/testify/require"
)

// --- Mock Cache ---

type cannedEntry struct {
	asset     *imagefetch.Asset
	data      []byte
	cacheType imagefetch.CacheType
}

type storeCall struct {
	asset  *imagefetch.Asset
	data   []byte
	key    string
	toDisk bool
}

type mockCancelable struct {
	count *atomic.Int32
}

func (m *mockCancelable) Cancel() { m.count.Add(1) }

// mockCache answers queries from canned entries. With hold set, queries are
// parked until release is called.
type mockCache struct {
	mu       sync.Mutex
	entries  map[string]cannedEntry
	diskKeys map[string]bool
	stores   []storeCall
	queries  []string
	hold     bool
	held     []func()
	cancels  atomic.Int32
}

func newMockCache() *mockCache {
	return &mockCache{
		entries:  make(map[string]cannedEntry),
		diskKeys: make(map[string]bool),
	}
}

func (m *mockCache) put(key string, asset *imagefetch.Asset, cacheType imagefetch.CacheType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = cannedEntry{asset: asset, data: []byte("cached-bytes"), cacheType: cacheType}
}

func (m *mockCache) Query(key string, done imagefetch.QueryDoneFunc) imagefetch.Cancelable {
	m.mu.Lock()
	m.queries = append(m.queries, key)
	e, ok := m.entries[key]
	run := func() {
		if ok {
			done(e.asset, e.data, e.cacheType)
			return
		}
		done(nil, nil, imagefetch.CacheTypeNone)
	}
	if m.hold {
		m.held = append(m.held, run)
		m.mu.Unlock()
		return &mockCancelable{count: &m.cancels}
	}
	m.mu.Unlock()
	run()
	return &mockCancelable{count: &m.cancels}
}

func (m *mockCache) release() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

func (m *mockCache) MemoryImage(key string) *imagefetch.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.cacheType == imagefetch.CacheTypeMemory {
		return e.asset
	}
	return nil
}

func (m *mockCache) ExistsOnDisk(key string, done func(bool)) {
	m.mu.Lock()
	exists := m.diskKeys[key]
	m.mu.Unlock()
	go done(exists)
}

func (m *mockCache) Store(asset *imagefetch.Asset, data []byte, key string, toDisk bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = append(m.stores, storeCall{asset: asset, data: data, key: key, toDisk: toDisk})
}

func (m *mockCache) storeCalls() []storeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storeCall(nil), m.stores...)
}

// --- Mock Downloader ---

type downloadCall struct {
	url      *url.URL
	opts     imagefetch.FetchOptions
	progress imagefetch.ProgressFunc
	done     imagefetch.DownloadDoneFunc
	token    imagefetch.DownloadToken
}

// mockDownloader records calls. RespondFunc, when set, answers synchronously;
// otherwise calls are parked and can be answered through lastCall.
type mockDownloader struct {
	RespondFunc func(call downloadCall)

	mu        sync.Mutex
	calls     []downloadCall
	cancelled []imagefetch.DownloadToken
}

func (m *mockDownloader) Download(u *url.URL, opts imagefetch.FetchOptions, progress imagefetch.ProgressFunc, done imagefetch.DownloadDoneFunc) imagefetch.DownloadToken {
	m.mu.Lock()
	call := downloadCall{
		url:      u,
		opts:     opts,
		progress: progress,
		done:     done,
		token:    imagefetch.DownloadToken(fmt.Sprintf("token-%d", len(m.calls))),
	}
	m.calls = append(m.calls, call)
	respond := m.RespondFunc
	m.mu.Unlock()

	if respond != nil {
		respond(call)
	}
	return call.token
}

func (m *mockDownloader) Cancel(token imagefetch.DownloadToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, token)
}

func (m *mockDownloader) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockDownloader) lastCall(t *testing.T) downloadCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.calls, "expected at least one download call")
	return m.calls[len(m.calls)-1]
}

func (m *mockDownloader) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

// --- Mock Policy ---

type mockPolicy struct {
	ShouldDownloadFunc func(u *url.URL) bool
	TransformFunc      func(asset *imagefetch.Asset, u *url.URL) *imagefetch.Asset
}

func (m *mockPolicy) ShouldDownload(u *url.URL) bool {
	if m.ShouldDownloadFunc == nil {
		return true
	}
	return m.ShouldDownloadFunc(u)
}

func (m *mockPolicy) Transform(asset *imagefetch.Asset, u *url.URL) *imagefetch.Asset {
	if m.TransformFunc == nil {
		return asset
	}
	return m.TransformFunc(asset, u)
}

// --- Result Recorder ---

type resultRecorder struct {
	mu      sync.Mutex
	results []imagefetch.Result
}

func (r *resultRecorder) completion() imagefetch.CompletionFunc {
	return func(res imagefetch.Result) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.results = append(r.results, res)
	}
}

func (r *resultRecorder) all() []imagefetch.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]imagefetch.Result(nil), r.results...)
}

func (r *resultRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// --- Fixtures ---

func testAsset(frames int) *imagefetch.Asset {
	return &imagefetch.Asset{
		Image:  image.NewRGBA(image.Rect(0, 0, 2, 2)),
		Format: "png",
		Frames: frames,
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
