package cache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-imageflow/pkg/cache"
)

// --- Mock GCS Client Components ---

// mockGCSWriter is a mock GCSWriter that commits to its object on Close.
type mockGCSWriter struct {
	buf    bytes.Buffer
	closed bool
	obj    *mockGCSObjectHandle
}

func (m *mockGCSWriter) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	m.obj.mu.Lock()
	defer m.obj.mu.Unlock()
	m.obj.data = append([]byte(nil), m.buf.Bytes()...)
	m.obj.exists = true
	return nil
}

// mockGCSObjectHandle is a mock GCSObjectHandle backed by a byte slice.
type mockGCSObjectHandle struct {
	mu      sync.Mutex
	data    []byte
	exists  bool
	readErr error
}

func (m *mockGCSObjectHandle) NewWriter(_ context.Context) cache.GCSWriter {
	return &mockGCSWriter{obj: m}
}

func (m *mockGCSObjectHandle) NewReader(_ context.Context) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	if !m.exists {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func (m *mockGCSObjectHandle) Attrs(_ context.Context) (*storage.ObjectAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return nil, storage.ErrObjectNotExist
	}
	return &storage.ObjectAttrs{Size: int64(len(m.data))}, nil
}

// mockGCSBucketHandle is a mock GCSBucketHandle that stores created objects in a map.
type mockGCSBucketHandle struct {
	sync.Mutex
	objects map[string]*mockGCSObjectHandle
}

func (m *mockGCSBucketHandle) Object(name string) cache.GCSObjectHandle {
	m.Lock()
	defer m.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockGCSObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = &mockGCSObjectHandle{}
	}
	return m.objects[name]
}

// mockGCSClient is a mock GCSClient.
type mockGCSClient struct {
	bucket *mockGCSBucketHandle
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{
		bucket: &mockGCSBucketHandle{},
	}
}

func (m *mockGCSClient) Bucket(_ string) cache.GCSBucketHandle {
	return m.bucket
}

// --- Mock BlobStore ---

// mockBlobStore wraps an InMemoryStore and lets tests inject failures.
type mockBlobStore struct {
	*cache.InMemoryStore
	GetFunc func(ctx context.Context, key string) ([]byte, error)
	PutFunc func(ctx context.Context, key string, data []byte) error

	mu   sync.Mutex
	puts int
}

func newMockBlobStore() *mockBlobStore {
	return &mockBlobStore{InMemoryStore: cache.NewInMemoryStore()}
}

func (m *mockBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return m.InMemoryStore.Get(ctx, key)
}

func (m *mockBlobStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	m.puts++
	m.mu.Unlock()
	if m.PutFunc != nil {
		return m.PutFunc(ctx, key, data)
	}
	return m.InMemoryStore.Put(ctx, key, data)
}

func (m *mockBlobStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
