package cache

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSClient is the slice of *storage.Client that GCSStore reads and writes
// through, so tests can substitute an in-memory bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle resolves image objects within a bucket.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle is one cached image blob. Missing objects must be reported
// with an error wrapping storage.ErrObjectNotExist.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) GCSWriter
	NewReader(ctx context.Context) (io.ReadCloser, error)
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
}

// GCSWriter uploads an encoded image; the object appears on Close.
type GCSWriter interface {
	io.WriteCloser
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter wraps client for GCSStore. A nil client yields nil.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

// Image blobs carry their own format; the object is stored as opaque bytes.
func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) GCSWriter {
	w := a.handle.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w
}

func (a *gcsObjectHandleAdapter) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := a.handle.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (a *gcsObjectHandleAdapter) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return a.handle.Attrs(ctx)
}
