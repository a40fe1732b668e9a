package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
)

// GCSStoreConfig holds configuration specific to the GCS store.
type GCSStoreConfig struct {
	BucketName   string `mapstructure:"bucket"`
	ObjectPrefix string `mapstructure:"object_prefix"`
}

// GCSStore is a BlobStore that keeps each image as an object in a GCS bucket.
type GCSStore struct {
	client GCSClient
	config GCSStoreConfig
	logger zerolog.Logger
}

// NewGCSStore creates a new store configured for Google Cloud Storage.
func NewGCSStore(
	gcsClient GCSClient,
	config GCSStoreConfig,
	logger zerolog.Logger,
) (*GCSStore, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSStore{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSStore").Logger(),
	}, nil
}

func (s *GCSStore) object(key string) (GCSObjectHandle, string) {
	objectName := path.Join(s.config.ObjectPrefix, KeyHash(key))
	return s.client.Bucket(s.config.BucketName).Object(objectName), objectName
}

// Get downloads the object stored for key.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, objectName := s.object(key)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", objectName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open GCS object %s: %w", objectName, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", objectName, err)
	}
	s.logger.Debug().Str("object_name", objectName).Int("bytes", len(data)).Msg("GCS cache hit.")
	return data, nil
}

// Exists reports whether an object is stored for key.
func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	obj, objectName := s.object(key)
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat GCS object %s: %w", objectName, err)
	}
	return true, nil
}

// Put uploads data as the object for key.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	obj, objectName := s.object(key)
	w := obj.NewWriter(ctx)

	bytesWritten, copyErr := io.Copy(w, bytes.NewReader(data))
	closeErr := w.Close() // This finalizes the GCS upload.

	if copyErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	s.logger.Debug().
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Msg("Successfully uploaded image to GCS.")
	return nil
}

// Close is a no-op as the storage client's lifecycle is managed externally.
func (s *GCSStore) Close() error {
	return nil
}
