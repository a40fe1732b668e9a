package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-imageflow/pkg/codec"
	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/rs/zerolog"
)

// TieredCacheConfig holds configuration for the two-tier cache.
type TieredCacheConfig struct {
	MemoryItems  int           `mapstructure:"memory_items"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TieredCache implements imagefetch.Cache with a MemoryTier in front of a
// BlobStore. Disk hits are decoded and promoted into memory. Writes to the
// store happen in the background and their failures are only logged.
type TieredCache struct {
	memory       *MemoryTier
	disk         BlobStore
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

// NewTieredCache creates a cache over the given persistent store.
func NewTieredCache(cfg *TieredCacheConfig, disk BlobStore, logger zerolog.Logger) (*TieredCache, error) {
	if disk == nil {
		return nil, errors.New("blob store cannot be nil")
	}
	memory, err := NewMemoryTier(cfg.MemoryItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &TieredCache{
		memory:       memory,
		disk:         disk,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("component", "TieredCache").Logger(),
	}, nil
}

// diskQuery is the cancellable handle for an in-flight disk lookup.
type diskQuery struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func (q *diskQuery) Cancel() {
	q.cancelled.Store(true)
	q.cancel()
}

// Query answers memory hits synchronously and looks the disk tier up in the
// background. A cancelled query never calls done.
func (c *TieredCache) Query(key string, done imagefetch.QueryDoneFunc) imagefetch.Cancelable {
	if key == "" {
		done(nil, nil, imagefetch.CacheTypeNone)
		return nil
	}
	if asset := c.memory.Get(key); asset != nil {
		done(asset, nil, imagefetch.CacheTypeMemory)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
	q := &diskQuery{cancel: cancel}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		asset, data := c.readDisk(ctx, key)
		if q.cancelled.Load() {
			return
		}
		if asset == nil {
			done(nil, nil, imagefetch.CacheTypeNone)
			return
		}
		done(asset, data, imagefetch.CacheTypeDisk)
	}()
	return q
}

// readDisk loads and decodes key from the store, promoting hits into memory.
func (c *TieredCache) readDisk(ctx context.Context, key string) (*imagefetch.Asset, []byte) {
	data, err := c.disk.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Disk tier read failed, treating as a miss.")
		}
		return nil, nil
	}
	asset, err := codec.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Stored bytes did not decode, treating as a miss.")
		return nil, nil
	}
	c.memory.Add(key, asset)
	return asset, data
}

// MemoryImage returns the image held in the memory tier, or nil.
func (c *TieredCache) MemoryImage(key string) *imagefetch.Asset {
	if key == "" {
		return nil
	}
	return c.memory.Get(key)
}

// ExistsOnDisk checks the store in the background. Store errors report false.
func (c *TieredCache) ExistsOnDisk(key string, done func(exists bool)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
		defer cancel()
		exists, err := c.disk.Exists(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Disk tier existence check failed.")
			exists = false
		}
		done(exists)
	}()
}

// Store adds the image to memory and, when toDisk is set, writes it to the
// store in the background. Nil data is produced by encoding the asset.
func (c *TieredCache) Store(asset *imagefetch.Asset, data []byte, key string, toDisk bool) {
	if asset == nil || key == "" {
		return
	}
	c.memory.Add(key, asset)
	if !toDisk {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		payload := data
		if payload == nil {
			encoded, err := codec.Encode(asset)
			if err != nil {
				c.logger.Error().Err(err).Str("key", key).Msg("Failed to encode image for the disk tier.")
				return
			}
			payload = encoded
		}

		writeCtx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		if err := c.disk.Put(writeCtx, key, payload); err != nil {
			c.logger.Error().Err(err).Str("key", key).Msg("Failed to write to disk tier in background.")
		}
	}()
}

// Close waits for background reads and writes, respecting the context's
// deadline, then closes the store.
func (c *TieredCache) Close(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		c.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for background cache writes.")
		return ctx.Err()
	}
	if err := c.disk.Close(); err != nil {
		return fmt.Errorf("error closing blob store: %w", err)
	}
	return nil
}
