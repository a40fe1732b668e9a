package cache_test

import (
	"image"
	"testing"

	"github.com/illmade-knight/go-imageflow/pkg/cache"
	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAsset(format string) *imagefetch.Asset {
	return &imagefetch.Asset{Image: image.NewRGBA(image.Rect(0, 0, 2, 2)), Format: format, Frames: 1}
}

func TestMemoryTier(t *testing.T) {
	t.Run("Eviction policy works correctly", func(t *testing.T) {
		// Arrange: a tier that holds two images.
		tier, err := cache.NewMemoryTier(2)
		require.NoError(t, err)
		a1, a2, a3 := newAsset("png"), newAsset("png"), newAsset("png")

		// Act 1: Fill the tier.
		tier.Add("key1", a1)
		tier.Add("key2", a2)

		// Assert 1
		assert.Equal(t, 2, tier.Len())

		// Act 2: Access key1 so key2 becomes the least recently used.
		assert.Same(t, a1, tier.Get("key1"))

		// Act 3: Adding key3 evicts key2.
		tier.Add("key3", a3)

		// Assert 3
		assert.Nil(t, tier.Get("key2"), "key2 should have been evicted")
		assert.Same(t, a1, tier.Get("key1"))
		assert.Same(t, a3, tier.Get("key3"))
		assert.Equal(t, 2, tier.Len())
	})

	t.Run("Add replaces an existing key", func(t *testing.T) {
		tier, err := cache.NewMemoryTier(5)
		require.NoError(t, err)
		first, second := newAsset("png"), newAsset("jpeg")

		tier.Add("k", first)
		tier.Add("k", second)
		assert.Same(t, second, tier.Get("k"))
		assert.Equal(t, 1, tier.Len())

		tier.Add("nil", nil)
		assert.Nil(t, tier.Get("nil"))
		assert.Equal(t, 1, tier.Len())
	})

	t.Run("Invalid size", func(t *testing.T) {
		_, err := cache.NewMemoryTier(0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maxSize must be greater than 0")
	})
}
