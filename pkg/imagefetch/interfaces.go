package imagefetch

import (
	"image"
	"net/url"
)

// ====================================================================================
// This file defines the data that flows through the coordinator and the contracts
// of its collaborators: the two-tier cache, the network downloader, the optional
// policy hooks, and the delivery context that user callbacks run on.
// ====================================================================================

// Asset is a decoded image together with the metadata the coordinator needs.
type Asset struct {
	// Image is the decoded image (the first frame for animated formats).
	Image image.Image
	// Format is the codec name reported by the decoder, e.g. "png" or "gif".
	Format string
	// Frames is the number of frames in the source; values above 1 mark an animated image.
	Frames int
}

// Animated reports whether the asset holds more than one frame.
func (a *Asset) Animated() bool {
	return a != nil && a.Frames > 1
}

// CacheType identifies which cache tier, if any, satisfied a request.
type CacheType int

const (
	// CacheTypeNone means the asset was freshly downloaded.
	CacheTypeNone CacheType = iota
	// CacheTypeDisk means the asset came from the slow, persistent tier.
	CacheTypeDisk
	// CacheTypeMemory means the asset came from the in-process tier.
	CacheTypeMemory
)

func (t CacheType) String() string {
	switch t {
	case CacheTypeMemory:
		return "memory"
	case CacheTypeDisk:
		return "disk"
	default:
		return "none"
	}
}

// Result is what a CompletionFunc receives.
type Result struct {
	URL       *url.URL
	Asset     *Asset
	Data      []byte
	CacheType CacheType
	Err       error
	// Finished is false only for partial, progressively decoded deliveries.
	Finished bool
}

// CompletionFunc receives results for a single fetch.
type CompletionFunc func(Result)

// ProgressFunc reports download progress. expected is -1 when unknown.
type ProgressFunc func(received, expected int64, u *url.URL)

// Cancelable is a running sub-operation that can be asked to stop.
type Cancelable interface {
	Cancel()
}

// QueryDoneFunc receives the outcome of a cache query. asset is nil on a miss.
type QueryDoneFunc func(asset *Asset, data []byte, cacheType CacheType)

// Cache is the two-tier storage collaborator.
type Cache interface {
	// Query looks the key up asynchronously, memory tier first.
	Query(key string, done QueryDoneFunc) Cancelable
	// MemoryImage reads the fast tier synchronously.
	MemoryImage(key string) *Asset
	// ExistsOnDisk checks the slow tier asynchronously.
	ExistsOnDisk(key string, done func(exists bool))
	// Store writes the asset to memory and, if toDisk, to the slow tier.
	// data may be nil, in which case the cache encodes the asset itself.
	Store(asset *Asset, data []byte, key string, toDisk bool)
}

// DownloadToken identifies one download started by a Downloader.
type DownloadToken string

// DownloadDoneFunc receives download results. A nil asset with a nil error and
// finished set means the transport reported the resource as not modified.
type DownloadDoneFunc func(asset *Asset, data []byte, err error, finished bool)

// Downloader is the network collaborator.
type Downloader interface {
	Download(u *url.URL, opts FetchOptions, progress ProgressFunc, done DownloadDoneFunc) DownloadToken
	Cancel(token DownloadToken)
}

// Policy lets callers veto downloads and post-process downloaded images.
// Embed DefaultPolicy to override a single hook.
type Policy interface {
	// ShouldDownload is consulted when the cache cannot satisfy a request.
	ShouldDownload(u *url.URL) bool
	// Transform may return a replacement asset. Returning the input unchanged
	// keeps the downloaded bytes for storage.
	Transform(asset *Asset, u *url.URL) *Asset
}

// DefaultPolicy always downloads and never transforms.
type DefaultPolicy struct{}

func (DefaultPolicy) ShouldDownload(*url.URL) bool { return true }

func (DefaultPolicy) Transform(asset *Asset, _ *url.URL) *Asset { return asset }

// KeyRewriter maps a URL to a custom cache key. It must be pure.
type KeyRewriter func(u *url.URL) string
