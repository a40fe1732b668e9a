package imagefetch

// RequestOptions are the per-request flags supplied by a caller.
type RequestOptions struct {
	// RetryFailed ignores, and on success clears, a previous permanent failure.
	RetryFailed bool
	LowPriority bool
	// CacheMemoryOnly keeps the downloaded image out of the slow tier.
	CacheMemoryOnly   bool
	ProgressiveDecode bool
	// RefreshCached delivers any cached image, then revalidates it over the network.
	RefreshCached            bool
	ContinueInBackground     bool
	HandleCookies            bool
	AllowInvalidCertificates bool
	HighPriority             bool
	// TransformAnimatedImage lets Policy.Transform see multi-frame images.
	TransformAnimatedImage bool
	ScaleDownLargeImages   bool
}

// FetchOptions are the flags understood by a Downloader.
type FetchOptions struct {
	LowPriority       bool
	ProgressiveDecode bool
	// UseTransportCache allows the transport to revalidate against its own cache.
	UseTransportCache bool
	// IgnoreCachedResponse asks the transport to report "not modified" instead of
	// replaying a response it has cached.
	IgnoreCachedResponse     bool
	ContinueInBackground     bool
	HandleCookies            bool
	AllowInvalidCertificates bool
	HighPriority             bool
	ScaleDownLargeImages     bool
}

// TranslateOptions maps request options onto fetch options. cachedHit reports
// whether the cache already produced an image for the request.
func TranslateOptions(opts RequestOptions, cachedHit bool) FetchOptions {
	fetch := FetchOptions{
		LowPriority:              opts.LowPriority,
		ProgressiveDecode:        opts.ProgressiveDecode,
		UseTransportCache:        opts.RefreshCached,
		ContinueInBackground:     opts.ContinueInBackground,
		HandleCookies:            opts.HandleCookies,
		AllowInvalidCertificates: opts.AllowInvalidCertificates,
		HighPriority:             opts.HighPriority,
		ScaleDownLargeImages:     opts.ScaleDownLargeImages,
	}
	if cachedHit && opts.RefreshCached {
		// A forced refresh of a cached image never replays the transport's cached
		// response and never emits partial decodes.
		fetch.ProgressiveDecode = false
		fetch.IgnoreCachedResponse = true
	}
	return fetch
}
