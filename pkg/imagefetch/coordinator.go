// Package imagefetch coordinates loading images through a two-tier cache and a
// network downloader. A Coordinator answers each request from the cache when it
// can, downloads on a miss (or on a forced refresh), writes results back to the
// cache, remembers URLs that failed permanently, and delivers every callback on
// a single delivery context.
package imagefetch

import (
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Option configures optional Coordinator collaborators.
type Option func(*Coordinator)

// WithPolicy installs the download/transform hooks. Without one, every miss is
// downloaded and nothing is transformed.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithKeyRewriter installs a custom cache key function.
func WithKeyRewriter(fn KeyRewriter) Option {
	return func(c *Coordinator) {
		c.rewriter = fn
	}
}

// WithDispatcher sets the delivery context. The default runs callbacks inline
// on whichever goroutine produced them.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Coordinator) {
		c.dispatcher = d
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator is the entry point for loading images.
type Coordinator struct {
	cache      Cache
	downloader Downloader
	policy     Policy
	rewriter   KeyRewriter
	dispatcher Dispatcher
	metrics    *Metrics
	logger     zerolog.Logger

	failed  *FailedSet
	running *Registry
}

// NewCoordinator creates a Coordinator over the given cache and downloader.
func NewCoordinator(
	cache Cache,
	downloader Downloader,
	logger zerolog.Logger,
	opts ...Option,
) (*Coordinator, error) {
	if cache == nil {
		return nil, errors.New("cache cannot be nil")
	}
	if downloader == nil {
		return nil, errors.New("downloader cannot be nil")
	}
	c := &Coordinator{
		cache:      cache,
		downloader: downloader,
		dispatcher: InlineDispatcher{},
		logger:     logger.With().Str("component", "ImageCoordinator").Logger(),
		failed:     NewFailedSet(),
		running:    NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = InlineDispatcher{}
	}
	return c, nil
}

// request carries everything the asynchronous stages of one Fetch need.
type request struct {
	op         *Operation
	url        *url.URL
	canonical  string
	key        string
	opts       RequestOptions
	progress   ProgressFunc
	completion CompletionFunc
	logger     zerolog.Logger

	// transformMu runs one transform at a time so a late partial cannot
	// overtake the finished image.
	transformMu sync.Mutex
	// delivered is set once the terminal result has reached the caller.
	delivered atomic.Bool
}

// CacheKey returns the key the coordinator uses for u.
func (c *Coordinator) CacheKey(u *url.URL) string {
	return CacheKey(u, c.rewriter)
}

// FetchString parses raw and fetches it. A string that does not parse is
// reported as an invalid request.
func (c *Coordinator) FetchString(raw string, opts RequestOptions, progress ProgressFunc, completion CompletionFunc) *Operation {
	u, err := url.Parse(raw)
	if err != nil {
		u = nil
	}
	return c.Fetch(u, opts, progress, completion)
}

// Fetch loads the image at u. completion receives exactly one finished result
// unless the returned operation is cancelled; with RefreshCached and a cache
// hit it first receives the cached image, then the refreshed one if the
// server sent a new image. completion must not be nil.
func (c *Coordinator) Fetch(u *url.URL, opts RequestOptions, progress ProgressFunc, completion CompletionFunc) *Operation {
	if completion == nil {
		panic("imagefetch: Fetch called without a completion func")
	}

	canonical := canonicalURL(u)
	if canonical == "" {
		c.metrics.observe(OutcomeInvalid)
		return c.failImmediately(u, completion, &Error{Kind: KindInvalidRequest, Err: ErrInvalidRequest})
	}
	if !opts.RetryFailed && c.failed.Contains(canonical) {
		c.logger.Debug().Str("url", canonical).Msg("URL previously failed permanently, short-circuiting.")
		c.metrics.observe(OutcomeBlacklisted)
		return c.failImmediately(u, completion, &Error{Kind: KindPermanentlyFailed, URL: canonical, Err: ErrPermanentlyFailed})
	}

	op := newOperation(c.deregister)
	c.running.Add(op)
	c.metrics.setInFlight(c.running.Len())

	req := &request{
		op:         op,
		url:        u,
		canonical:  canonical,
		key:        c.CacheKey(u),
		opts:       opts,
		progress:   progress,
		completion: completion,
		logger:     c.logger.With().Str("url", canonical).Str("op_id", op.ID()).Logger(),
	}

	op.transition(StateCacheQuerying)
	cacheOp := c.cache.Query(req.key, func(asset *Asset, data []byte, cacheType CacheType) {
		c.handleCacheResult(req, asset, data, cacheType)
	})
	if cacheOp != nil {
		op.setCacheOperation(cacheOp)
	}
	return op
}

func (c *Coordinator) handleCacheResult(req *request, cached *Asset, cachedData []byte, cacheType CacheType) {
	op := req.op
	op.clearCacheOperation()
	if op.IsCancelled() {
		c.deregister(op.ID())
		c.metrics.observe(OutcomeCancelled)
		return
	}

	if (cached == nil || req.opts.RefreshCached) && c.shouldDownload(req.url) {
		if cached != nil {
			// Show the cached image now; the download below revalidates it.
			req.logger.Debug().Stringer("cache_type", cacheType).Msg("Delivering cached image before refresh.")
			c.deliver(req, Result{Asset: cached, Data: cachedData, CacheType: cacheType, Finished: true}, false)
		}
		c.startDownload(req, cached)
		return
	}

	if cached != nil {
		req.logger.Debug().Stringer("cache_type", cacheType).Msg("Cache hit.")
		if cacheType == CacheTypeMemory {
			c.metrics.observe(OutcomeMemoryHit)
		} else {
			c.metrics.observe(OutcomeDiskHit)
		}
		c.deliverFinal(req, Result{Asset: cached, Data: cachedData, CacheType: cacheType, Finished: true})
		return
	}

	req.logger.Debug().Msg("Cache miss and policy declined the download.")
	c.metrics.observe(OutcomeDeclined)
	c.deliverFinal(req, Result{CacheType: CacheTypeNone, Finished: true})
}

func (c *Coordinator) startDownload(req *request, cached *Asset) {
	op := req.op
	fetchOpts := TranslateOptions(req.opts, cached != nil)
	op.transition(StateDownloading)
	c.metrics.downloadStarted()
	req.logger.Debug().Msg("Starting download.")

	token := c.downloader.Download(req.url, fetchOpts, c.wrapProgress(req), func(asset *Asset, data []byte, err error, finished bool) {
		c.handleDownloadResult(req, cached, asset, data, err, finished)
	})

	id := op.ID()
	op.setCancelFunc(func() {
		c.downloader.Cancel(token)
		c.deregister(id)
	})
}

func (c *Coordinator) handleDownloadResult(req *request, cached *Asset, asset *Asset, data []byte, err error, finished bool) {
	op := req.op
	if op.IsCancelled() {
		return
	}

	if err != nil {
		kind := ClassifyNetworkError(err)
		if kind == KindPermanentNetwork {
			c.failed.Add(req.canonical)
			c.metrics.setFailed(c.failed.Len())
			c.metrics.observe(OutcomePermanent)
		} else {
			c.metrics.observe(OutcomeTransient)
		}
		req.logger.Warn().Err(err).Stringer("kind", kind).Msg("Download failed.")
		c.deliverFinal(req, Result{Err: &Error{Kind: kind, URL: req.canonical, Err: err}, Finished: true})
		return
	}

	if req.opts.RetryFailed {
		c.failed.Remove(req.canonical)
		c.metrics.setFailed(c.failed.Len())
	}
	toDisk := !req.opts.CacheMemoryOnly

	switch {
	case req.opts.RefreshCached && cached != nil && asset == nil:
		// Not modified: the cached delivery already answered the caller.
		req.logger.Debug().Msg("Refresh reported not modified.")
		if finished {
			c.metrics.observe(OutcomeNotModified)
			op.complete()
			c.deregister(op.ID())
		}

	case asset != nil && c.policy != nil && (!asset.Animated() || req.opts.TransformAnimatedImage):
		go func() {
			req.transformMu.Lock()
			defer req.transformMu.Unlock()
			if !finished && op.State() == StateCompleted {
				return
			}
			transformed := c.policy.Transform(asset, req.url)
			// The original bytes no longer describe a changed asset.
			resData := data
			if transformed != asset {
				resData = nil
			}
			if transformed != nil && finished {
				c.cache.Store(transformed, resData, req.key, toDisk)
			}
			c.deliverDownloaded(req, Result{Asset: transformed, Data: resData, CacheType: CacheTypeNone, Finished: finished})
		}()

	default:
		if asset != nil && finished {
			c.cache.Store(asset, data, req.key, toDisk)
		}
		c.deliverDownloaded(req, Result{Asset: asset, Data: data, CacheType: CacheTypeNone, Finished: finished})
	}
}

func (c *Coordinator) deliverDownloaded(req *request, res Result) {
	if !res.Finished {
		c.deliver(req, res, false)
		return
	}
	c.metrics.observe(OutcomeDownloaded)
	c.deliverFinal(req, res)
}

func (c *Coordinator) shouldDownload(u *url.URL) bool {
	if c.policy == nil {
		return true
	}
	return c.policy.ShouldDownload(u)
}

// deliverFinal completes and deregisters the operation, then delivers res.
func (c *Coordinator) deliverFinal(req *request, res Result) {
	req.op.complete()
	c.deregister(req.op.ID())
	c.deliver(req, res, true)
}

// deliver runs the caller's completion on the delivery context unless the
// operation has been cancelled by then. Nothing reaches the caller after the
// terminal result.
func (c *Coordinator) deliver(req *request, res Result, terminal bool) {
	res.URL = req.url
	op := req.op
	completion := req.completion
	c.dispatcher.Dispatch(func() {
		if op.IsCancelled() || req.delivered.Load() {
			return
		}
		if terminal {
			req.delivered.Store(true)
		}
		completion(res)
	})
}

func (c *Coordinator) wrapProgress(req *request) ProgressFunc {
	if req.progress == nil {
		return nil
	}
	op := req.op
	progress := req.progress
	return func(received, expected int64, u *url.URL) {
		c.dispatcher.Dispatch(func() {
			if op.IsCancelled() {
				return
			}
			progress(received, expected, u)
		})
	}
}

func (c *Coordinator) failImmediately(u *url.URL, completion CompletionFunc, err *Error) *Operation {
	op := newCompletedOperation()
	c.dispatcher.Dispatch(func() {
		completion(Result{URL: u, Err: err, CacheType: CacheTypeNone, Finished: true})
	})
	return op
}

func (c *Coordinator) deregister(id string) {
	c.running.Remove(id)
	c.metrics.setInFlight(c.running.Len())
}

// ExistsInCache reports, on the delivery context, whether an image for u is
// cached. The memory tier is checked first and the disk tier only on a miss.
func (c *Coordinator) ExistsInCache(u *url.URL, done func(exists bool)) {
	if done == nil {
		return
	}
	key := c.CacheKey(u)
	if key == "" {
		c.dispatcher.Dispatch(func() { done(false) })
		return
	}
	if c.cache.MemoryImage(key) != nil {
		c.dispatcher.Dispatch(func() { done(true) })
		return
	}
	c.ExistsOnDisk(u, done)
}

// ExistsOnDisk reports, on the delivery context, whether the disk tier holds u.
func (c *Coordinator) ExistsOnDisk(u *url.URL, done func(exists bool)) {
	if done == nil {
		return
	}
	key := c.CacheKey(u)
	if key == "" {
		c.dispatcher.Dispatch(func() { done(false) })
		return
	}
	c.cache.ExistsOnDisk(key, func(exists bool) {
		c.dispatcher.Dispatch(func() { done(exists) })
	})
}

// SaveToCache stores an image that is already in memory under u's key.
func (c *Coordinator) SaveToCache(asset *Asset, u *url.URL) {
	if asset == nil || u == nil {
		return
	}
	key := c.CacheKey(u)
	if key == "" {
		return
	}
	c.cache.Store(asset, nil, key, true)
}

// CancelAll cancels every running operation.
func (c *Coordinator) CancelAll() {
	ops := c.running.Drain()
	c.metrics.setInFlight(c.running.Len())
	for _, op := range ops {
		op.Cancel()
	}
	if len(ops) > 0 {
		c.logger.Info().Int("count", len(ops)).Msg("Cancelled all running operations.")
	}
}

// IsRunning reports whether any operation is in flight.
func (c *Coordinator) IsRunning() bool {
	return c.running.Len() > 0
}

// FailedCount returns the number of blacklisted URLs.
func (c *Coordinator) FailedCount() int {
	return c.failed.Len()
}
