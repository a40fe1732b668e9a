// Package httpfetch implements the imagefetch.Downloader collaborator over
// net/http.
package httpfetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-imageflow/pkg/codec"
	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const readChunkSize = 32 * 1024

// Downloader fetches images over HTTP. Each download runs on its own goroutine
// and reports through the done func given to Download; a cancelled download
// never reports.
type Downloader struct {
	cfg        Config
	clients    [4]*http.Client
	normal     *semaphore.Weighted
	low        *semaphore.Weighted
	validators *validatorStore
	metrics    *Metrics
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[imagefetch.DownloadToken]context.CancelFunc
}

// New creates a Downloader. transport may be nil to use a clone of
// http.DefaultTransport; metrics may be nil.
func New(cfg Config, transport *http.Transport, metrics *Metrics, logger zerolog.Logger) (*Downloader, error) {
	cfg = cfg.withDefaults()
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	insecure := transport.Clone()
	if insecure.TLSClientConfig == nil {
		insecure.TLSClientConfig = &tls.Config{}
	}
	insecure.TLSClientConfig.InsecureSkipVerify = true

	lowSlots := cfg.MaxConcurrent / 2
	if lowSlots < 1 {
		lowSlots = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Downloader{
		cfg:        cfg,
		normal:     semaphore.NewWeighted(cfg.MaxConcurrent),
		low:        semaphore.NewWeighted(lowSlots),
		validators: newValidatorStore(cfg.ValidatorTTL, cfg.ValidatorItems),
		metrics:    metrics,
		logger:     logger.With().Str("component", "HTTPDownloader").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[imagefetch.DownloadToken]context.CancelFunc),
	}
	for i := range d.clients {
		c := &http.Client{Transport: transport}
		if i&clientCookies != 0 {
			c.Jar = jar
		}
		if i&clientInsecure != 0 {
			c.Transport = insecure
		}
		d.clients[i] = c
	}
	return d, nil
}

const (
	clientCookies  = 1
	clientInsecure = 2
)

func (d *Downloader) clientFor(opts imagefetch.FetchOptions) *http.Client {
	i := 0
	if opts.HandleCookies {
		i |= clientCookies
	}
	if opts.AllowInvalidCertificates {
		i |= clientInsecure
	}
	return d.clients[i]
}

// Download starts fetching u and returns a token that Cancel accepts.
func (d *Downloader) Download(u *url.URL, opts imagefetch.FetchOptions, progress imagefetch.ProgressFunc, done imagefetch.DownloadDoneFunc) imagefetch.DownloadToken {
	token := imagefetch.DownloadToken(uuid.NewString())

	parent := d.ctx
	if opts.ContinueInBackground {
		parent = context.WithoutCancel(d.ctx)
	}
	ctx, cancel := context.WithTimeout(parent, d.cfg.Timeout)

	d.mu.Lock()
	d.inflight[token] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		report := func(asset *imagefetch.Asset, data []byte, err error, finished bool) {
			if finished {
				if !d.claim(token) {
					return
				}
			} else if !d.active(token) {
				return
			}
			done(asset, data, err, finished)
		}

		logger := d.logger.With().Str("url", u.String()).Str("token", string(token)).Logger()
		release, err := d.acquire(ctx, opts)
		if err != nil {
			report(nil, nil, fmt.Errorf("waiting for a download slot: %w", err), true)
			return
		}
		defer release()

		asset, data, err := d.fetch(ctx, u, opts, progress, report)
		if err != nil {
			logger.Debug().Err(err).Msg("Download failed.")
		}
		report(asset, data, err, true)
	}()
	return token
}

// Cancel stops the download for token. Its done func will not be called.
func (d *Downloader) Cancel(token imagefetch.DownloadToken) {
	d.mu.Lock()
	cancel, ok := d.inflight[token]
	delete(d.inflight, token)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// claim removes token from the in-flight set, reporting whether it was there.
func (d *Downloader) claim(token imagefetch.DownloadToken) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[token]
	delete(d.inflight, token)
	return ok
}

func (d *Downloader) active(token imagefetch.DownloadToken) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[token]
	return ok
}

// acquire takes a download slot. High priority downloads skip the queue and
// low priority ones first pass through a narrower lane.
func (d *Downloader) acquire(ctx context.Context, opts imagefetch.FetchOptions) (func(), error) {
	if opts.HighPriority {
		return func() {}, nil
	}
	if opts.LowPriority {
		if err := d.low.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		if err := d.normal.Acquire(ctx, 1); err != nil {
			d.low.Release(1)
			return nil, err
		}
		return func() {
			d.normal.Release(1)
			d.low.Release(1)
		}, nil
	}
	if err := d.normal.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.normal.Release(1) }, nil
}

type reportFunc func(asset *imagefetch.Asset, data []byte, err error, finished bool)

func (d *Downloader) fetch(ctx context.Context, u *url.URL, opts imagefetch.FetchOptions, progress imagefetch.ProgressFunc, report reportFunc) (*imagefetch.Asset, []byte, error) {
	start := time.Now()
	key := u.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("Accept", "image/webp,image/png,image/jpeg,image/gif,image/*;q=0.8")

	memo, haveMemo := validator{}, false
	if opts.UseTransportCache {
		memo, haveMemo = d.validators.get(key)
		if haveMemo {
			memo.apply(req)
		}
	}

	resp, err := d.clientFor(opts).Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	d.metrics.response(resp.StatusCode)

	if resp.StatusCode == http.StatusNotModified && haveMemo {
		if opts.IgnoreCachedResponse {
			return nil, nil, nil
		}
		return d.finish(memo.body, opts)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, URL: key}
	}

	body, err := d.readBody(ctx, resp, u, opts, progress, report)
	if err != nil {
		return nil, nil, err
	}
	d.metrics.observeDuration(time.Since(start).Seconds())
	d.validators.remember(key, resp, body)
	return d.finish(body, opts)
}

func (d *Downloader) finish(body []byte, opts imagefetch.FetchOptions) (*imagefetch.Asset, []byte, error) {
	asset, err := codec.Decode(body)
	if err != nil {
		return nil, nil, err
	}
	if opts.ScaleDownLargeImages {
		if scaled, ok := scaleDown(asset, d.cfg.MaxPixels); ok {
			return scaled, nil, nil
		}
	}
	return asset, body, nil
}

// readBody reads the response in chunks, reporting progress after each one and,
// with ProgressiveDecode, partial images whenever the bytes so far decode.
func (d *Downloader) readBody(ctx context.Context, resp *http.Response, u *url.URL, opts imagefetch.FetchOptions, progress imagefetch.ProgressFunc, report reportFunc) ([]byte, error) {
	expected := resp.ContentLength
	if d.cfg.MaxBodyBytes > 0 && expected > d.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, expected)
	}

	var buf bytes.Buffer
	if expected > 0 {
		buf.Grow(int(expected))
	}
	chunk := make([]byte, readChunkSize)
	var received int64
	var lastPartial time.Time

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			received += int64(n)
			d.metrics.bytesRead(n)
			if d.cfg.MaxBodyBytes > 0 && received > d.cfg.MaxBodyBytes {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.cfg.MaxBodyBytes)
			}
			if progress != nil {
				progress(received, expected, u)
			}
			if opts.ProgressiveDecode && received != expected && time.Since(lastPartial) >= d.cfg.ProgressiveInterval {
				if partial, err := codec.Decode(buf.Bytes()); err == nil {
					lastPartial = time.Now()
					report(partial, nil, nil, false)
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("reading body: %w", ctx.Err())
			}
			return nil, fmt.Errorf("reading body: %w", readErr)
		}
	}
	return buf.Bytes(), nil
}

// Close stops new work from starting, cancels downloads that were not asked to
// continue in the background and waits for every download to finish,
// respecting the context's deadline.
func (d *Downloader) Close(ctx context.Context) error {
	d.cancel()

	waitDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitDone)
	}()

	defer d.validators.stop()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		d.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for downloads to finish.")
		return ctx.Err()
	}
}
