package imageservice

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/illmade-knight/go-imageflow/pkg/codec"
	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
	"github.com/rs/zerolog"
)

// CacheHeader reports which tier answered a GET: none, memory or disk.
const CacheHeader = "X-Image-Cache"

// Fetcher is the part of imagefetch.Coordinator the handler drives.
type Fetcher interface {
	Fetch(u *url.URL, opts imagefetch.RequestOptions, progress imagefetch.ProgressFunc, completion imagefetch.CompletionFunc) *imagefetch.Operation
	ExistsInCache(u *url.URL, done func(exists bool))
}

// Handler serves images through a Fetcher.
//
//	GET  /image?url=...&refresh=1&memory_only=1&retry=1&scale=1
//	HEAD /image?url=...
type Handler struct {
	fetcher Fetcher
	timeout time.Duration
	logger  zerolog.Logger
}

// NewHandler creates a Handler. A request that takes longer than timeout is
// cancelled and answered with 504.
func NewHandler(fetcher Fetcher, timeout time.Duration, logger zerolog.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger.With().Str("component", "ImageHandler").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveImage(w, r)
	case http.MethodHead:
		h.serveExists(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func flag(q url.Values, name string) bool {
	b, err := strconv.ParseBool(q.Get(name))
	return err == nil && b
}

// requestOptions maps query flags onto coordinator options.
func requestOptions(q url.Values) imagefetch.RequestOptions {
	return imagefetch.RequestOptions{
		RefreshCached:        flag(q, "refresh"),
		CacheMemoryOnly:      flag(q, "memory_only"),
		RetryFailed:          flag(q, "retry"),
		ScaleDownLargeImages: flag(q, "scale"),
		HighPriority:         true,
	}
}

// parseTarget returns the url query parameter, or nil when it does not parse.
func parseTarget(r *http.Request) *url.URL {
	u, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil {
		return nil
	}
	return u
}

func (h *Handler) serveImage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := make(chan imagefetch.Result, 1)
	var once sync.Once
	op := h.fetcher.Fetch(parseTarget(r), requestOptions(r.URL.Query()), nil, func(res imagefetch.Result) {
		if !res.Finished {
			return
		}
		once.Do(func() { results <- res })
	})

	var res imagefetch.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		op.Cancel()
		status := http.StatusGatewayTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			// Client disconnected.
			status = http.StatusRequestTimeout
		}
		http.Error(w, "image fetch timed out", status)
		return
	}

	if res.Err != nil {
		status := statusFor(res.Err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn().Err(res.Err).Int("status", status).Msg("Image fetch failed.")
		}
		http.Error(w, res.Err.Error(), status)
		return
	}
	if res.Asset == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, contentType, err := responseBody(res)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode image for response.")
		http.Error(w, "failed to encode image", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set(CacheHeader, res.CacheType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// responseBody prefers the original bytes and re-encodes the asset otherwise.
func responseBody(res imagefetch.Result) ([]byte, string, error) {
	if len(res.Data) > 0 {
		return res.Data, http.DetectContentType(res.Data), nil
	}
	data, err := codec.Encode(res.Asset)
	if err != nil {
		return nil, "", err
	}
	return data, codec.ContentType(res.Asset), nil
}

// statusFor maps a coordinator error onto an HTTP status.
func statusFor(err error) int {
	switch imagefetch.KindOf(err) {
	case imagefetch.KindInvalidRequest:
		return http.StatusBadRequest
	case imagefetch.KindPermanentlyFailed:
		return http.StatusGone
	case imagefetch.KindPermanentNetwork:
		return http.StatusBadGateway
	case imagefetch.KindTransientNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) serveExists(w http.ResponseWriter, r *http.Request) {
	u := parseTarget(r)
	if u == nil || u.String() == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	found := make(chan bool, 1)
	h.fetcher.ExistsInCache(u, func(exists bool) { found <- exists })

	select {
	case exists := <-found:
		if exists {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case <-ctx.Done():
		w.WriteHeader(http.StatusGatewayTimeout)
	}
}
