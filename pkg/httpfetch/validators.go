package httpfetch

import (
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// validator is what a 200 response leaves behind for later revalidation.
type validator struct {
	etag         string
	lastModified string
	body         []byte
}

type validatorStore struct {
	items    *ttlcache.Cache[string, validator]
	stopOnce sync.Once
}

func newValidatorStore(ttl time.Duration, capacity uint64) *validatorStore {
	items := ttlcache.New[string, validator](
		ttlcache.WithTTL[string, validator](ttl),
		ttlcache.WithCapacity[string, validator](capacity),
	)
	go items.Start()
	return &validatorStore{items: items}
}

func (s *validatorStore) get(key string) (validator, bool) {
	item := s.items.Get(key)
	if item == nil {
		return validator{}, false
	}
	return item.Value(), true
}

// remember records the validators of resp, if it carries any.
func (s *validatorStore) remember(key string, resp *http.Response, body []byte) {
	v := validator{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		body:         body,
	}
	if v.etag == "" && v.lastModified == "" {
		return
	}
	s.items.Set(key, v, ttlcache.DefaultTTL)
}

// apply adds conditional headers for v to req.
func (v validator) apply(req *http.Request) {
	if v.etag != "" {
		req.Header.Set("If-None-Match", v.etag)
	}
	if v.lastModified != "" {
		req.Header.Set("If-Modified-Since", v.lastModified)
	}
}

// stop ends the expiry loop. Stop blocks until Start receives, so it runs once.
func (s *validatorStore) stop() {
	s.stopOnce.Do(s.items.Stop)
}
