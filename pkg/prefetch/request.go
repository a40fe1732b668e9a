package prefetch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-imageflow/pkg/imagefetch"
)

// Request is the decoded body of a prefetch message. A body that is not a JSON
// object is taken as a bare URL.
type Request struct {
	URL         string `json:"url"`
	Refresh     bool   `json:"refresh,omitempty"`
	MemoryOnly  bool   `json:"memory_only,omitempty"`
	RetryFailed bool   `json:"retry_failed,omitempty"`
	LowPriority bool   `json:"low_priority,omitempty"`
}

// ErrEmptyRequest is returned for messages that name no URL.
var ErrEmptyRequest = errors.New("prefetch message has no url")

// ParseRequest decodes a message payload.
func ParseRequest(payload []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, ErrEmptyRequest
	}
	if trimmed[0] != '{' {
		return &Request{URL: string(trimmed)}, nil
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prefetch request: %w", err)
	}
	if req.URL == "" {
		return nil, ErrEmptyRequest
	}
	return &req, nil
}

// Options maps the request onto coordinator options.
func (r *Request) Options() imagefetch.RequestOptions {
	return imagefetch.RequestOptions{
		RefreshCached:   r.Refresh,
		CacheMemoryOnly: r.MemoryOnly,
		RetryFailed:     r.RetryFailed,
		LowPriority:     r.LowPriority,
	}
}
