package httpfetch

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned when a response body exceeds Config.MaxBodyBytes.
var ErrTooLarge = errors.New("response body too large")

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}
