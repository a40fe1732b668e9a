package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies the errors delivered to a CompletionFunc.
type ErrorKind int

const (
	// KindUnknown is reported for nil or foreign errors.
	KindUnknown ErrorKind = iota
	// KindInvalidRequest marks a missing or malformed URL. Never blacklisted.
	KindInvalidRequest
	// KindPermanentlyFailed marks a URL short-circuited by an earlier permanent failure.
	KindPermanentlyFailed
	// KindTransientNetwork marks connectivity problems that may clear on retry.
	KindTransientNetwork
	// KindPermanentNetwork marks every other download failure. The URL is blacklisted.
	KindPermanentNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindPermanentlyFailed:
		return "permanently_failed"
	case KindTransientNetwork:
		return "transient_network"
	case KindPermanentNetwork:
		return "permanent_network"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidRequest    = errors.New("invalid image request")
	ErrPermanentlyFailed = errors.New("url previously failed permanently")

	// Downloaders wrap these to mark connectivity failures the standard library
	// has no error value for.
	ErrNotConnected    = errors.New("not connected to a network")
	ErrConnectionLost  = errors.New("network connection lost")
	ErrRoamingDisabled = errors.New("international roaming disabled")
	ErrDataNotAllowed  = errors.New("cellular data not allowed")
)

// Error is the error type delivered in Result.Err.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s fetching %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err carries a transient kind.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// ClassifyNetworkError decides whether a download error is transient or permanent.
func ClassifyNetworkError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrRoamingDisabled),
		errors.Is(err, ErrDataNotAllowed),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ENETDOWN),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return KindTransientNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransientNetwork
	}
	return KindPermanentNetwork
}
