package nexus

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// UpstreamError is returned when the server answers with a non-success status.
type UpstreamError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: status %d, response: %s", e.Op, e.URL, e.StatusCode, e.Body)
}

// TransportError is a network-level failure talking to the server.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is returned when a request exceeds the configured request timeout.
type TimeoutError struct {
	Op  string
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s: timed out: %v", e.Op, e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// WrapTransport classifies err as a TimeoutError or a TransportError.
func WrapTransport(op, url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, URL: url, Err: err}
	}
	return &TransportError{Op: op, URL: url, Err: err}
}

// IsUpstream reports whether err carries an UpstreamError and returns it.
func IsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
