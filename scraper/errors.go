package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/go-ingest-books/parser"
	"github.com/aluiziolira/go-ingest-books/storage"
)

// Failure kind labels shared by logs, metrics and the run summary.
const (
	KindNetwork          = "network"
	KindTimeout          = "timeout"
	KindHTTPPermanent    = "http_permanent"
	KindHTTPTransient    = "http_transient"
	KindRobotsDisallowed = "robots_disallowed"
	KindExtraction       = "extraction"
	KindStorage          = "storage"
	KindCanceled         = "canceled"
	KindOther            = "other"
)

// ErrTimeout indicates a request exceeded its per-request timeout.
type ErrTimeout struct {
	URL string
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout fetching %s: %w", e.URL, e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrNetwork indicates a transport failure before a response was received.
type ErrNetwork struct {
	URL string
	Err error
}

func (e ErrNetwork) Error() string {
	return fmt.Errorf("network error fetching %s: %w", e.URL, e.Err).Error()
}

func (e ErrNetwork) Unwrap() error {
	return e.Err
}

// ErrDisallowed indicates robots.txt forbids fetching URL.
type ErrDisallowed struct {
	URL string
}

func (e ErrDisallowed) Error() string {
	return fmt.Sprintf("robots.txt disallows %s", e.URL)
}

// HTTPStatusError carries a non-2xx response status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d (%s) for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Permanent reports whether retrying cannot change the outcome.
func (e HTTPStatusError) Permanent() bool {
	return e.StatusCode < http.StatusInternalServerError
}

// Outcome is the coarse result of a single fetch.
type Outcome int

const (
	Success Outcome = iota
	HTTPError
	NetworkError
	Timeout
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case HTTPError:
		return "http_error"
	case NetworkError:
		return "network_error"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// OutcomeOf maps an error returned by Fetch to its Outcome. Robots denials
// count as HTTP errors since the server policy refused the request.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Success
	}
	var timeout ErrTimeout
	var status HTTPStatusError
	var disallowed ErrDisallowed
	switch {
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.As(err, &timeout):
		return Timeout
	case errors.As(err, &status), errors.As(err, &disallowed):
		return HTTPError
	default:
		return NetworkError
	}
}

// ErrorKind returns the taxonomy label for err.
func ErrorKind(err error) string {
	if err == nil {
		return KindOther
	}
	var (
		disallowed ErrDisallowed
		timeout    ErrTimeout
		network    ErrNetwork
		status     HTTPStatusError
		extraction *parser.ExtractionError
		store      *storage.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &disallowed):
		return KindRobotsDisallowed
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &network):
		return KindNetwork
	case errors.As(err, &status):
		if status.Permanent() {
			return KindHTTPPermanent
		}
		return KindHTTPTransient
	case errors.As(err, &extraction):
		return KindExtraction
	case errors.As(err, &store):
		return KindStorage
	}
	return KindOther
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var status HTTPStatusError
	if errors.As(err, &status) {
		return status.StatusCode
	}
	return 0
}

// retryable reports whether another attempt may succeed.
func retryable(err error) bool {
	var status HTTPStatusError
	if errors.As(err, &status) {
		return !status.Permanent()
	}
	var timeout ErrTimeout
	var network ErrNetwork
	return errors.As(err, &timeout) || errors.As(err, &network)
}

// canceledError reports that the run context ended while url was pending.
// Deadline expiry of the run is reported as a cancellation too, so it never
// counts as a per-request timeout.
func canceledError(ctx context.Context, url string) error {
	if cause := ctx.Err(); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("fetch %s: %w: %w", url, context.Canceled, cause)
	}
	return fmt.Errorf("fetch %s: %w", url, context.Canceled)
}

// classifyTransportError wraps an error from http.Client.Do. ctx is the run
// context, not the per-request one.
func classifyTransportError(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return canceledError(ctx, url)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{URL: url, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{URL: url, Err: err}
	}
	return ErrNetwork{URL: url, Err: err}
}
