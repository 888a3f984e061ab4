package origin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/sony/gobreaker"
)

var (
	// ErrNoOrigin is returned when no origin is registered under a name.
	ErrNoOrigin = errors.New("no origin registered")
	// ErrNoServers is returned when every server of an origin is unavailable.
	ErrNoServers = errors.New("no available server")

	errOriginPanic = errors.New("origin call panicked")
)

// ProxyError is the failure a proxying attempt resolves with. Cause is the
// root cause message, or "unknown" when none could be determined.
type ProxyError struct {
	Origin string
	URL    string
	Cause  string
	Err    error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxying error: origin=%s url=%s cause=%s", e.Origin, e.URL, e.Cause)
}

func (e *ProxyError) Unwrap() error { return e.Err }

func newProxyError(origin, url string, err error, cause string) *ProxyError {
	if cause == "" {
		cause = clientErrorType(err)
	}
	if cause == "" {
		cause = rootCause(err)
	}
	if cause == "" {
		cause = "unknown"
	}
	return &ProxyError{Origin: origin, URL: url, Cause: cause, Err: err}
}

// clientErrorType classifies failures raised by the HTTP client itself.
// Other errors yield "".
func clientErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoServers), errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "NO_AVAILABLE_SERVER"
	case errors.Is(err, context.DeadlineExceeded):
		return "READ_TIMEOUT_EXCEPTION"
	case errors.Is(err, context.Canceled):
		return "CLIENT_CANCELED"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "CONNECT_EXCEPTION"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "UNKNOWN_HOST_EXCEPTION"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "SOCKET_TIMEOUT_EXCEPTION"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "CONNECT_EXCEPTION"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "GENERAL"
	}
	return ""
}

// rootCause returns the message of the innermost wrapped error.
func rootCause(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
