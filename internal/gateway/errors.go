package gateway

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by Do wraps exactly one of these.
var (
	// ErrRateLimited means the upstream kept answering 429 until attempts ran out
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers 5xx responses and network failures
	ErrTransient = errors.New("transient upstream failure")
	// ErrClient is a 4xx other than 401, 403 and 429; it is never retried
	ErrClient = errors.New("upstream rejected request")
	// ErrAuth is a 401 or 403. It is fatal for the whole run.
	ErrAuth = errors.New("upstream authentication failed")
)

const maxErrorBody = 512

// APIError describes one failed upstream exchange
type APIError struct {
	Method string
	Path   string
	Status int    // 0 for network failures
	Body   string // truncated response body

	kind  error
	cause error
}

func newAPIError(kind error, method, path string, status int, body []byte) *APIError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{Method: method, Path: path, Status: status, Body: string(body), kind: kind}
}

func (e *APIError) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("%s %s: %v: %v", e.Method, e.Path, e.kind, e.cause)
	case e.Body != "":
		return fmt.Sprintf("%s %s: %v (status %d): %s", e.Method, e.Path, e.kind, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s %s: %v (status %d)", e.Method, e.Path, e.kind, e.Status)
	}
}

func (e *APIError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// IsNotFound reports whether err is an upstream 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}
