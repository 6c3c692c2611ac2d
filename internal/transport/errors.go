package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRejected marks a batch the receiving side will never accept.
	// Uploaders that are not HTTP based wrap it to signal a permanent failure.
	ErrRejected = errors.New("batch rejected")

	ErrConnectionClosed = errors.New("connection already closed")
	ErrEmptyEndpoint    = errors.New("endpoint must not be empty")
)

// HTTPError is returned by Connection.Close for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload failed: HTTP %s", e.Status)
	}
	return fmt.Sprintf("upload failed: HTTP %s: %s", e.Status, e.Body)
}

// Permanent reports whether the status means the batch must not be retried:
// any 4xx except 429.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err means the uploaded batch was permanently
// rejected. Network errors, 5xx and 429 responses are not permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Permanent()
	}
	return false
}
