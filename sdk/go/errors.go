package kendrasdk

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrSessionExpired is returned after the backend answered 401, or the
	// stored JWT was already past its exp. The token has been invalidated
	// through Client.OnSessionExpired by the time the caller sees it.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoToken is returned without any network traffic when no bearer
	// token is held.
	ErrNoToken = errors.New("no token available")
)

// APIError wraps non-2xx responses other than 401, and 2xx responses whose
// body failed validation.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

// NetworkError means no HTTP response was received.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Message returns the most readable description of err for a user-facing
// notification, falling back to fallback when nothing better exists.
func Message(err error, fallback string) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return fallback
	case errors.Is(err, ErrSessionExpired):
		return "Session expired. Please login again."
	case errors.Is(err, ErrNoToken):
		return "Please login first"
	case IsNetwork(err):
		return "Network error. Please check your connection."
	case errors.As(err, &apiErr):
		if strings.TrimSpace(apiErr.Message) != "" {
			return apiErr.Message
		}
		return fallback
	default:
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			return msg
		}
		return fallback
	}
}

func invalidResponse(status int, reason string) *APIError {
	return &APIError{StatusCode: status, Message: "invalid response: " + reason}
}
