package espa

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when the service rejects the credentials.
	ErrAuthentication = errors.New("espa authentication failed")

	// ErrServiceUnavailable is returned when the service answers with
	// something that is not JSON.
	ErrServiceUnavailable = errors.New("espa service unavailable")
)

// APIError is a non-2xx answer to a read.
type APIError struct {
	Method     string
	Resource   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("espa %s %s: http %d: %s", e.Method, e.Resource, e.StatusCode, e.Body)
}
