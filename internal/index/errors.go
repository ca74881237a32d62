package index

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for index operations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConvergenceTimeout is returned when a collection still has pending
	// operations after the retry policy is exhausted.
	ErrConvergenceTimeout = errors.New("index did not converge")
)

// APIError is a non-success response from the index.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("index returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("index returned %d: %s", e.StatusCode, e.Message)
}

// Is makes a 404 response match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}
