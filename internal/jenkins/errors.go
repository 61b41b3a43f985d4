package jenkins

import (
	"errors"
	"fmt"
)

var ErrBuildNotFound = errors.New("jenkins build not found")

type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jenkins request %s failed with status %d", e.URL, e.StatusCode)
}

func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
