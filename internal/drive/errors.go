package drive

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound reports that the addressed item does not exist (HTTP 404).
var ErrNotFound = errors.New("item not found")

// maxErrorBody bounds how much of an error response body is kept for diagnosis.
const maxErrorBody = 4 << 10

// StatusError is returned for any non-2xx response from Graph.
type StatusError struct {
	Method     string
	URL        string // query stripped, upload URLs embed a credential
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is lets errors.Is match ErrNotFound on a 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}
