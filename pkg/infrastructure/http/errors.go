// Package httputil provides HTTP error handling utilities.
package httputil

import (
	"fmt"
	"net/http"
)

// MaxErrorBodySize is the maximum size of response body to include in error messages
const MaxErrorBodySize = 500

// HTTPError represents an upstream HTTP failure with status code and response body
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
}

// NewHTTPError builds an HTTPError, truncating the body for log hygiene.
func NewHTTPError(statusCode int, body, url string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Body:       truncate(body, MaxErrorBodySize),
		URL:        url,
	}
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Status, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s (status %d)", e.Status, e.StatusCode)
}

// truncate truncates a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
