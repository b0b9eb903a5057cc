// Package httperr defines the error returned for non-successful HTTP responses
// from the enigma API.
package httperr

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// maxBody bounds how much of an error body is read.
const maxBody = 64 << 10

// Error captures an error response returned by the API.
type Error struct {
	Status    int
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// FromResponse builds an *Error from resp. The body is read but not closed.
func FromResponse(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	if resp.Request != nil {
		apiErr.RequestID = resp.Request.Header.Get("X-Request-ID")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	if gjson.ValidBytes(data) {
		for _, key := range []string{"error", "message"} {
			if msg := gjson.GetBytes(data, key); msg.Type == gjson.String && msg.Str != "" {
				apiErr.Message = msg.Str
				break
			}
		}
	}
	return apiErr
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsUnauthorized reports whether err is an API error with status 401.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// IsNotFound reports whether err is an API error with status 404.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}
