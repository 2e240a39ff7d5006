package services

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// AuthError is returned for bad credentials and rejected or expired tokens
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return e.Message
}

// APIError is returned for any non-2xx response other than 401, and for
// response bodies that are not valid JSON
type APIError struct {
	Status     int
	Message    string
	ParseError bool
	// Fields holds per-field validation messages when the server sent them
	Fields map[string][]string
}

func (e *APIError) Error() string {
	if e.ParseError && e.Message == "" {
		return fmt.Sprintf("malformed response (status %d)", e.Status)
	}
	return e.Message
}

// NetworkError wraps a transport failure
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError reports client-side required-field failures. No network
// call is made when one is returned.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RealtimeAuthError is returned when a channel grant is denied
type RealtimeAuthError struct {
	Channel string
	Err     error
}

func (e *RealtimeAuthError) Error() string {
	return fmt.Sprintf("channel %s authorization denied: %v", e.Channel, e.Err)
}

func (e *RealtimeAuthError) Unwrap() error { return e.Err }

// ErrNoToken is returned when an authenticated operation runs without a session
var ErrNoToken = errors.New("no session token")

// ErrChannelLeft is returned by a subscribe whose scope was left, or moved
// to another channel, before the join completed
var ErrChannelLeft = errors.New("channel left before subscription completed")

// IsUnauthorized reports whether err is a 401-derived AuthError
func IsUnauthorized(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Status == http.StatusUnauthorized
}

// UserMessage returns the server-provided message when err carries one,
// otherwise fallback
func UserMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.ParseError && apiErr.Message != "" && !isGenericMessage(apiErr) {
		return apiErr.Message
	}
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Message != "" {
		return authErr.Message
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr.Error()
	}
	return fallback
}

func genericMessage(status int) string {
	text := http.StatusText(status)
	if text == "" {
		text = "Unexpected status"
	}
	return fmt.Sprintf("request failed: %d %s", status, text)
}

func isGenericMessage(e *APIError) bool {
	return e.Message == genericMessage(e.Status)
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: map[string]string{}}
}

func (e *ValidationError) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		e.Fields[field] = "is required"
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
