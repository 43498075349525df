package agentclient

import (
	"errors"
	"fmt"
)

// Category classifies an agent client failure. The category determines whether
// the retry loop will re-attempt the operation and how the orchestrator
// reports the failure upstream.
type Category string

const (
	CategoryTimeout       Category = "timeout"
	CategoryNetwork       Category = "network"
	CategoryServerError   Category = "server_error"
	CategoryHTTPError     Category = "http_error"
	CategoryAuth          Category = "auth"
	CategoryCircuitOpen   Category = "circuit_open"
	CategoryEmptyResponse Category = "empty_response"
	CategoryToolBudget    Category = "tool_iteration_exhausted"
	CategoryUnknown       Category = "unknown"
)

// Retryable reports whether a failure of this category may succeed on
// a fresh attempt. Auth and generic HTTP errors indicate
// misconfiguration, not transient load, and surface immediately.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTimeout, CategoryNetwork, CategoryServerError:
		return true
	}
	return false
}

// Error is returned when the inference backend does not produce a
// usable response.
type Error struct {
	Category Category
	msg      string
	err      error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Errorf builds a categorized Error.
func Errorf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a categorized Error around an underlying cause.
func WrapError(category Category, err error, format string, args ...any) *Error {
	return &Error{Category: category, msg: fmt.Sprintf(format, args...), err: err}
}

// CategoryOf extracts the category from err, or CategoryUnknown when
// err is not an agent client error.
func CategoryOf(err error) Category {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return CategoryUnknown
}
