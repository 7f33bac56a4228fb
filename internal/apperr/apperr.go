// Package apperr carries the stable error codes surfaced to operators and
// command replies. Codes are short and never change; the detail bag holds
// whatever context the failure site had on hand.
package apperr

import (
	"errors"
	"fmt"
)

// Stable codes.
const (
	CodeSyncEnqueueFailed    = "SYNC_ENQUEUE_FAILED"
	CodeMessageSaveFailed    = "MESSAGE_SAVE_FAILED"
	CodeWindowSaveFailed     = "WINDOW_SAVE_FAILED"
	CodeWindowFetchFailed    = "WINDOW_FETCH_FAILED"
	CodeChatFailed           = "CHAT_FAILED"
	CodeSyncCursorReadFailed = "SYNC_CURSOR_READ_FAILED"
)

// Error is an error with a stable code and optional details.
type Error struct {
	Code    string
	Details map[string]interface{}
	cause   error
}

// New creates a coded error wrapping a cause.
func New(code string, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// With attaches a detail to the error and returns it for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf returns the stable code of err, or "" if err carries none.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
