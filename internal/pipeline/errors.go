package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBodyTooLarge     = NewError(http.StatusRequestEntityTooLarge, "request body too large")
	ErrAlreadyDecorated = errors.New("pipeline: key already decorated")
)

// Error is an error that carries the HTTP status it should be replied with.
type Error struct {
	Code    int
	Message string
	Err     error
}

// NewError returns an Error with the given status code and message.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// WrapError returns an Error with the given status that wraps err.
func WrapError(code int, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status an error should be replied with.
// Errors that are not an *Error map to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Code >= 400 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// panicError wraps a value recovered from a panicking handler or hook.
type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
