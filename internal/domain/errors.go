package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
)

// ErrorClass decides whether a failed attempt may be retried.
type ErrorClass string

const (
	ErrorClassRetryable ErrorClass = "retryable"
	ErrorClassTerminal  ErrorClass = "terminal"
)

// TranscriptionError is a classified transcription attempt failure.
type TranscriptionError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

func (e *TranscriptionError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("http %d: %s", e.StatusCode, msg)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *TranscriptionError) Retryable() bool {
	return e != nil && e.Class == ErrorClassRetryable
}

// RetryableError builds a retryable failure.
func RetryableError(message string, err error) *TranscriptionError {
	return &TranscriptionError{Class: ErrorClassRetryable, Message: message, Err: err}
}

// TerminalError builds a failure that must not be retried.
func TerminalError(message string, err error) *TranscriptionError {
	return &TranscriptionError{Class: ErrorClassTerminal, Message: message, Err: err}
}

// HTTPStatusError classifies a non-2xx provider response.
// 5xx and 429 are retryable, any other 4xx is terminal.
func HTTPStatusError(status int, message string) *TranscriptionError {
	if message == "" {
		message = http.StatusText(status)
	}
	class := ErrorClassRetryable
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		class = ErrorClassTerminal
	}
	return &TranscriptionError{Class: class, StatusCode: status, Message: message}
}

// ClassifyError maps any attempt error onto a TranscriptionError.
// Errors that were not classified at their origin are retryable.
func ClassifyError(err error) *TranscriptionError {
	if err == nil {
		return nil
	}
	var terr *TranscriptionError
	if errors.As(err, &terr) {
		return terr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return TerminalError("cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return RetryableError("timeout", err)
	case errors.Is(err, fs.ErrNotExist):
		return TerminalError("audio artifact missing", err)
	case errors.Is(err, fs.ErrPermission):
		return TerminalError("audio artifact not readable", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return RetryableError("unknown host", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return RetryableError("network error", err)
	}
	return RetryableError("unexpected error", err)
}
