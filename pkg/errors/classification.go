package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorCategory represents the type of error for handling purposes
type ErrorCategory int

const (
	// CategoryRetriable indicates the operation can be retried with exponential backoff
	CategoryRetriable ErrorCategory = iota
	// CategoryFatal indicates the operation should not be retried
	CategoryFatal
	// CategoryTransient indicates the operation can be retried after a brief delay
	CategoryTransient
	// CategoryRecoverable indicates the error was handled locally and processing continues
	CategoryRecoverable
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryRetriable:
		return "retriable"
	case CategoryFatal:
		return "fatal"
	case CategoryTransient:
		return "transient"
	case CategoryRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its category and additional context
type ClassifiedError struct {
	Err      error
	Category ErrorCategory
	Message  string
	Metadata map[string]interface{}
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return fmt.Sprintf("%s: %v", ce.Message, ce.Err)
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// NewClassifiedError creates a new classified error with category
func NewClassifiedError(err error, category ErrorCategory, message string) *ClassifiedError {
	return &ClassifiedError{
		Err:      err,
		Category: category,
		Message:  message,
		Metadata: make(map[string]interface{}),
	}
}

// WithMetadata adds metadata to the classified error
func (ce *ClassifiedError) WithMetadata(key string, value interface{}) *ClassifiedError {
	ce.Metadata[key] = value
	return ce
}

// ClassifyError categorizes an error based on its type and characteristics
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryFatal
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category
	}

	// Join taxonomy
	if errors.Is(err, ErrLateData) || IsParse(err) {
		return CategoryRecoverable
	}
	if IsAmbiguous(err) {
		return CategoryFatal
	}

	// A rejecting circuit stops the retry loop around it
	var openErr *ErrCircuitOpen
	var tooManyErr *ErrTooManyRequests
	if errors.As(err, &openErr) || errors.As(err, &tooManyErr) {
		return CategoryFatal
	}

	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRetriable
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryRetriable
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return classifySyscallError(errno)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryRetriable
		}
		return CategoryRetriable
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg,
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"network is unreachable",
	) {
		return CategoryRetriable
	}

	if containsAny(msg,
		"invalid argument",
		"invalid syntax",
		"parse error",
		"unmarshal",
		"marshal",
	) {
		return CategoryFatal
	}

	if containsAny(msg,
		"timeout",
		"deadline exceeded",
		"too many open files",
		"resource temporarily unavailable",
	) {
		return CategoryRetriable
	}

	// Sink failures with an unknown cause are worth another attempt
	return CategoryRetriable
}

// classifySyscallError categorizes system call errors
func classifySyscallError(errno syscall.Errno) ErrorCategory {
	switch errno {
	case syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ETIMEDOUT,
		syscall.EPIPE:
		return CategoryRetriable

	case syscall.EAGAIN,
		syscall.EMFILE,
		syscall.ENFILE:
		return CategoryTransient

	case syscall.EINVAL,
		syscall.EACCES,
		syscall.EPERM,
		syscall.ENOENT,
		syscall.EEXIST,
		syscall.ENOSPC:
		return CategoryFatal

	default:
		return CategoryRetriable
	}
}

// IsRetriable checks if an error can be retried
func IsRetriable(err error) bool {
	category := ClassifyError(err)
	return category == CategoryRetriable || category == CategoryTransient
}

// IsFatal checks if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return ClassifyError(err) == CategoryFatal
}

// IsTransient checks if an error is transient
func IsTransient(err error) bool {
	return ClassifyError(err) == CategoryTransient
}

func containsAny(s string, substrings ...string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
