package stresstest

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Failure categories for session errors
const (
	ErrorRefused      = "connection refused"
	ErrorReset        = "connection reset"
	ErrorTimeout      = "timeout"
	ErrorDNS          = "dns lookup failed"
	ErrorUnreachable  = "network unreachable"
	ErrorClosedEarly  = "closed before full echo"
	ErrorCancelled    = "cancelled"
	ErrorTooManyFiles = "too many open files"
	ErrorOther        = "other"
)

// CategorizeError maps a session error to a failure category, empty for nil
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ErrorClosedEarly
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrorRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ErrorReset
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return ErrorUnreachable
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return ErrorTooManyFiles
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}

	// Fall back to the message, which is all that survives persistence
	return CategorizeErrorMessage(err.Error())
}

// CategorizeErrorMessage maps a stored error message to a failure category
func CategorizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "connection refused"):
		return ErrorRefused
	case strings.Contains(lower, "connection reset"), strings.Contains(lower, "broken pipe"):
		return ErrorReset
	case strings.Contains(lower, "no such host"), strings.Contains(lower, "lookup "):
		return ErrorDNS
	case strings.Contains(lower, "network is unreachable"), strings.Contains(lower, "no route to host"):
		return ErrorUnreachable
	case strings.Contains(lower, "too many open files"):
		return ErrorTooManyFiles
	case strings.Contains(lower, "canceled"), strings.Contains(lower, "cancelled"):
		return ErrorCancelled
	case strings.Contains(lower, "deadline exceeded"), strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return ErrorTimeout
	case strings.Contains(lower, "eof"):
		return ErrorClosedEarly
	}
	return ErrorOther
}
