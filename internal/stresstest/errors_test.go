package stresstest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: ErrorClosedEarly},
		{name: "read deadline", err: &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}, want: ErrorTimeout},
		{name: "stopped run", err: fmt.Errorf("%w: %w", context.Canceled, os.ErrDeadlineExceeded), want: ErrorCancelled},
		{name: "refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: ErrorRefused},
		{name: "reset", err: &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, want: ErrorReset},
		{name: "broken pipe", err: &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)}, want: ErrorReset},
		{name: "unreachable", err: os.NewSyscallError("connect", syscall.ENETUNREACH), want: ErrorUnreachable},
		{name: "fd limit", err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("socket", syscall.EMFILE)}, want: ErrorTooManyFiles},
		{name: "dns", err: &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}}, want: ErrorDNS},
		{name: "unknown", err: errors.New("something odd"), want: ErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategorizeError(tt.err))
		})
	}
}

func TestCategorizeErrorMessage(t *testing.T) {
	tests := map[string]string{
		"": "",
		"dial tcp 127.0.0.1:1: connect: connection refused":                       ErrorRefused,
		"read tcp 127.0.0.1:7000->127.0.0.1:5000: read: connection reset by peer": ErrorReset,
		"dial tcp: lookup nowhere.invalid: no such host":                          ErrorDNS,
		"read tcp 127.0.0.1:7000: i/o timeout":                                    ErrorTimeout,
		"context canceled: read tcp 127.0.0.1:7000: i/o timeout":                  ErrorCancelled,
		"unexpected EOF":                        ErrorClosedEarly,
		"dial tcp: socket: too many open files": ErrorTooManyFiles,
		"boom":                                  ErrorOther,
	}
	for msg, want := range tests {
		assert.Equal(t, want, CategorizeErrorMessage(msg), msg)
	}
}

func TestAggregate_ErrorBreakdown(t *testing.T) {
	start := time.Now()
	results := []*SessionResult{
		{Status: StatusComplete},
		{Status: StatusShortRead, Err: io.ErrUnexpectedEOF},
		{Status: StatusShortRead, Err: io.ErrUnexpectedEOF},
		{Status: StatusConnectionError, Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
	}

	report := Aggregate(results, start, start.Add(time.Second), TimingPolicyAll)

	assert.Equal(t, map[string]int{ErrorClosedEarly: 2, ErrorRefused: 1}, report.Errors)

	clean := Aggregate(results[:1], start, start.Add(time.Second), TimingPolicyAll)
	assert.Nil(t, clean.Errors)
}
