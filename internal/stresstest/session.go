package stresstest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Status is the outcome of a single session
type Status string

const (
	StatusComplete        Status = "complete"
	StatusShortRead       Status = "short_read"
	StatusConnectionError Status = "connection_error"
)

// Dialer opens the stream connection for a session. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// RequestUnit describes one exchange. It is shared read-only by every session of a run.
type RequestUnit struct {
	Address        string
	Payload        []byte
	Terminator     []byte // written separately after Payload when non-empty
	ExpectedBytes  int
	Verify         bool
	Timeout        time.Duration
	ReadBufferSize int
}

// expectedEcho returns the byte at offset i of a faithful echo
func (u *RequestUnit) expectedEcho(i int) (byte, bool) {
	if i < len(u.Payload) {
		return u.Payload[i], true
	}
	i -= len(u.Payload)
	if i < len(u.Terminator) {
		return u.Terminator[i], true
	}
	return 0, false
}

func (u *RequestUnit) matches(offset int, chunk []byte) bool {
	if offset+len(chunk) <= len(u.Payload) {
		return bytes.Equal(chunk, u.Payload[offset:offset+len(chunk)])
	}
	for i, b := range chunk {
		want, ok := u.expectedEcho(offset + i)
		if !ok || want != b {
			return false
		}
	}
	return true
}

// SessionResult is produced by exactly one session and never modified after it returns
type SessionResult struct {
	Index         int
	Status        Status
	StartedAt     time.Time
	Elapsed       time.Duration
	BytesSent     int
	BytesReceived int
	Mismatch      bool
	Err           error
}

// Succeeded reports whether the full expected response was received
func (r *SessionResult) Succeeded() bool {
	return r.Status == StatusComplete
}

// RunSession performs one connect, send, receive, close exchange.
// Failures are reported in the result, never retried.
func RunSession(ctx context.Context, dialer Dialer, unit *RequestUnit, index int) *SessionResult {
	result := &SessionResult{Index: index}

	if unit.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, unit.Timeout)
		defer cancel()
	}

	result.StartedAt = time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", unit.Address)
	if err != nil {
		result.Elapsed = time.Since(result.StartedAt)
		result.Status = StatusConnectionError
		result.Err = err
		return result
	}
	defer conn.Close()

	// Unblock pending I/O when the run is stopped or the session times out
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	// The echo flows back while the request is still being written, so
	// reading starts right away. Otherwise large payloads can fill both
	// socket buffers and stall the exchange.
	sent := make(chan sendResult, 1)
	go send(conn, unit, sent)

	status, rerr := receive(conn, unit, result)
	result.Elapsed = time.Since(result.StartedAt)

	var w sendResult
	if status == StatusComplete {
		select {
		case w = <-sent:
		case <-time.After(sendDrainTimeout):
			conn.SetDeadline(time.Now())
			w = <-sent
		}
	} else {
		conn.SetDeadline(time.Now())
		w = <-sent
	}
	result.BytesSent = w.n

	switch {
	case status == StatusComplete:
		result.Status = StatusComplete
	case w.err != nil && result.BytesReceived == 0 && !errors.Is(w.err, os.ErrDeadlineExceeded):
		result.Status = StatusConnectionError
		result.Err = w.err
	default:
		result.Status = status
		result.Err = rerr
	}

	if errors.Is(result.Err, os.ErrDeadlineExceeded) && errors.Is(ctx.Err(), context.Canceled) {
		result.Err = fmt.Errorf("%w: %w", context.Canceled, result.Err)
	}
	return result
}

// sendDrainTimeout bounds how long a completed session waits for its
// remaining request bytes to be accepted by the peer
const sendDrainTimeout = time.Second

type sendResult struct {
	n   int
	err error
}

// send writes the payload and then the terminator as a second write
func send(conn net.Conn, unit *RequestUnit, out chan<- sendResult) {
	n, err := conn.Write(unit.Payload)
	if err == nil && len(unit.Terminator) > 0 {
		var m int
		m, err = conn.Write(unit.Terminator)
		n += m
	}
	out <- sendResult{n: n, err: err}
}

// receive reads until ExpectedBytes have arrived or the peer stops sending
func receive(conn net.Conn, unit *RequestUnit, result *SessionResult) (Status, error) {
	size := unit.ReadBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	if size > unit.ExpectedBytes {
		size = unit.ExpectedBytes
	}
	buf := make([]byte, size)

	for result.BytesReceived < unit.ExpectedBytes {
		want := unit.ExpectedBytes - result.BytesReceived
		if want > len(buf) {
			want = len(buf)
		}

		n, err := conn.Read(buf[:want])
		if n > 0 {
			if unit.Verify && !result.Mismatch && !unit.matches(result.BytesReceived, buf[:n]) {
				result.Mismatch = true
			}
			result.BytesReceived += n
		}
		if result.BytesReceived >= unit.ExpectedBytes {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return StatusShortRead, err
		}
	}

	return StatusComplete, nil
}
