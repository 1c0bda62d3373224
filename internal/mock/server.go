package mock

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduitio/bwlimit"
	"go.uber.org/zap"
)

// ErrServerClosed is returned by Start once the server has been stopped
var ErrServerClosed = errors.New("mock: server closed")

// drainTimeout bounds how long a truncated or dropped connection waits for the client to hang up
const drainTimeout = 5 * time.Second

// Server represents the mock echo server
type Server struct {
	config   *Config
	logger   *zap.Logger
	listener net.Listener
	done     chan struct{}

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	logs      []ConnLog
	logsMutex sync.RWMutex

	accepted    atomic.Int64
	active      atomic.Int64
	bytesEchoed atomic.Int64
}

// NewServer creates a new mock echo server
func NewServer(config *Config, logger *zap.Logger) *Server {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.Mode == "" {
		config.Mode = ModeEcho
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		config: config,
		logger: logger.With(zap.String("component", "mock")),
		done:   make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
		logs:   make([]ConnLog, 0),
	}
}

// Start starts listening and serving connections in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}
	if err := ValidateConfig(s.config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Limit the listener bandwidth
	if s.config.ReadLimit > 0 || s.config.WriteLimit > 0 {
		lis = bwlimit.NewListener(
			lis,
			bwlimit.Byte(s.config.WriteLimit),
			bwlimit.Byte(s.config.ReadLimit),
		)
	}
	s.listener = lis

	s.wg.Add(1)
	go s.acceptLoop(lis)

	s.logger.Info("echo server listening",
		zap.String("address", lis.Addr().String()),
		zap.String("mode", string(s.config.Mode)))
	return nil
}

// Stop closes the listener and every open connection, then waits for the handlers
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listening address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stats returns a snapshot of the server counters
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:    s.accepted.Load(),
		Active:      s.active.Load(),
		BytesEchoed: s.bytesEchoed.Load(),
	}
}

func (s *Server) acceptLoop(lis net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.accepted.Add(1)
		go s.handle(conn)
	}
}

// track registers a connection, refusing it once the server is closed
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handle serves a single connection according to the configured mode
func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	s.active.Add(1)
	defer s.active.Add(-1)

	start := time.Now()
	var in, out int64
	var err error

	switch s.config.Mode {
	case ModeDrop:
		in, err = s.halfClose(conn)
	case ModeTruncate:
		in, out, err = s.truncate(conn)
	default:
		in, out, err = s.echo(conn)
	}

	entry := ConnLog{
		Timestamp: start,
		Remote:    conn.RemoteAddr().String(),
		Mode:      s.config.Mode,
		BytesIn:   in,
		BytesOut:  out,
		Duration:  time.Since(start),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	s.logger.Debug("connection served",
		zap.String("remote", entry.Remote),
		zap.Int64("bytes_in", in),
		zap.Int64("bytes_out", out),
		zap.Duration("duration", entry.Duration),
		zap.Error(err))

	if s.config.Logging {
		s.logConn(entry)
	}
}

// echo writes back everything it reads until the client closes
func (s *Server) echo(conn net.Conn) (in, out int64, err error) {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			in += int64(n)
			w, werr := s.writeChunk(conn, buf[:n])
			out += int64(w)
			if werr != nil {
				return in, out, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return in, out, nil
			}
			return in, out, rerr
		}
	}
}

// truncate echoes at most TruncateAfter bytes. It keeps reading until the
// request terminator (or EOF) and then half-closes, so the client sees a
// clean end of stream instead of a reset.
func (s *Server) truncate(conn net.Conn) (in, out int64, err error) {
	remaining := s.config.TruncateAfter
	term := []byte(s.config.Terminator)
	buf := make([]byte, s.config.ReadBufferSize)
	var tail []byte

	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			in += int64(n)
			chunk := buf[:n]

			if remaining > 0 {
				k := min(n, remaining)
				w, werr := s.writeChunk(conn, chunk[:k])
				out += int64(w)
				remaining -= w
				if werr != nil {
					return in, out, werr
				}
			}

			if len(term) == 0 && remaining == 0 {
				break
			}
			if len(term) > 0 {
				var seen bool
				if tail, seen = scanTerminator(tail, chunk, term); seen {
					break
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return in, out, rerr
		}
	}

	drained, err := s.halfClose(conn)
	return in + drained, out, err
}

// halfClose ends the response stream and discards whatever the client still
// sends, so unread input does not turn the close into a reset
func (s *Server) halfClose(conn net.Conn) (int64, error) {
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return 0, nil
	}
	if err := cw.CloseWrite(); err != nil {
		return 0, err
	}

	conn.SetReadDeadline(time.Now().Add(drainTimeout))
	drained, _ := io.Copy(io.Discard, conn)
	return drained, nil
}

// writeChunk applies the configured delay and writes one chunk back
func (s *Server) writeChunk(conn net.Conn, chunk []byte) (int, error) {
	if s.config.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(s.config.DelayMs) * time.Millisecond):
		case <-s.done:
			return 0, ErrServerClosed
		}
	}
	n, err := conn.Write(chunk)
	s.bytesEchoed.Add(int64(n))
	return n, err
}

// scanTerminator reports whether term occurs in tail+chunk and returns the
// bytes to carry over so a terminator split across reads is still found
func scanTerminator(tail, chunk, term []byte) ([]byte, bool) {
	window := append(tail, chunk...)
	if bytes.Contains(window, term) {
		return nil, true
	}
	keep := len(term) - 1
	if len(window) > keep {
		window = window[len(window)-keep:]
	}
	return bytes.Clone(window), false
}

// logConn adds a connection to the log
func (s *Server) logConn(entry ConnLog) {
	s.logsMutex.Lock()
	defer s.logsMutex.Unlock()

	s.logs = append(s.logs, entry)

	// Keep only last 1000 logs
	if len(s.logs) > 1000 {
		s.logs = s.logs[len(s.logs)-1000:]
	}
}

// GetLogs returns all logged connections
func (s *Server) GetLogs() []ConnLog {
	s.logsMutex.RLock()
	defer s.logsMutex.RUnlock()

	// Return a copy
	logs := make([]ConnLog, len(s.logs))
	copy(logs, s.logs)
	return logs
}

// ClearLogs clears all logged connections
func (s *Server) ClearLogs() {
	s.logsMutex.Lock()
	defer s.logsMutex.Unlock()

	s.logs = make([]ConnLog, 0)
}
