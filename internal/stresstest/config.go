package stresstest

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Framing modes
const (
	ModeShort = "short" // fixed text message, small echo
	ModeBulk  = "bulk"  // large generated payload with explicit byte-count expectation
)

const (
	DefaultRequests       = 100
	DefaultMessage        = "Hello, world!"
	DefaultTerminator     = "\n"
	DefaultPayloadSize    = 1 << 20
	DefaultDialTimeoutSec = 5
	DefaultReadBufferSize = 32 * 1024
	MaxRequests           = 100000
	MaxPayloadSize        = 1 << 30
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config represents a load test configuration
type Config struct {
	ID                int64
	Name              string
	Address           string // host:port of the echo service
	Requests          int    // number of concurrent sessions
	Mode              string // "short" or "bulk"
	Message           string // short mode payload
	PayloadSize       int    // bulk mode payload size in bytes
	Terminator        string // framing terminator, empty means DefaultTerminator
	NoTerminator      bool   // send the payload without any terminator
	ExpectedBytes     int    // 0 derives it from the mode
	DialTimeoutSec    int
	SessionTimeoutSec int // 0 disables the per-session timeout
	ReadBufferSize    int
	Verify            bool
	TimingPolicy      TimingPolicy
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Run represents a load test run record
type Run struct {
	ID             int64
	UUID           string
	ConfigID       *int64
	ConfigName     string
	Address        string
	Mode           string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         string // "running", "completed", "cancelled", "failed"
	RequestCount   int
	CompleteCount  int
	ShortReadCount int
	ConnErrorCount int
	MismatchCount  int
	BytesReceived  int64
	TotalTimeSec   float64
	AvgLatencySec  float64
	RequestsPerSec float64
	P50LatencySec  float64
	P95LatencySec  float64
	P99LatencySec  float64
	TimingPolicy   string
}

// Metric represents a single session result in a run
type Metric struct {
	ID            int64
	RunID         int64
	SessionIndex  int
	StartedAt     time.Time
	ElapsedUs     int64
	Status        string
	BytesSent     int64
	BytesReceived int64
	Mismatch      bool
	ErrorMessage  string
}

// Validate validates the load test configuration
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalidConfig, c.Address, err)
	}
	if host == "" {
		return fmt.Errorf("%w: address %q has no host", ErrInvalidConfig, c.Address)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrInvalidConfig, port)
	}
	if c.Requests <= 0 {
		return fmt.Errorf("%w: requests must be greater than 0", ErrInvalidConfig)
	}
	if c.Requests > MaxRequests {
		return fmt.Errorf("%w: requests cannot exceed %d", ErrInvalidConfig, MaxRequests)
	}

	switch c.GetMode() {
	case ModeShort:
	case ModeBulk:
		if c.PayloadSize <= 0 {
			return fmt.Errorf("%w: payload size must be greater than 0 in bulk mode", ErrInvalidConfig)
		}
		if c.PayloadSize > MaxPayloadSize {
			return fmt.Errorf("%w: payload size cannot exceed %d bytes", ErrInvalidConfig, MaxPayloadSize)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q (use %q or %q)", ErrInvalidConfig, c.Mode, ModeShort, ModeBulk)
	}

	if c.ExpectedBytes < 0 {
		return fmt.Errorf("%w: expected bytes cannot be negative", ErrInvalidConfig)
	}
	if c.ExpectedBytes > 0 && c.ExpectedBytes > c.requestSize() {
		return fmt.Errorf("%w: expected bytes (%d) exceed what is sent (%d)", ErrInvalidConfig, c.ExpectedBytes, c.requestSize())
	}
	if c.DialTimeoutSec < 0 || c.SessionTimeoutSec < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("%w: read buffer size cannot be negative", ErrInvalidConfig)
	}
	if _, err := ParseTimingPolicy(string(c.TimingPolicy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// GetMode returns the framing mode, defaulting to short
func (c *Config) GetMode() string {
	if c.Mode == "" {
		return ModeShort
	}
	return strings.ToLower(c.Mode)
}

// GetMessage returns the short mode message
func (c *Config) GetMessage() string {
	if c.Message == "" {
		return DefaultMessage
	}
	return c.Message
}

// GetTerminator returns the framing terminator written after each payload
func (c *Config) GetTerminator() string {
	if c.NoTerminator {
		return ""
	}
	if c.Terminator == "" {
		return DefaultTerminator
	}
	return c.Terminator
}

// GetExpectedBytes returns the number of echoed bytes a session must receive
func (c *Config) GetExpectedBytes() int {
	if c.ExpectedBytes > 0 {
		return c.ExpectedBytes
	}
	if c.GetMode() == ModeBulk {
		return c.PayloadSize
	}
	return c.requestSize()
}

// GetDialTimeout returns the connect timeout as time.Duration
func (c *Config) GetDialTimeout() time.Duration {
	if c.DialTimeoutSec == 0 {
		return DefaultDialTimeoutSec * time.Second
	}
	return time.Duration(c.DialTimeoutSec) * time.Second
}

// GetSessionTimeout returns the per-session timeout, 0 meaning unlimited
func (c *Config) GetSessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSec) * time.Second
}

// GetReadBufferSize returns the size of the per-session receive buffer
func (c *Config) GetReadBufferSize() int {
	if c.ReadBufferSize == 0 {
		return DefaultReadBufferSize
	}
	return c.ReadBufferSize
}

func (c *Config) requestSize() int {
	if c.GetMode() == ModeBulk {
		return c.PayloadSize + len(c.GetTerminator())
	}
	return len(c.GetMessage()) + len(c.GetTerminator())
}

// BuildUnit creates the immutable request unit shared by all sessions
func (c *Config) BuildUnit() (*RequestUnit, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var payload []byte
	if c.GetMode() == ModeBulk {
		payload = BulkPayload(c.PayloadSize, c.GetTerminator())
	} else {
		payload = []byte(c.GetMessage())
	}

	return &RequestUnit{
		Address:        c.Address,
		Payload:        payload,
		Terminator:     []byte(c.GetTerminator()),
		ExpectedBytes:  c.GetExpectedBytes(),
		Verify:         c.Verify,
		Timeout:        c.GetSessionTimeout(),
		ReadBufferSize: c.GetReadBufferSize(),
	}, nil
}

const payloadAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// BulkPayload generates a printable payload of the given size that never
// contains a byte of the terminator
func BulkPayload(size int, terminator string) []byte {
	alphabet := make([]byte, 0, len(payloadAlphabet))
	for i := 0; i < len(payloadAlphabet); i++ {
		if strings.IndexByte(terminator, payloadAlphabet[i]) < 0 {
			alphabet = append(alphabet, payloadAlphabet[i])
		}
	}
	if len(alphabet) == 0 {
		alphabet = []byte{'.'}
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = alphabet[i%len(alphabet)]
	}
	return payload
}

// IsRunning returns true if the run is currently in progress
func (r *Run) IsRunning() bool {
	return r.Status == "running"
}

// IsCompleted returns true if the run has finished
func (r *Run) IsCompleted() bool {
	return r.Status == "completed" || r.Status == "cancelled" || r.Status == "failed"
}
