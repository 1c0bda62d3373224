package mock

import "time"

// Mode selects how the server answers a connection
type Mode string

const (
	ModeEcho     Mode = "echo"     // write back everything read until EOF
	ModeTruncate Mode = "truncate" // echo the first TruncateAfter bytes, then close
	ModeDrop     Mode = "drop"     // end the stream right after accept without echoing
)

// DefaultReadBufferSize matches the 1 KiB read loop of a plain echo server
const DefaultReadBufferSize = 1024

// Config represents the echo server configuration
type Config struct {
	Host           string `json:"host" yaml:"host"`                                         // Server host (default: 127.0.0.1)
	Port           int    `json:"port" yaml:"port"`                                         // Server port (default: 0, any free port)
	Mode           Mode   `json:"mode,omitempty" yaml:"mode,omitempty"`                     // echo, truncate, drop (default: echo)
	TruncateAfter  int    `json:"truncateAfter,omitempty" yaml:"truncateAfter,omitempty"`   // Bytes echoed in truncate mode
	Terminator     string `json:"terminator,omitempty" yaml:"terminator,omitempty"`         // End of request marker in truncate mode
	DelayMs        int    `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`               // Delay before each echoed chunk
	ReadLimit      int64  `json:"readLimit,omitempty" yaml:"readLimit,omitempty"`           // Bytes/sec read limit, 0 for none
	WriteLimit     int64  `json:"writeLimit,omitempty" yaml:"writeLimit,omitempty"`         // Bytes/sec write limit, 0 for none
	ReadBufferSize int    `json:"readBufferSize,omitempty" yaml:"readBufferSize,omitempty"` // Per-connection read buffer (default: 1024)
	Logging        bool   `json:"logging" yaml:"logging"`                                   // Keep a log of served connections
}

// ConnLog represents a served connection
type ConnLog struct {
	Timestamp time.Time     `json:"timestamp"`
	Remote    string        `json:"remote"`
	Mode      Mode          `json:"mode"`
	BytesIn   int64         `json:"bytesIn"`
	BytesOut  int64         `json:"bytesOut"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Stats is a snapshot of the server counters
type Stats struct {
	Accepted    int64
	Active      int64
	BytesEchoed int64
}
