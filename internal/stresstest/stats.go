package stresstest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/codahale/hdrhistogram"
)

// TimingPolicy selects which sessions feed latency and throughput
type TimingPolicy string

const (
	// TimingPolicyAll averages over every session regardless of outcome
	TimingPolicyAll TimingPolicy = "all"
	// TimingPolicyCompleteOnly averages over complete sessions and counts
	// only them towards throughput
	TimingPolicyCompleteOnly TimingPolicy = "complete-only"
)

// ParseTimingPolicy parses a policy name, empty meaning TimingPolicyAll
func ParseTimingPolicy(s string) (TimingPolicy, error) {
	switch TimingPolicy(strings.ToLower(s)) {
	case "", TimingPolicyAll:
		return TimingPolicyAll, nil
	case TimingPolicyCompleteOnly:
		return TimingPolicyCompleteOnly, nil
	}
	return "", fmt.Errorf("unknown timing policy %q (use %q or %q)", s, TimingPolicyAll, TimingPolicyCompleteOnly)
}

// histogram bounds in microseconds
const (
	histMinUs   = 1
	histMaxUs   = int64(time.Hour / time.Microsecond)
	histSigFigs = 3
)

// Report is the aggregate summary of one run
type Report struct {
	RequestCount          int            `json:"request_count" yaml:"request_count"`
	TotalTimeSeconds      float64        `json:"total_time_seconds" yaml:"total_time_seconds"`
	AverageLatencySeconds float64        `json:"average_latency_seconds" yaml:"average_latency_seconds"`
	RequestsPerSecond     float64        `json:"requests_per_second" yaml:"requests_per_second"`
	Complete              int            `json:"complete" yaml:"complete"`
	ShortRead             int            `json:"short_read" yaml:"short_read"`
	ConnectionError       int            `json:"connection_error" yaml:"connection_error"`
	Mismatched            int            `json:"mismatched" yaml:"mismatched"`
	BytesReceived         int64          `json:"bytes_received" yaml:"bytes_received"`
	MinLatencySeconds     float64        `json:"min_latency_seconds" yaml:"min_latency_seconds"`
	MaxLatencySeconds     float64        `json:"max_latency_seconds" yaml:"max_latency_seconds"`
	P50LatencySeconds     float64        `json:"p50_latency_seconds" yaml:"p50_latency_seconds"`
	P95LatencySeconds     float64        `json:"p95_latency_seconds" yaml:"p95_latency_seconds"`
	P99LatencySeconds     float64        `json:"p99_latency_seconds" yaml:"p99_latency_seconds"`
	TimingPolicy          TimingPolicy   `json:"timing_policy" yaml:"timing_policy"`
	Errors                map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"` // failed sessions by category
}

// Aggregate summarizes a complete result set. start and end bracket the
// whole spawn-and-join phase. It must only be called after every session
// of the run has returned.
func Aggregate(results []*SessionResult, start, end time.Time, policy TimingPolicy) *Report {
	if policy == "" {
		policy = TimingPolicyAll
	}

	report := &Report{
		RequestCount:     len(results),
		TotalTimeSeconds: end.Sub(start).Seconds(),
		TimingPolicy:     policy,
	}
	if report.TotalTimeSeconds < 0 {
		report.TotalTimeSeconds = 0
	}

	hist := hdrhistogram.New(histMinUs, histMaxUs, histSigFigs)
	var sum time.Duration
	var timed int
	minElapsed, maxElapsed := time.Duration(-1), time.Duration(-1)

	for _, r := range results {
		if r == nil {
			continue
		}
		switch r.Status {
		case StatusComplete:
			report.Complete++
		case StatusShortRead:
			report.ShortRead++
		case StatusConnectionError:
			report.ConnectionError++
		}
		if r.Mismatch {
			report.Mismatched++
		}
		report.BytesReceived += int64(r.BytesReceived)
		if category := CategorizeError(r.Err); category != "" {
			if report.Errors == nil {
				report.Errors = make(map[string]int)
			}
			report.Errors[category]++
		}

		if policy == TimingPolicyCompleteOnly && r.Status != StatusComplete {
			continue
		}

		timed++
		sum += r.Elapsed
		if minElapsed == -1 || r.Elapsed < minElapsed {
			minElapsed = r.Elapsed
		}
		if maxElapsed == -1 || r.Elapsed > maxElapsed {
			maxElapsed = r.Elapsed
		}
		hist.RecordValue(clampMicros(r.Elapsed))
	}

	if timed > 0 {
		report.AverageLatencySeconds = sum.Seconds() / float64(timed)
		report.MinLatencySeconds = minElapsed.Seconds()
		report.MaxLatencySeconds = maxElapsed.Seconds()
		report.P50LatencySeconds = microsToSeconds(hist.ValueAtQuantile(50))
		report.P95LatencySeconds = microsToSeconds(hist.ValueAtQuantile(95))
		report.P99LatencySeconds = microsToSeconds(hist.ValueAtQuantile(99))
	}

	if report.TotalTimeSeconds > 0 {
		counted := report.RequestCount
		if policy == TimingPolicyCompleteOnly {
			counted = report.Complete
		}
		report.RequestsPerSecond = float64(counted) / report.TotalTimeSeconds
	}

	return report
}

func clampMicros(d time.Duration) int64 {
	us := d.Microseconds()
	if us < histMinUs {
		return histMinUs
	}
	if us > histMaxUs {
		return histMaxUs
	}
	return us
}

func microsToSeconds(us int64) float64 {
	return float64(us) / float64(time.Second/time.Microsecond)
}

// SuccessRate returns the share of complete sessions as a percentage
func (r *Report) SuccessRate() float64 {
	if r.RequestCount == 0 {
		return 0
	}
	return float64(r.Complete) / float64(r.RequestCount) * 100
}

// Stats is a live snapshot of a running load test
type Stats struct {
	TotalRequests   int
	Completed       int
	Complete        int
	ShortRead       int
	ConnectionError int
	ActiveSessions  int
	BytesReceived   int64
	Elapsed         time.Duration
}

// Progress returns the completion progress as a percentage
func (s *Stats) Progress() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return math.Min(float64(s.Completed)/float64(s.TotalRequests)*100, 100)
}

// Failed returns the number of finished sessions that did not complete
func (s *Stats) Failed() int {
	return s.ShortRead + s.ConnectionError
}
