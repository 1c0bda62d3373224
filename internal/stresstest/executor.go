package stresstest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	TCPKeepAliveInterval = 30 * time.Second
	metricsBatchSize     = 500
)

// ExecutionConfig contains the runtime configuration for executing a load test
type ExecutionConfig struct {
	Config  *Config
	Dialer  Dialer      // nil uses a net.Dialer with the configured dial timeout
	Manager *Manager    // nil disables persistence
	Metrics *Metrics    // nil disables prometheus collection
	Logger  *zap.Logger // nil disables logging
}

// Executor drives one session per requested unit of work, all released together
type Executor struct {
	config     *ExecutionConfig
	unit       *RequestUnit
	dialer     Dialer
	manager    *Manager
	metrics    *Metrics
	logger     *zap.Logger
	run        *Run
	ctx        context.Context
	cancelFunc context.CancelFunc

	group        errgroup.Group
	workersReady sync.WaitGroup
	release      chan struct{}
	startOnce    sync.Once
	waitOnce     sync.Once
	stopped      atomic.Bool

	// each session writes only its own slot
	results   []*SessionResult
	testStart time.Time
	testEnd   time.Time
	report    *Report
	waitErr   error

	// live progress, never read by sessions
	activeSessions atomic.Int32
	completed      atomic.Int64
	completeCount  atomic.Int64
	shortReadCount atomic.Int64
	connErrorCount atomic.Int64
	bytesReceived  atomic.Int64
	startedNanos   atomic.Int64
}

// NewExecutor creates a new load test executor
func NewExecutor(config *ExecutionConfig) (*Executor, error) {
	if config == nil || config.Config == nil {
		return nil, fmt.Errorf("%w: missing configuration", ErrInvalidConfig)
	}

	unit, err := config.Config.BuildUnit()
	if err != nil {
		return nil, err
	}

	policy, err := ParseTimingPolicy(string(config.Config.TimingPolicy))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	config.Config.TimingPolicy = policy

	dialer := config.Dialer
	if dialer == nil {
		dialer = &net.Dialer{
			Timeout:   config.Config.GetDialTimeout(),
			KeepAlive: TCPKeepAliveInterval,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	run := &Run{
		UUID:         uuid.NewString(),
		ConfigName:   config.Config.Name,
		Address:      config.Config.Address,
		Mode:         config.Config.GetMode(),
		StartedAt:    time.Now(),
		Status:       "running",
		RequestCount: config.Config.Requests,
		TimingPolicy: string(policy),
	}
	if config.Config.ID > 0 {
		run.ConfigID = &config.Config.ID
	}

	if config.Manager != nil {
		if err := config.Manager.CreateRun(run); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create run record: %w", err)
		}
	}

	return &Executor{
		config:     config,
		unit:       unit,
		dialer:     dialer,
		manager:    config.Manager,
		metrics:    config.Metrics,
		logger:     logger.With(zap.String("run", run.UUID)),
		run:        run,
		ctx:        ctx,
		cancelFunc: cancel,
		release:    make(chan struct{}),
		results:    make([]*SessionResult, config.Config.Requests),
	}, nil
}

// Start spawns every session and releases them at once. It returns as soon
// as all sessions have been released.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		n := len(e.results)
		e.logger.Info("starting load test",
			zap.String("address", e.unit.Address),
			zap.Int("sessions", n),
			zap.Int("payload_bytes", len(e.unit.Payload)),
			zap.Int("expected_bytes", e.unit.ExpectedBytes))

		e.workersReady.Add(n)
		for i := 0; i < n; i++ {
			index := i
			e.group.Go(func() error {
				e.worker(index)
				return nil
			})
		}

		// Release only once every goroutine exists so that concurrency,
		// not spawn rate, is what the run measures
		e.workersReady.Wait()
		e.testStart = time.Now()
		e.startedNanos.Store(e.testStart.UnixNano())
		close(e.release)
	})
}

// Stop cancels every pending session. Wait still has to be called.
func (e *Executor) Stop() {
	e.stopped.Store(true)
	e.cancelFunc()
}

// Wait blocks until every session has finished, then aggregates and
// persists the run. The report is returned even if persistence fails.
func (e *Executor) Wait() (*Report, error) {
	e.Start()

	e.waitOnce.Do(func() {
		e.group.Wait()
		e.testEnd = time.Now()
		e.report = Aggregate(e.results, e.testStart, e.testEnd, e.config.Config.TimingPolicy)

		status := "completed"
		if e.stopped.Load() {
			status = "cancelled"
		}
		e.waitErr = e.finalize(status)
		e.cancelFunc()

		e.logger.Info("load test finished",
			zap.String("status", status),
			zap.Int("complete", e.report.Complete),
			zap.Int("short_read", e.report.ShortRead),
			zap.Int("connection_error", e.report.ConnectionError),
			zap.Float64("total_time_seconds", e.report.TotalTimeSeconds),
			zap.Float64("requests_per_second", e.report.RequestsPerSecond))
	})

	return e.report, e.waitErr
}

// Results returns the session results in spawn order. Only meaningful after Wait.
func (e *Executor) Results() []*SessionResult {
	results := make([]*SessionResult, len(e.results))
	copy(results, e.results)
	return results
}

// GetStats returns a live snapshot (thread-safe)
func (e *Executor) GetStats() *Stats {
	stats := &Stats{
		TotalRequests:   len(e.results),
		Completed:       int(e.completed.Load()),
		Complete:        int(e.completeCount.Load()),
		ShortRead:       int(e.shortReadCount.Load()),
		ConnectionError: int(e.connErrorCount.Load()),
		ActiveSessions:  int(e.activeSessions.Load()),
		BytesReceived:   e.bytesReceived.Load(),
	}
	if started := e.startedNanos.Load(); started != 0 {
		stats.Elapsed = time.Since(time.Unix(0, started))
	}
	return stats
}

// GetRun returns the run record
func (e *Executor) GetRun() *Run {
	return e.run
}

// Unit returns the request unit shared by the sessions
func (e *Executor) Unit() *RequestUnit {
	return e.unit
}

// IsExecutionComplete returns true once every session has finished
func (e *Executor) IsExecutionComplete() bool {
	return e.completed.Load() >= int64(len(e.results))
}

// worker runs a single session once released
func (e *Executor) worker(index int) {
	e.workersReady.Done()
	<-e.release

	e.activeSessions.Add(1)
	e.metrics.sessionStarted()
	result := RunSession(e.ctx, e.dialer, e.unit, index)
	e.activeSessions.Add(-1)

	e.results[index] = result

	switch result.Status {
	case StatusComplete:
		e.completeCount.Add(1)
	case StatusShortRead:
		e.shortReadCount.Add(1)
	case StatusConnectionError:
		e.connErrorCount.Add(1)
	}
	e.bytesReceived.Add(int64(result.BytesReceived))
	e.completed.Add(1)
	e.metrics.observe(result)

	if result.Err != nil {
		e.logger.Debug("session failed",
			zap.Int("session", index),
			zap.String("status", string(result.Status)),
			zap.Int("bytes_received", result.BytesReceived),
			zap.Duration("elapsed", result.Elapsed),
			zap.Error(result.Err))
	}
}

// finalize completes the run record and stores the per-session metrics
func (e *Executor) finalize(status string) error {
	now := time.Now()
	r := e.report

	e.run.CompletedAt = &now
	e.run.Status = status
	e.run.CompleteCount = r.Complete
	e.run.ShortReadCount = r.ShortRead
	e.run.ConnErrorCount = r.ConnectionError
	e.run.MismatchCount = r.Mismatched
	e.run.BytesReceived = r.BytesReceived
	e.run.TotalTimeSec = r.TotalTimeSeconds
	e.run.AvgLatencySec = r.AverageLatencySeconds
	e.run.RequestsPerSec = r.RequestsPerSecond
	e.run.P50LatencySec = r.P50LatencySeconds
	e.run.P95LatencySec = r.P95LatencySeconds
	e.run.P99LatencySec = r.P99LatencySeconds

	if e.manager == nil {
		return nil
	}

	batch := make([]*Metric, 0, metricsBatchSize)
	for _, result := range e.results {
		batch = append(batch, metricFromResult(e.run.ID, result))
		if len(batch) == metricsBatchSize {
			if err := e.manager.SaveMetricsBatch(batch); err != nil {
				return fmt.Errorf("failed to save metrics: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := e.manager.SaveMetricsBatch(batch); err != nil {
		return fmt.Errorf("failed to save metrics: %w", err)
	}

	if err := e.manager.UpdateRun(e.run); err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	return nil
}

func metricFromResult(runID int64, r *SessionResult) *Metric {
	m := &Metric{
		RunID:         runID,
		SessionIndex:  r.Index,
		StartedAt:     r.StartedAt,
		ElapsedUs:     r.Elapsed.Microseconds(),
		Status:        string(r.Status),
		BytesSent:     int64(r.BytesSent),
		BytesReceived: int64(r.BytesReceived),
		Mismatch:      r.Mismatch,
	}
	if r.Err != nil {
		m.ErrorMessage = r.Err.Error()
	}
	return m
}
