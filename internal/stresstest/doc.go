/*
Package stresstest provides a concurrent load generator for TCP echo services.

# Overview

A run opens N independent sessions against one address. Each session performs
exactly one exchange:
  - connect
  - send the request payload, then the terminator as a separate write
  - read until the expected number of echoed bytes has arrived
  - close

No session retries, shares a connection, or reads another session's state.

# Architecture

1. Config (config.go): run configuration, validation and the request unit
2. Session (session.go): a single connect/send/receive/close exchange
3. Executor (executor.go): spawns, releases and joins the sessions
4. Stats (stats.go): aggregate report and live snapshot
5. Metrics (metrics.go): optional prometheus collectors
6. Manager (manager.go): SQLite persistence of configs, runs and sessions

# Executor Design

Every session runs in its own goroutine:
 1. Goroutines signal ready via WaitGroup
 2. The clock starts and all sessions are released together
 3. Each session writes only its own result slot
 4. Wait joins every goroutine before anything is aggregated

Total time covers the window from release to the last join. Live progress is
exposed through atomic counters and never touches the result slots.

# Outcomes

Each session ends in exactly one state:
  - complete: the expected byte count was received
  - short_read: the peer closed or the read failed first
  - connection_error: connect failed, or the write failed before any echo arrived

# Framing Modes

short sends a small text message and expects its echo, terminator included.
bulk sends a generated payload of PayloadSize bytes and expects PayloadSize
bytes back.

# Example Usage

	manager, err := NewManager("echobench.db")
	if err != nil {
		return err
	}
	defer manager.Close()

	executor, err := NewExecutor(&ExecutionConfig{
		Config: &Config{
			Address:  "127.0.0.1:7000",
			Requests: 100,
			Mode:     ModeShort,
		},
		Manager: manager,
	})
	if err != nil {
		return err
	}

	executor.Start()
	report, err := executor.Wait()

	fmt.Printf("%d/%d complete in %.3fs\n", report.Complete, report.RequestCount, report.TotalTimeSeconds)

# Cancellation

Stop cancels the run context. Pending dials are aborted and in-flight reads and
writes are unblocked through connection deadlines. Wait still reports every
session.
*/
package stresstest
