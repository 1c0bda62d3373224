package cli

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/michaelxuuu/echobench/internal/stresstest"
	"gopkg.in/yaml.v3"
)

// runSummary is the structured form of a stored run
type runSummary struct {
	ID              int64            `json:"id" yaml:"id"`
	UUID            string           `json:"uuid" yaml:"uuid"`
	ConfigName      string           `json:"config_name,omitempty" yaml:"config_name,omitempty"`
	Address         string           `json:"address" yaml:"address"`
	Mode            string           `json:"mode" yaml:"mode"`
	Status          string           `json:"status" yaml:"status"`
	StartedAt       time.Time        `json:"started_at" yaml:"started_at"`
	RequestCount    int              `json:"request_count" yaml:"request_count"`
	Complete        int              `json:"complete" yaml:"complete"`
	ShortRead       int              `json:"short_read" yaml:"short_read"`
	ConnectionError int              `json:"connection_error" yaml:"connection_error"`
	Mismatched      int              `json:"mismatched" yaml:"mismatched"`
	BytesReceived   int64            `json:"bytes_received" yaml:"bytes_received"`
	TotalTime       float64          `json:"total_time_seconds" yaml:"total_time_seconds"`
	AverageLatency  float64          `json:"average_latency_seconds" yaml:"average_latency_seconds"`
	RequestsPerSec  float64          `json:"requests_per_second" yaml:"requests_per_second"`
	P50Latency      float64          `json:"p50_latency_seconds" yaml:"p50_latency_seconds"`
	P95Latency      float64          `json:"p95_latency_seconds" yaml:"p95_latency_seconds"`
	P99Latency      float64          `json:"p99_latency_seconds" yaml:"p99_latency_seconds"`
	TimingPolicy    string           `json:"timing_policy,omitempty" yaml:"timing_policy,omitempty"`
	Errors          map[string]int   `json:"errors,omitempty" yaml:"errors,omitempty"`
	Sessions        []sessionSummary `json:"sessions,omitempty" yaml:"sessions,omitempty"`
}

type sessionSummary struct {
	Index         int     `json:"index" yaml:"index"`
	Status        string  `json:"status" yaml:"status"`
	ElapsedSec    float64 `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	BytesSent     int64   `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived int64   `json:"bytes_received" yaml:"bytes_received"`
	Mismatch      bool    `json:"mismatch,omitempty" yaml:"mismatch,omitempty"`
	Error         string  `json:"error,omitempty" yaml:"error,omitempty"`
}

func newRunSummary(run *stresstest.Run) runSummary {
	return runSummary{
		ID:              run.ID,
		UUID:            run.UUID,
		ConfigName:      run.ConfigName,
		Address:         run.Address,
		Mode:            run.Mode,
		Status:          run.Status,
		StartedAt:       run.StartedAt,
		RequestCount:    run.RequestCount,
		Complete:        run.CompleteCount,
		ShortRead:       run.ShortReadCount,
		ConnectionError: run.ConnErrorCount,
		Mismatched:      run.MismatchCount,
		BytesReceived:   run.BytesReceived,
		TotalTime:       run.TotalTimeSec,
		AverageLatency:  run.AvgLatencySec,
		RequestsPerSec:  run.RequestsPerSec,
		P50Latency:      run.P50LatencySec,
		P95Latency:      run.P95LatencySec,
		P99Latency:      run.P99LatencySec,
		TimingPolicy:    run.TimingPolicy,
	}
}

// marshal renders v as json or yaml
func marshal(v any, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return "", fmt.Errorf("unsupported output format: %s (use text, json or yaml)", format)
}

// ListRuns prints the most recent runs
func ListRuns(w io.Writer, manager *stresstest.Manager, limit int, format string) error {
	runs, err := manager.ListRuns(limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if format != "" && format != "text" {
		summaries := make([]runSummary, 0, len(runs))
		for _, run := range runs {
			summaries = append(summaries, newRunSummary(run))
		}
		out, err := marshal(summaries, format)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, styleSubtle.Render("No runs recorded"))
		return nil
	}

	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-5s %-19s %-22s %-6s %-10s %9s %12s", "ID", "STARTED", "ADDRESS", "MODE", "STATUS", "COMPLETE", "REQ/SEC")))
	for _, run := range runs {
		line := fmt.Sprintf("%-5d %-19s %-22s %-6s %-10s %9s %12.2f",
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(run.Address, 22),
			run.Mode,
			run.Status,
			fmt.Sprintf("%d/%d", run.CompleteCount, run.RequestCount),
			run.RequestsPerSec)
		switch {
		case run.IsRunning():
			line = styleSubtle.Render(line)
		case run.CompleteCount < run.RequestCount && run.IsCompleted():
			line = styleWarning.Render(line)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// ShowRun prints one run, optionally with every session
func ShowRun(w io.Writer, manager *stresstest.Manager, id int64, withSessions bool, format string) error {
	run, err := manager.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load run %d: %w", id, err)
	}

	metrics, err := manager.GetMetrics(run.ID)
	if err != nil {
		return fmt.Errorf("failed to load sessions of run %d: %w", id, err)
	}

	summary := newRunSummary(run)
	for _, m := range metrics {
		if category := stresstest.CategorizeErrorMessage(m.ErrorMessage); category != "" {
			if summary.Errors == nil {
				summary.Errors = make(map[string]int)
			}
			summary.Errors[category]++
		}
	}
	if withSessions {
		for _, m := range metrics {
			summary.Sessions = append(summary.Sessions, sessionSummary{
				Index:         m.SessionIndex,
				Status:        m.Status,
				ElapsedSec:    time.Duration(m.ElapsedUs * int64(time.Microsecond)).Seconds(),
				BytesSent:     m.BytesSent,
				BytesReceived: m.BytesReceived,
				Mismatch:      m.Mismatch,
				Error:         m.ErrorMessage,
			})
		}
	}

	if format != "" && format != "text" {
		out, err := marshal(summary, format)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}

	var sb strings.Builder
	sb.WriteString(styleHeader.Render(fmt.Sprintf("Run %d (%s)", run.ID, run.UUID)) + "\n")
	if run.ConfigName != "" {
		sb.WriteString(fmt.Sprintf("Config:            %s\n", run.ConfigName))
	}
	sb.WriteString(fmt.Sprintf("Address:           %s (%s)\n", run.Address, run.Mode))
	sb.WriteString(fmt.Sprintf("Started:           %s\n", run.StartedAt.Local().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Status:            %s\n", run.Status))
	if run.IsRunning() {
		sb.WriteString(styleWarning.Render("Run has not finished, counts below are partial") + "\n")
	}
	sb.WriteString(fmt.Sprintf("Sent %d requests\n", run.RequestCount))
	sb.WriteString(fmt.Sprintf("Total time:        %.6f s\n", run.TotalTimeSec))
	sb.WriteString(fmt.Sprintf("Average latency:   %.6f s\n", run.AvgLatencySec))
	sb.WriteString(fmt.Sprintf("Requests/sec:      %.2f\n", run.RequestsPerSec))
	sb.WriteString(fmt.Sprintf("Latency p50/p95/p99: %s / %s / %s\n",
		formatSeconds(run.P50LatencySec), formatSeconds(run.P95LatencySec), formatSeconds(run.P99LatencySec)))
	sb.WriteString(styleSuccess.Render(fmt.Sprintf("Complete:          %d", run.CompleteCount)) + "\n")
	sb.WriteString(countLine("Short reads:       %d", run.ShortReadCount) + "\n")
	sb.WriteString(countLine("Connection errors: %d", run.ConnErrorCount) + "\n")
	sb.WriteString(countLine("Mismatched:        %d", run.MismatchCount) + "\n")
	sb.WriteString(fmt.Sprintf("Bytes received:    %s\n", FormatSize(int(run.BytesReceived))))
	sb.WriteString(formatErrorBreakdown(summary.Errors))

	if withSessions {
		sb.WriteString("\n" + styleHeader.Render(fmt.Sprintf("%-7s %-17s %12s %10s %10s  %s", "INDEX", "STATUS", "ELAPSED", "SENT", "RECEIVED", "ERROR")) + "\n")
		for _, s := range summary.Sessions {
			line := fmt.Sprintf("%-7d %-17s %12s %10d %10d  %s",
				s.Index, s.Status, formatSeconds(s.ElapsedSec), s.BytesSent, s.BytesReceived, s.Error)
			if s.Status != string(stresstest.StatusComplete) || s.Mismatch {
				line = styleError.Render(line)
			}
			sb.WriteString(line + "\n")
		}
	}

	_, err = io.WriteString(w, sb.String())
	return err
}

// ListConfigs prints the saved configurations
func ListConfigs(w io.Writer, manager *stresstest.Manager, format string) error {
	configs, err := manager.ListConfigs()
	if err != nil {
		return fmt.Errorf("failed to list configs: %w", err)
	}

	if format != "" && format != "text" {
		type configSummary struct {
			ID           int64  `json:"id" yaml:"id"`
			Name         string `json:"name" yaml:"name"`
			Address      string `json:"address" yaml:"address"`
			Requests     int    `json:"requests" yaml:"requests"`
			Mode         string `json:"mode" yaml:"mode"`
			PayloadSize  int    `json:"payload_size,omitempty" yaml:"payload_size,omitempty"`
			Verify       bool   `json:"verify" yaml:"verify"`
			TimingPolicy string `json:"timing_policy,omitempty" yaml:"timing_policy,omitempty"`
		}
		summaries := make([]configSummary, 0, len(configs))
		for _, c := range configs {
			summaries = append(summaries, configSummary{
				ID:           c.ID,
				Name:         c.Name,
				Address:      c.Address,
				Requests:     c.Requests,
				Mode:         c.GetMode(),
				PayloadSize:  c.PayloadSize,
				Verify:       c.Verify,
				TimingPolicy: string(c.TimingPolicy),
			})
		}
		out, err := marshal(summaries, format)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}

	if len(configs) == 0 {
		fmt.Fprintln(w, styleSubtle.Render("No saved configs"))
		return nil
	}

	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-5s %-20s %-22s %8s %-6s %10s", "ID", "NAME", "ADDRESS", "REQUESTS", "MODE", "PAYLOAD")))
	for _, c := range configs {
		payload := "-"
		if c.GetMode() == stresstest.ModeBulk {
			payload = FormatSize(c.PayloadSize)
		}
		fmt.Fprintf(w, "%-5d %-20s %-22s %8d %-6s %10s\n", c.ID, truncate(c.Name, 20), truncate(c.Address, 22), c.Requests, c.GetMode(), payload)
	}
	return nil
}

// FindConfig looks up a saved configuration by name, or by ID when no config
// has that name
func FindConfig(manager *stresstest.Manager, ref string) (*stresstest.Config, error) {
	config, err := manager.GetConfigByName(ref)
	if errors.Is(err, sql.ErrNoRows) {
		if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil && id > 0 {
			config, err = manager.GetConfig(id)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saved config %q not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %q: %w", ref, err)
	}
	return config, nil
}

// DeleteSavedConfig removes a saved configuration given its name or ID
func DeleteSavedConfig(manager *stresstest.Manager, ref string) error {
	config, err := FindConfig(manager, ref)
	if err != nil {
		return err
	}
	return manager.DeleteConfig(config.ID)
}

// DeleteRunByID removes a run and its sessions
func DeleteRunByID(manager *stresstest.Manager, id int64) error {
	if _, err := manager.GetRun(id); errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %d not found", id)
	} else if err != nil {
		return fmt.Errorf("failed to load run %d: %w", id, err)
	}
	return manager.DeleteRun(id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
