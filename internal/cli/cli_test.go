package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/michaelxuuu/echobench/internal/mock"
	"github.com/michaelxuuu/echobench/internal/stresstest"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func startEchoServer(t *testing.T, config *mock.Config) string {
	t.Helper()
	if config == nil {
		config = &mock.Config{}
	}
	server := mock.NewServer(config, nil)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server.Addr()
}

func settings(values map[string]any) *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyMode, stresstest.ModeShort)
	v.SetDefault(KeyTerminator, `\n`)
	for key, value := range values {
		v.Set(key, value)
	}
	return v
}

func TestConfigFromSettings(t *testing.T) {
	v := settings(map[string]any{
		KeyAddress:      "127.0.0.1:7000",
		KeyRequests:     25,
		KeyMode:         "bulk",
		KeyPayloadSize:  4096,
		KeyTerminator:   `\r\n`,
		KeyTimeout:      3,
		KeyVerify:       true,
		KeyTimingPolicy: "complete-only",
	})

	config, err := ConfigFromSettings(v, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", config.Address)
	assert.Equal(t, 25, config.Requests)
	assert.Equal(t, stresstest.ModeBulk, config.Mode)
	assert.Equal(t, 4096, config.PayloadSize)
	assert.Equal(t, "\r\n", config.Terminator)
	assert.Equal(t, 3, config.SessionTimeoutSec)
	assert.True(t, config.Verify)
	assert.Equal(t, stresstest.TimingPolicyCompleteOnly, config.TimingPolicy)
	require.NoError(t, config.Validate())
}

func TestConfigFromSettings_OverridesSavedConfig(t *testing.T) {
	base := &stresstest.Config{
		ID:          7,
		Name:        "bulk",
		Address:     "10.0.0.1:7000",
		Requests:    100,
		Mode:        stresstest.ModeBulk,
		PayloadSize: 1 << 20,
		Terminator:  "\n",
	}

	v := viper.New()
	v.Set(KeyRequests, 5)

	config, err := ConfigFromSettings(v, base)
	require.NoError(t, err)
	assert.Equal(t, 5, config.Requests)
	assert.Equal(t, "10.0.0.1:7000", config.Address)
	assert.Equal(t, 1<<20, config.PayloadSize)
	assert.Equal(t, int64(7), config.ID)

	// the saved config itself is untouched
	assert.Equal(t, 100, base.Requests)
}

func TestConfigFromSettings_BadTerminator(t *testing.T) {
	v := settings(map[string]any{KeyTerminator: `\x`})

	_, err := ConfigFromSettings(v, nil)
	assert.ErrorIs(t, err, stresstest.ErrInvalidConfig)
}

func TestConfigFromSettings_Terminator(t *testing.T) {
	v := settings(map[string]any{KeyAddress: "127.0.0.1:7000", KeyRequests: 1})
	config, err := ConfigFromSettings(v, nil)
	require.NoError(t, err)
	assert.False(t, config.NoTerminator)
	assert.Equal(t, "\n", config.GetTerminator())

	// nothing set at all falls back to the default as well
	v = viper.New()
	v.Set(KeyAddress, "127.0.0.1:7000")
	config, err = ConfigFromSettings(v, nil)
	require.NoError(t, err)
	assert.False(t, config.NoTerminator)
	assert.Equal(t, stresstest.DefaultTerminator, config.GetTerminator())

	v = settings(map[string]any{KeyAddress: "127.0.0.1:7000", KeyRequests: 1, KeyTerminator: ""})
	config, err = ConfigFromSettings(v, nil)
	require.NoError(t, err)
	assert.True(t, config.NoTerminator)
	unit, err := config.BuildUnit()
	require.NoError(t, err)
	assert.Empty(t, unit.Terminator)
	assert.Equal(t, len(stresstest.DefaultMessage), unit.ExpectedBytes)

	v = settings(map[string]any{KeyAddress: "127.0.0.1:7000", KeyRequests: 1, KeyTerminator: `"\n`})
	config, err = ConfigFromSettings(v, nil)
	require.NoError(t, err)
	assert.Equal(t, "\"\n", config.GetTerminator())
}

func TestUnescape(t *testing.T) {
	tests := map[string]string{
		``:             "",
		`\n`:           "\n",
		`\r\n`:         "\r\n",
		`END`:          "END",
		`a"b`:          `a"b`,
		`"`:            `"`,
		`\"`:           `"`,
		`say "hi"\r\n`: "say \"hi\"\r\n",
		`é\t`:          "é\t",
		`\x00\n`:       "\x00\n",
	}
	for input, want := range tests {
		got, err := Unescape(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

func sampleRun() (*stresstest.Report, *stresstest.Run, *stresstest.RequestUnit) {
	report := &stresstest.Report{
		RequestCount:          4,
		TotalTimeSeconds:      0.5,
		AverageLatencySeconds: 0.002,
		RequestsPerSecond:     8,
		Complete:              3,
		ShortRead:             1,
		BytesReceived:         49,
		P50LatencySeconds:     0.0015,
		TimingPolicy:          stresstest.TimingPolicyAll,
		Errors:                map[string]int{stresstest.ErrorClosedEarly: 1},
	}
	run := &stresstest.Run{ID: 9, UUID: "abc", Address: "127.0.0.1:7000", Mode: "short", Status: "completed"}
	unit := &stresstest.RequestUnit{Payload: []byte("Hello, world!"), Terminator: []byte("\n"), ExpectedBytes: 14}
	return report, run, unit
}

func TestFormatReport_Text(t *testing.T) {
	report, run, unit := sampleRun()
	out, err := FormatReport(report, run, unit, "text")
	require.NoError(t, err)

	assert.Contains(t, out, "Sent 4 requests to 127.0.0.1:7000")
	assert.Contains(t, out, "Total time:        0.500000 s")
	assert.Contains(t, out, "Requests/sec:      8.00")
	assert.Contains(t, out, "Complete:          3 (75.0%)")
	assert.Contains(t, out, "Short reads:       1")
	assert.Contains(t, out, "Run 9 (abc)")
	assert.Contains(t, out, "Errors:")
	assert.Contains(t, out, stresstest.ErrorClosedEarly)
	assert.NotContains(t, out, "Mismatched")
}

func TestFormatReport_JSON(t *testing.T) {
	report, run, unit := sampleRun()
	out, err := FormatReport(report, run, unit, "json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, 4.0, decoded["request_count"])
	assert.Equal(t, 0.5, decoded["total_time_seconds"])
	assert.Equal(t, 0.002, decoded["average_latency_seconds"])
	assert.Equal(t, 8.0, decoded["requests_per_second"])
	assert.Equal(t, "abc", decoded["run_uuid"])
}

func TestFormatReport_YAML(t *testing.T) {
	report, run, unit := sampleRun()
	out, err := FormatReport(report, run, unit, "yaml")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, 4, decoded["request_count"])
	// whole floats are written without a fraction and decode as int
	assert.EqualValues(t, 8, decoded["requests_per_second"])
	assert.Contains(t, out, "requests_per_second: 8\n")
	assert.EqualValues(t, 0.5, decoded["total_time_seconds"])
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, map[string]any{stresstest.ErrorClosedEarly: 1}, decoded["errors"])

	_, err = FormatReport(report, run, unit, "xml")
	assert.Error(t, err)
}

func TestRun_EndToEnd(t *testing.T) {
	addr := startEchoServer(t, nil)
	dbPath := filepath.Join(t.TempDir(), "echobench.db")

	var out bytes.Buffer
	err := Run(context.Background(), RunOptions{
		Settings:     settings(map[string]any{KeyAddress: addr, KeyRequests: 4}),
		SaveName:     "local",
		OutputFormat: "json",
		DatabasePath: dbPath,
		Out:          &out,
		ErrOut:       &bytes.Buffer{},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, 4.0, decoded["request_count"])
	assert.Equal(t, 4.0, decoded["complete"])
	assert.Equal(t, 56.0, decoded["bytes_received"])

	manager, err := stresstest.NewManager(dbPath)
	require.NoError(t, err)
	defer manager.Close()

	runs, err := manager.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "local", runs[0].ConfigName)
	assert.Equal(t, 4, runs[0].CompleteCount)

	saved, err := manager.GetConfigByName("local")
	require.NoError(t, err)
	assert.Equal(t, addr, saved.Address)

	// rerun the saved config with one override
	out.Reset()
	err = Run(context.Background(), RunOptions{
		Settings:     func() *viper.Viper { v := viper.New(); v.Set(KeyRequests, 2); return v }(),
		ConfigName:   "local",
		DatabasePath: dbPath,
		Out:          &out,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Sent 2 requests to "+addr)

	runs, err = manager.ListRuns(0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRun_NoStore(t *testing.T) {
	addr := startEchoServer(t, nil)
	dbPath := filepath.Join(t.TempDir(), "echobench.db")

	var out bytes.Buffer
	err := Run(context.Background(), RunOptions{
		Settings:     settings(map[string]any{KeyAddress: addr, KeyRequests: 3}),
		NoStore:      true,
		DatabasePath: dbPath,
		Out:          &out,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Sent 3 requests")
	assert.NoFileExists(t, dbPath)
}

func TestRun_InvalidSettings(t *testing.T) {
	err := Run(context.Background(), RunOptions{
		Settings: settings(map[string]any{KeyAddress: "nowhere", KeyRequests: 1}),
		NoStore:  true,
	})
	assert.ErrorIs(t, err, stresstest.ErrInvalidConfig)

	err = Run(context.Background(), RunOptions{
		ConfigName:   "missing",
		DatabasePath: filepath.Join(t.TempDir(), "echobench.db"),
	})
	assert.ErrorContains(t, err, `saved config "missing" not found`)
}

func TestRun_CancelledContextStillReports(t *testing.T) {
	addr := startEchoServer(t, &mock.Config{DelayMs: 10000})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	var out bytes.Buffer
	start := time.Now()
	err := Run(ctx, RunOptions{
		Settings:     settings(map[string]any{KeyAddress: addr, KeyRequests: 3, KeyTimeout: 30}),
		NoStore:      true,
		OutputFormat: "yaml",
		Out:          &out,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "cancelled", decoded["status"])
	assert.Equal(t, 0, decoded["complete"])
}

func TestHistoryCommands(t *testing.T) {
	addr := startEchoServer(t, nil)
	dbPath := filepath.Join(t.TempDir(), "echobench.db")

	err := Run(context.Background(), RunOptions{
		Settings:     settings(map[string]any{KeyAddress: addr, KeyRequests: 2}),
		SaveName:     "two",
		DatabasePath: dbPath,
		Out:          &bytes.Buffer{},
	})
	require.NoError(t, err)

	manager, err := stresstest.NewManager(dbPath)
	require.NoError(t, err)
	defer manager.Close()

	var out bytes.Buffer
	require.NoError(t, ListRuns(&out, manager, 10, "text"))
	assert.Contains(t, out.String(), addr)
	assert.Contains(t, out.String(), "2/2")

	runs, err := manager.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	out.Reset()
	require.NoError(t, ShowRun(&out, manager, runs[0].ID, true, "text"))
	assert.Contains(t, out.String(), "Sent 2 requests")
	assert.Equal(t, 2, strings.Count(out.String(), "complete "))

	out.Reset()
	require.NoError(t, ShowRun(&out, manager, runs[0].ID, true, "json"))
	var summary runSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Len(t, summary.Sessions, 2)

	out.Reset()
	require.NoError(t, ListConfigs(&out, manager, "yaml"))
	assert.Contains(t, out.String(), "name: two")

	require.NoError(t, DeleteSavedConfig(manager, "two"))
	assert.Error(t, DeleteSavedConfig(manager, "two"))

	require.NoError(t, DeleteRunByID(manager, runs[0].ID))
	assert.ErrorContains(t, ShowRun(&out, manager, runs[0].ID, false, "text"), "not found")
	assert.Error(t, DeleteRunByID(manager, runs[0].ID))

	out.Reset()
	require.NoError(t, ListRuns(&out, manager, 0, "text"))
	assert.Contains(t, out.String(), "No runs recorded")
}

func TestFindConfig(t *testing.T) {
	manager, err := stresstest.NewManager(":memory:")
	require.NoError(t, err)
	defer manager.Close()

	saved := &stresstest.Config{Name: "nightly", Address: "127.0.0.1:7000", Requests: 3}
	require.NoError(t, manager.SaveConfig(saved))
	numeric := &stresstest.Config{Name: "42", Address: "127.0.0.1:7001", Requests: 1}
	require.NoError(t, manager.SaveConfig(numeric))

	byName, err := FindConfig(manager, "nightly")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byName.ID)

	byID, err := FindConfig(manager, strconv.FormatInt(saved.ID, 10))
	require.NoError(t, err)
	assert.Equal(t, "nightly", byID.Name)

	// a name wins over an ID
	named, err := FindConfig(manager, "42")
	require.NoError(t, err)
	assert.Equal(t, numeric.ID, named.ID)

	_, err = FindConfig(manager, "999")
	assert.ErrorContains(t, err, "not found")
	_, err = FindConfig(manager, "missing")
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, DeleteSavedConfig(manager, strconv.FormatInt(saved.ID, 10)))
	_, err = FindConfig(manager, "nightly")
	assert.Error(t, err)

	var out bytes.Buffer
	require.NoError(t, ListConfigs(&out, manager, "text"))
	assert.Contains(t, out.String(), strconv.FormatInt(numeric.ID, 10))
}

func TestHistory_RunInProgress(t *testing.T) {
	manager, err := stresstest.NewManager(":memory:")
	require.NoError(t, err)
	defer manager.Close()

	run := &stresstest.Run{
		UUID:         "in-flight",
		Address:      "127.0.0.1:7000",
		Mode:         stresstest.ModeShort,
		StartedAt:    time.Now(),
		Status:       "running",
		RequestCount: 10,
	}
	require.NoError(t, manager.CreateRun(run))

	var out bytes.Buffer
	require.NoError(t, ShowRun(&out, manager, run.ID, false, "text"))
	assert.Contains(t, out.String(), "counts below are partial")

	out.Reset()
	require.NoError(t, ListRuns(&out, manager, 0, "text"))
	assert.Contains(t, out.String(), "running")

	run.Status = "completed"
	completed := time.Now()
	run.CompletedAt = &completed
	require.NoError(t, manager.UpdateRun(run))

	out.Reset()
	require.NoError(t, ShowRun(&out, manager, run.ID, false, "text"))
	assert.NotContains(t, out.String(), "partial")
}

func TestShowRun_ErrorBreakdown(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	dbPath := filepath.Join(t.TempDir(), "echobench.db")
	err = Run(context.Background(), RunOptions{
		Settings:     settings(map[string]any{KeyAddress: addr, KeyRequests: 3}),
		DatabasePath: dbPath,
		Out:          &bytes.Buffer{},
	})
	require.NoError(t, err)

	manager, err := stresstest.NewManager(dbPath)
	require.NoError(t, err)
	defer manager.Close()

	runs, err := manager.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].ConnErrorCount)

	var out bytes.Buffer
	require.NoError(t, ShowRun(&out, manager, runs[0].ID, false, "json"))

	var summary runSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, map[string]int{stresstest.ErrorRefused: 3}, summary.Errors)
	assert.Empty(t, summary.Sessions)
}

func TestWithQuery(t *testing.T) {
	report, run, unit := sampleRun()
	render := func(w io.Writer, format string) error {
		out, err := FormatReport(report, run, unit, format)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}

	var out bytes.Buffer
	require.NoError(t, WithQuery(&out, "", "requests_per_second", render))
	assert.Equal(t, "8\n", out.String())

	out.Reset()
	require.NoError(t, WithQuery(&out, "json", "status", render))
	assert.Equal(t, "completed\n", out.String())

	out.Reset()
	require.NoError(t, WithQuery(&out, "text", "", render))
	assert.Contains(t, out.String(), "Sent 4 requests")

	assert.ErrorContains(t, WithQuery(&out, "yaml", "status", render), "query needs json output")
}

func TestRun_Query(t *testing.T) {
	addr := startEchoServer(t, nil)

	var out bytes.Buffer
	err := Run(context.Background(), RunOptions{
		Settings: settings(map[string]any{KeyAddress: addr, KeyRequests: 5}),
		NoStore:  true,
		Query:    "complete",
		Out:      &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "5\n", out.String())

	err = Run(context.Background(), RunOptions{
		Settings: settings(map[string]any{KeyAddress: addr, KeyRequests: 1}),
		NoStore:  true,
		Query:    "[?",
	})
	assert.ErrorContains(t, err, "invalid query")
}
