package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/michaelxuuu/echobench/internal/filter"
	"github.com/michaelxuuu/echobench/internal/stresstest"
	"github.com/michaelxuuu/echobench/internal/tui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Setting keys shared by flags, environment variables and config files
const (
	KeyAddress      = "address"
	KeyRequests     = "requests"
	KeyMode         = "mode"
	KeyMessage      = "message"
	KeyPayloadSize  = "payload-size"
	KeyTerminator   = "terminator"
	KeyExpected     = "expected"
	KeyDialTimeout  = "dial-timeout"
	KeyTimeout      = "timeout"
	KeyReadBuffer   = "read-buffer"
	KeyVerify       = "verify"
	KeyTimingPolicy = "timing-policy"
)

// RunOptions contains options for running a load test in CLI mode
type RunOptions struct {
	Settings     *viper.Viper // run settings layered from flags, env and config file
	ConfigName   string       // saved config to start from
	SaveName     string       // save the effective config under this name
	OutputFormat string       // json, yaml, text
	Query        string       // JMESPath expression applied to json output
	Progress     bool         // show the live progress view
	NoStore      bool         // do not record the run
	DatabasePath string
	MetricsAddr  string // serve prometheus metrics while running
	Logger       *zap.Logger
	In           io.Reader // progress view keys (default: stdin)
	Out          io.Writer // report (default: stdout)
	ErrOut       io.Writer // progress view and notices (default: stderr)
}

// Run executes a load test and prints its report
func Run(ctx context.Context, opts RunOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	errOut := opts.ErrOut
	if errOut == nil {
		errOut = os.Stderr
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	settings := opts.Settings
	if settings == nil {
		settings = viper.New()
	}

	if opts.Query != "" && !filter.IsValid(opts.Query) {
		return fmt.Errorf("invalid query %q", opts.Query)
	}

	// The database is needed for run history and for saved configs
	var manager *stresstest.Manager
	if !opts.NoStore || opts.ConfigName != "" || opts.SaveName != "" {
		m, err := stresstest.NewManager(opts.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer m.Close()
		manager = m
	}

	var base *stresstest.Config
	if opts.ConfigName != "" {
		saved, err := FindConfig(manager, opts.ConfigName)
		if err != nil {
			return err
		}
		base = saved
	}

	config, err := ConfigFromSettings(settings, base)
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	if opts.SaveName != "" {
		if err := saveConfig(manager, config, opts.SaveName); err != nil {
			return err
		}
		logger.Info("config saved", zap.String("name", config.Name), zap.Int64("id", config.ID))
	}

	execConfig := &stresstest.ExecutionConfig{
		Config: config,
		Logger: logger,
	}
	if !opts.NoStore {
		execConfig.Manager = manager
	}

	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, err := stresstest.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		srv, err := serveMetrics(opts.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		execConfig.Metrics = metrics
	}

	executor, err := stresstest.NewExecutor(execConfig)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	// Interrupts stop the run but the report is still printed
	stop := context.AfterFunc(ctx, executor.Stop)
	defer stop()

	executor.Start()

	if opts.Progress {
		title := fmt.Sprintf("%s x%d (%s)", config.Address, config.Requests, config.GetMode())
		if err := tui.RunProgress(executor, title, in, errOut); err != nil {
			logger.Warn("progress view failed", zap.Error(err))
		}
	}

	report, waitErr := executor.Wait()

	err = WithQuery(out, opts.OutputFormat, opts.Query, func(w io.Writer, format string) error {
		output, err := FormatReport(report, executor.GetRun(), executor.Unit(), format)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		_, err = io.WriteString(w, output)
		return err
	})
	if err != nil {
		return err
	}

	if waitErr != nil {
		logger.Warn("failed to persist run", zap.Error(waitErr))
	}
	return nil
}

// ConfigFromSettings builds a load test config from layered settings. With a
// saved base config only settings given explicitly override its fields.
func ConfigFromSettings(v *viper.Viper, base *stresstest.Config) (*stresstest.Config, error) {
	config := &stresstest.Config{}
	if base != nil {
		copied := *base
		config = &copied
	}
	use := func(key string) bool {
		return base == nil || v.IsSet(key)
	}

	if use(KeyAddress) {
		config.Address = v.GetString(KeyAddress)
	}
	if use(KeyRequests) {
		config.Requests = v.GetInt(KeyRequests)
	}
	if use(KeyMode) {
		config.Mode = v.GetString(KeyMode)
	}
	if use(KeyMessage) {
		config.Message = v.GetString(KeyMessage)
	}
	if use(KeyPayloadSize) {
		config.PayloadSize = v.GetInt(KeyPayloadSize)
	}
	if use(KeyTerminator) {
		terminator, err := Unescape(v.GetString(KeyTerminator))
		if err != nil {
			return nil, fmt.Errorf("%w: terminator: %v", stresstest.ErrInvalidConfig, err)
		}
		// an explicitly empty terminator means none, an absent one the default
		config.Terminator = terminator
		config.NoTerminator = terminator == "" && v.IsSet(KeyTerminator)
	}
	if use(KeyExpected) {
		config.ExpectedBytes = v.GetInt(KeyExpected)
	}
	if use(KeyDialTimeout) {
		config.DialTimeoutSec = v.GetInt(KeyDialTimeout)
	}
	if use(KeyTimeout) {
		config.SessionTimeoutSec = v.GetInt(KeyTimeout)
	}
	if use(KeyReadBuffer) {
		config.ReadBufferSize = v.GetInt(KeyReadBuffer)
	}
	if use(KeyVerify) {
		config.Verify = v.GetBool(KeyVerify)
	}
	if use(KeyTimingPolicy) {
		config.TimingPolicy = stresstest.TimingPolicy(v.GetString(KeyTimingPolicy))
	}

	return config, nil
}

// Unescape interprets Go escape sequences such as \n and \r\n in s. A bare
// double quote is taken literally.
func Unescape(s string) (string, error) {
	buf := make([]byte, 0, len(s))
	for len(s) > 0 {
		if s[0] == '"' {
			buf = append(buf, '"')
			s = s[1:]
			continue
		}
		value, multibyte, tail, err := strconv.UnquoteChar(s, '"')
		if err != nil {
			return "", err
		}
		s = tail
		if value < utf8.RuneSelf || !multibyte {
			buf = append(buf, byte(value))
		} else {
			buf = utf8.AppendRune(buf, value)
		}
	}
	return string(buf), nil
}

// saveConfig stores config under name, replacing a config of the same name
func saveConfig(manager *stresstest.Manager, config *stresstest.Config, name string) error {
	config.Name = name
	config.ID = 0

	existing, err := manager.GetConfigByName(name)
	switch {
	case err == nil:
		config.ID = existing.ID
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to look up config %q: %w", name, err)
	}

	if err := manager.SaveConfig(config); err != nil {
		return fmt.Errorf("failed to save config %q: %w", name, err)
	}
	return nil
}

// serveMetrics exposes reg on /metrics until the returned server is shut down
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics address %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("serving metrics", zap.String("address", lis.Addr().String()))
	return srv, nil
}
