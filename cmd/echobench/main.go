package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/michaelxuuu/echobench/internal/cli"
	"github.com/michaelxuuu/echobench/internal/config"
	"github.com/michaelxuuu/echobench/internal/logging"
	"github.com/michaelxuuu/echobench/internal/mock"
	"github.com/michaelxuuu/echobench/internal/stresstest"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "echobench",
	Short: "echobench - TCP echo server load tester",
	Long: `echobench opens many concurrent TCP sessions against an echo server,
sends one request on each and checks that the whole echo comes back.

Every session dials, writes its payload and terminator, then reads until the
expected byte count arrives or the server stops sending. The run reports total
time, average latency and throughput, and is stored in a local history.

Examples:
  echobench run -a 127.0.0.1:7000 -n 1000             # 1000 short sessions
  echobench run -a 127.0.0.1:7000 -m bulk -s 1048576  # 1 MiB per session
  echobench run --config-name nightly -o json         # rerun a saved config
  echobench serve --port 7000                         # local echo server
  echobench runs list                                 # recent runs`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test against an echo server",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		settings, err := newRunSettings(cmd.Flags())
		if err != nil {
			return err
		}
		runSettings = settings
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoadTest(cmd)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local echo server to test against",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		return runServe(cmd)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(manager *stresstest.Manager) error {
			return cli.WithQuery(cmd.OutOrStdout(), flagListOutput, flagQuery, func(w io.Writer, format string) error {
				return cli.ListRuns(w, manager, flagLimit, format)
			})
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withManager(func(manager *stresstest.Manager) error {
			return cli.WithQuery(cmd.OutOrStdout(), flagListOutput, flagQuery, func(w io.Writer, format string) error {
				return cli.ShowRun(w, manager, id, flagSessions, format)
			})
		})
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a run and its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withManager(func(manager *stresstest.Manager) error {
			if err := cli.DeleteRunByID(manager, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %d\n", id)
			return nil
		})
	},
}

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Manage saved load test configs",
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved configs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(manager *stresstest.Manager) error {
			return cli.WithQuery(cmd.OutOrStdout(), flagListOutput, flagQuery, func(w io.Writer, format string) error {
				return cli.ListConfigs(w, manager, format)
			})
		})
	},
}

var configsDeleteCmd = &cobra.Command{
	Use:   "delete <name|id>",
	Short: "Delete a saved config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(manager *stresstest.Manager) error {
			if err := cli.DeleteSavedConfig(manager, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted config %s\n", args[0])
			return nil
		})
	},
}

// Global flags
var (
	flagConfigFile string
	flagVerbose    bool
	flagDatabase   string
)

// Flags for run
var (
	runSettings     *viper.Viper
	flagOutput      string
	flagQuery       string
	flagProgress    bool
	flagSave        string
	flagConfigName  string
	flagNoStore     bool
	flagMetricsAddr string
)

// Flags for serve
var (
	flagServeFile          string
	flagServeHost          string
	flagServePort          int
	flagServeMode          string
	flagServeTruncateAfter int
	flagServeTerminator    string
	flagServeDelayMs       int
	flagServeReadLimit     int64
	flagServeWriteLimit    int64
	flagServeWriteConfig   string
)

// Flags for runs/configs
var (
	flagLimit      int
	flagSessions   bool
	flagListOutput string
)

func init() {
	// Root command flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Config file (default ~/.echobench/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagDatabase, "db", "", "Database file (default ~/.echobench/echobench.db)")

	// Run settings, also read from the config file and ECHOBENCH_* variables
	runCmd.Flags().StringP(cli.KeyAddress, "a", "", "Echo server address (host:port)")
	runCmd.Flags().IntP(cli.KeyRequests, "n", stresstest.DefaultRequests, "Number of concurrent sessions")
	runCmd.Flags().StringP(cli.KeyMode, "m", stresstest.ModeShort, "Framing mode (short/bulk)")
	runCmd.Flags().String(cli.KeyMessage, stresstest.DefaultMessage, "Message sent in short mode")
	runCmd.Flags().IntP(cli.KeyPayloadSize, "s", stresstest.DefaultPayloadSize, "Payload bytes in bulk mode")
	runCmd.Flags().String(cli.KeyTerminator, `\n`, "Terminator written after the payload (escapes allowed, empty for none)")
	runCmd.Flags().Int(cli.KeyExpected, 0, "Expected echo bytes per session (0: derived from mode)")
	runCmd.Flags().Int(cli.KeyDialTimeout, stresstest.DefaultDialTimeoutSec, "Dial timeout in seconds")
	runCmd.Flags().Int(cli.KeyTimeout, 0, "Per-session timeout in seconds (0: none)")
	runCmd.Flags().Int(cli.KeyReadBuffer, stresstest.DefaultReadBufferSize, "Read buffer size per session")
	runCmd.Flags().Bool(cli.KeyVerify, false, "Compare echoed bytes with what was sent")
	runCmd.Flags().String(cli.KeyTimingPolicy, string(stresstest.TimingPolicyAll), "Sessions counted in latency and throughput (all/complete-only)")

	runCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Output format (json/yaml/text)")
	runCmd.Flags().StringVarP(&flagQuery, "query", "q", "", "JMESPath expression applied to json output")
	runCmd.Flags().BoolVar(&flagProgress, "progress", false, "Show live progress")
	runCmd.Flags().StringVar(&flagSave, "save", "", "Save the effective config under this name")
	runCmd.Flags().StringVar(&flagConfigName, "config-name", "", "Start from a saved config (name or ID)")
	runCmd.Flags().BoolVar(&flagNoStore, "no-store", false, "Do not record the run")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while running")

	// serve flags
	serveCmd.Flags().StringVarP(&flagServeFile, "file", "f", "", "Server config file (yaml/json/jsonc)")
	serveCmd.Flags().StringVar(&flagServeHost, "host", "127.0.0.1", "Listen host")
	serveCmd.Flags().IntVarP(&flagServePort, "port", "p", 7000, "Listen port")
	serveCmd.Flags().StringVarP(&flagServeMode, "mode", "m", string(mock.ModeEcho), "Server mode (echo/truncate/drop)")
	serveCmd.Flags().IntVar(&flagServeTruncateAfter, "truncate-after", 0, "Bytes echoed before closing in truncate mode")
	serveCmd.Flags().StringVar(&flagServeTerminator, "terminator", `\n`, "End of request marker in truncate mode")
	serveCmd.Flags().IntVar(&flagServeDelayMs, "delay-ms", 0, "Delay before each echoed chunk")
	serveCmd.Flags().Int64Var(&flagServeReadLimit, "read-limit", 0, "Read bandwidth limit in bytes/sec")
	serveCmd.Flags().Int64Var(&flagServeWriteLimit, "write-limit", 0, "Write bandwidth limit in bytes/sec")
	serveCmd.Flags().StringVar(&flagServeWriteConfig, "write-config", "", "Write the effective server config to this file and exit")

	// runs/configs flags
	runsListCmd.Flags().IntVar(&flagLimit, "limit", 20, "Number of runs to list (0: all)")
	runsShowCmd.Flags().BoolVar(&flagSessions, "sessions", false, "Include every session")
	for _, cmd := range []*cobra.Command{runsListCmd, runsShowCmd, configsListCmd} {
		cmd.Flags().StringVarP(&flagListOutput, "output", "o", "", "Output format (json/yaml/text)")
		cmd.Flags().StringVarP(&flagQuery, "query", "q", "", "JMESPath expression applied to json output")
	}

	// Add subcommands
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
	configsCmd.AddCommand(configsListCmd, configsDeleteCmd)
	rootCmd.AddCommand(runCmd, serveCmd, runsCmd, configsCmd)
}

// runLoadTest executes a load test in CLI mode
func runLoadTest(cmd *cobra.Command) error {
	logger := logging.New(flagVerbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cli.RunOptions{
		Settings:     runSettings,
		ConfigName:   flagConfigName,
		SaveName:     flagSave,
		OutputFormat: flagOutput,
		Query:        flagQuery,
		Progress:     flagProgress,
		NoStore:      flagNoStore,
		DatabasePath: databasePath(),
		MetricsAddr:  flagMetricsAddr,
		Logger:       logger,
		Out:          cmd.OutOrStdout(),
		ErrOut:       cmd.ErrOrStderr(),
	}
	return cli.Run(ctx, opts)
}

// runServe runs the echo server until interrupted
func runServe(cmd *cobra.Command) error {
	logger := logging.New(flagVerbose)
	defer logger.Sync()

	serverConfig := &mock.Config{}
	if flagServeFile != "" {
		path, err := config.ResolvePath(flagServeFile)
		if err != nil {
			return err
		}
		loaded, err := mock.LoadConfig(path)
		if err != nil {
			return err
		}
		serverConfig = loaded
	}

	// Flags given explicitly override the file
	flags := cmd.Flags()
	if flagServeFile == "" || flags.Changed("host") {
		serverConfig.Host = flagServeHost
	}
	if flagServeFile == "" || flags.Changed("port") {
		serverConfig.Port = flagServePort
	}
	if flagServeFile == "" || flags.Changed("mode") {
		serverConfig.Mode = mock.Mode(flagServeMode)
	}
	if flags.Changed("truncate-after") {
		serverConfig.TruncateAfter = flagServeTruncateAfter
	}
	if flagServeFile == "" || flags.Changed("terminator") {
		terminator, err := cli.Unescape(flagServeTerminator)
		if err != nil {
			return fmt.Errorf("invalid terminator: %w", err)
		}
		serverConfig.Terminator = terminator
	}
	if flags.Changed("delay-ms") {
		serverConfig.DelayMs = flagServeDelayMs
	}
	if flags.Changed("read-limit") {
		serverConfig.ReadLimit = flagServeReadLimit
	}
	if flags.Changed("write-limit") {
		serverConfig.WriteLimit = flagServeWriteLimit
	}

	if flagServeWriteConfig != "" {
		if err := mock.ValidateConfig(serverConfig); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := mock.SaveConfig(serverConfig, flagServeWriteConfig); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server config written to %s\n", flagServeWriteConfig)
		return nil
	}

	server := mock.NewServer(serverConfig, logger)
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "Echo server listening on %s (%s), Ctrl+C to stop\n", server.Addr(), serverConfig.Mode)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		logger.Warn("error while stopping server", zap.Error(err))
	}

	stats := server.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "Accepted %d connections, echoed %s\n", stats.Accepted, cli.FormatSize(int(stats.BytesEchoed)))
	return nil
}

// newRunSettings layers the run flags over the config file and ECHOBENCH_*
// environment variables. Flags left at their default do not override either.
func newRunSettings(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := config.Load(v, flagConfigFile); err != nil {
		return nil, err
	}
	return v, nil
}

// withManager opens the run history for the duration of fn
func withManager(fn func(manager *stresstest.Manager) error) error {
	if err := config.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	manager, err := stresstest.NewManager(databasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer manager.Close()
	return fn(manager)
}

func databasePath() string {
	if flagDatabase != "" {
		return flagDatabase
	}
	return config.DatabasePath
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return id, nil
}
