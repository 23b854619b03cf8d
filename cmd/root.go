package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"surge/internal/banner"
	"surge/internal/config"
	"surge/internal/dummy"
	"surge/internal/logger"
	"surge/internal/storage"
	"surge/internal/tui/history"
)

var (
	cfgFile string

	// v holds flags, SURGE_* variables and the config file.
	v = config.New()
)

// errChecksFailed is returned with --fail-on-checks so the process exits
// non-zero.
var errChecksFailed = errors.New("one or more checks failed")

var rootCmd = &cobra.Command{
	Use:   "surge",
	Short: "Surge - closed-loop HTTP load generator",
	Long: `
Surge drives a target with virtual users. Each VU runs the scenario in a loop:
send the request, evaluate the checks, sleep, repeat.

The load is either a fixed number of VUs for --duration, or a list of
--stage duration:target ramps. Results are shown live in the terminal (--tui)
or as progress lines, and can be exported, kept in a local history or
scraped by Prometheus.`,
	Example: `  surge -u http://localhost:8080/fast -U 10 -d 30s --check-status 200
  surge -u http://localhost:8080/page/{{vu}} -s 10s:20 -s 30s:20 -s 10s:0 --tui
  surge --config scenario.yaml -o results/run1`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoad(cmd.Context())
	},
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		if errors.Is(err, errChecksFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(dummyCmd, historyCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.surge.yaml)")
	rootCmd.PersistentFlags().String(config.KeyLogLevel, "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String(config.KeyLogFormat, logger.FormatConsole, "Log format: console or json")
	rootCmd.PersistentFlags().String(config.KeyHistoryDir, config.DefaultHistoryDir(), "Directory of the run history database")

	f := rootCmd.Flags()
	f.StringP(config.KeyURL, "u", "", "Target URL; {{vu}}, {{iter}} and {{uuid}} are expanded per request")
	f.StringP(config.KeyMethod, "X", "GET", "HTTP method")
	f.StringP(config.KeyBody, "b", "", "Request body")
	f.StringArrayP(config.KeyHeader, "H", nil, "HTTP header (e.g. \"Key: Value\"), repeatable")
	f.IntP(config.KeyVUs, "U", 1, "Virtual users, or the starting level when stages are given")
	f.DurationP(config.KeyDuration, "d", 10*time.Second, "Run duration, ignored when stages are given")
	f.StringSliceP(config.KeyStage, "s", nil, "Ramp stage as duration:target (e.g. 30s:10), repeatable")
	f.Duration(config.KeyThinkTime, 0, "Pause between iterations of a VU")
	f.Duration(config.KeySleep, 0, "Pause at the end of every scenario iteration")
	f.Duration(config.KeyTimeout, 10*time.Second, "Per-request timeout")
	f.Int(config.KeyMaxConns, 0, "Max concurrent requests, 0 for unlimited")
	f.Float64P(config.KeyRateCap, "r", 0, "Max iterations per second across all VUs, 0 for no cap")
	f.BoolP(config.KeyInsecure, "k", false, "Skip TLS certificate verification")
	f.IntSlice(config.KeyCheckStatus, nil, "Check that the response status equals this code, repeatable")
	f.StringArray(config.KeyCheckBody, nil, "Check that the response body contains this text, repeatable")
	f.StringP(config.KeyOut, "o", "", "Output filename prefix for the JSON and CSV reports")
	f.Bool(config.KeyTUI, false, "Show the interactive dashboard")
	f.String(config.KeyMetricsAddr, "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.Bool(config.KeyHistory, false, "Save the result to the run history")
	f.Bool(config.KeyFailOnChecks, false, "Exit with status 2 when any check failed")
	f.Duration(config.KeyLiveInterval, 200*time.Millisecond, "Interval of live snapshots")

	mustBind(rootCmd.PersistentFlags())
	mustBind(f)
}

func mustBind(fs *pflag.FlagSet) {
	if err := v.BindPFlags(fs); err != nil {
		panic(err)
	}
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
			v.SetConfigType("yaml")
			v.SetConfigName(".surge")
		}
	}
	if err := v.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "❌ reading %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	return logger.New(v.GetString(config.KeyLogLevel), v.GetString(config.KeyLogFormat))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// --- Dummy Subcommand ---
var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run the built-in test target",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if _, err := dummy.Start(ctx, dummy.ServerConfig{Port: port}, log); err != nil {
			return err
		}
		fmt.Printf("🎯 dummy server on :%d (ctrl+c to stop)\n", port)
		for _, e := range dummy.Endpoints {
			fmt.Printf("   %s\n", e)
		}
		<-ctx.Done()
		return nil
	},
}

// --- History Subcommand ---
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.Open(v.GetString(config.KeyHistoryDir))
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(limit)
		if err != nil {
			return errors.Wrap(err, "list runs")
		}
		fmt.Println(history.NewModel(records).View())
		return nil
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "Port to run dummy server on")
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show, 0 for all")
}
