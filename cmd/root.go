package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"steadyws/internal/banner"
	"steadyws/internal/cli"
	"steadyws/internal/config"
	"steadyws/internal/logger"
	"steadyws/internal/report"
	"steadyws/internal/runner"
	"steadyws/internal/stats"
	"steadyws/internal/storage"
	"steadyws/internal/tui"
)

const (
	keyMetricsAddr = "metrics_addr"
	keyHistory     = "history"
	keyNoHistory   = "no_history"
	keyLogLevel    = "log.level"
	keyLogFormat   = "log.format"
	keyLogFile     = "log.file"
)

var (
	cfgFile string
	useTUI  bool
)

var rootCmd = &cobra.Command{
	Use:   "steadyws",
	Short: "steadyws - staged WebSocket load testing",
	Long: `
steadyws drives a chat-style WebSocket service with a ramping number of
virtual users, measures broadcast latency and connection errors, and aborts
the run when thresholds are crossed.

Run headless for CI (default) or with --tui for the live dashboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLoad,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured load test",
	RunE:  runLoad,
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	err := rootCmd.Execute()
	logger.Sync()

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(int(exit))
	case err != nil:
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a non-zero exit status without printing anything.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd, dummyCmd, historyCmd, initCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./steadyws.yaml or $HOME/.steadyws.yaml)")

	pf.StringP("url", "u", config.DefaultURL, "WebSocket endpoint (env SERVER_URL also works)")
	pf.String("room", config.DefaultRoom, "Chat room every VU joins")
	pf.String("username-prefix", "user_", "VU usernames are <prefix><id>")
	pf.StringSliceP("stage", "s", nil, "Stage as duration:target, repeatable (e.g. -s 30s:100 -s 1m:500)")
	pf.StringSliceP("threshold", "t", nil, "Threshold as metric:expression[:abort] (e.g. connection_errors:rate<0.01:abort)")
	pf.Duration("send-interval", time.Second, "Message cadence per VU")
	pf.Duration("session-timeout", 30*time.Second, "Lifetime of one VU session")
	pf.Duration("connect-timeout", 10*time.Second, "Handshake timeout")
	pf.Duration("close-wait", time.Second, "How long to wait for the peer's close frame")
	pf.Duration("tick", 250*time.Millisecond, "Ramp scheduling tick")
	pf.Duration("threshold-interval", 2*time.Second, "Threshold evaluation interval")
	pf.Int("max-vus", 0, "Hard cap on live VUs (0 = highest stage target)")
	pf.Duration("spawn-jitter", 0, "Random delay before each spawn, in [0, jitter)")
	pf.Float64("spawn-rate", 0, "Max spawns per second across the run (0 = unlimited)")
	pf.Duration("graceful-stop", 5*time.Second, "Time sessions get to close before being killed")
	pf.String("latency-mode", string(config.LatencyAny), "Which broadcasts count for latency: any, self, others")
	pf.String("content", config.DefaultContent, "Message content template")
	pf.StringP("out", "o", "", "Output filename prefix for the JSON report and timeline CSV")

	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	pf.String("history", "", "History database (default ~/.steadyws/history.db)")
	pf.Bool("no-history", false, "Do not record this run in the history")
	pf.String("log-level", "info", "debug, info, warn, error")
	pf.String("log-format", "console", "console or json")
	pf.String("log-file", "", "Also write logs to this file (rotated)")

	rootCmd.Flags().BoolVar(&useTUI, "tui", false, "Show the live dashboard")
	runCmd.Flags().BoolVar(&useTUI, "tui", false, "Show the live dashboard")

	bind := map[string]string{
		config.KeyURL:               "url",
		config.KeyRoom:              "room",
		config.KeyUsernamePrefix:    "username-prefix",
		config.KeyStage:             "stage",
		config.KeyThreshold:         "threshold",
		config.KeySendInterval:      "send-interval",
		config.KeySessionTimeout:    "session-timeout",
		config.KeyConnectTimeout:    "connect-timeout",
		config.KeyCloseWait:         "close-wait",
		config.KeyTick:              "tick",
		config.KeyThresholdInterval: "threshold-interval",
		config.KeyMaxVUs:            "max-vus",
		config.KeySpawnJitter:       "spawn-jitter",
		config.KeySpawnRate:         "spawn-rate",
		config.KeyGracefulStop:      "graceful-stop",
		config.KeyLatencyMode:       "latency-mode",
		config.KeyContent:           "content",
		config.KeyOut:               "out",
		keyMetricsAddr:              "metrics-addr",
		keyHistory:                  "history",
		keyNoHistory:                "no-history",
		keyLogLevel:                 "log-level",
		keyLogFormat:                "log-format",
		keyLogFile:                  "log-file",
	}
	for key, flag := range bind {
		if err := viper.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("steadyws")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
			viper.AddConfigPath(home + "/.steadyws")
		}
	}

	viper.SetEnvPrefix("STEADYWS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	// the chat service's own deployment variable
	_ = viper.BindEnv(config.KeyURL, "STEADYWS_URL", "SERVER_URL")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "⚠️  config %s: %v\n", viper.ConfigFileUsed(), err)
		}
	}
}

func initLogger(quiet bool) {
	lc := &logger.Config{
		Level:      viper.GetString(keyLogLevel),
		Format:     viper.GetString(keyLogFormat),
		Output:     "stderr",
		FilePath:   viper.GetString(keyLogFile),
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     14,
	}
	switch {
	case quiet && lc.FilePath != "":
		lc.Output = "file"
	case quiet:
		lc.Output = "none"
	case lc.FilePath != "":
		lc.Output = "both"
	}
	logger.Init(lc)
}

// --- Runners ---

func runLoad(cmd *cobra.Command, args []string) error {
	initLogger(useTUI)

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates := make(runner.StatsUpdateChan, 100)
	r, err := runner.NewRunner(cfg, updates)
	if err != nil {
		return err
	}

	if addr := viper.GetString(keyMetricsAddr); addr != "" {
		srv := serveMetrics(addr, r.Metrics)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store := openHistory()
	if store != nil {
		defer store.Close()
	}

	var rep *report.Report
	if useTUI {
		rep, err = tui.Run(ctx, r, store)
		if rep != nil {
			report.Print(os.Stdout, rep)
		}
	} else {
		fmt.Println(banner.GetString())
		rep, err = cli.Start(ctx, r, cli.Options{Out: os.Stdout, Store: store})
	}
	if err != nil {
		return err
	}
	if code := cli.ExitCode(rep); code != 0 {
		return exitError(code)
	}
	return nil
}

func serveMetrics(addr string, c *stats.Collector) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func openHistory() *storage.Store {
	if viper.GetBool(keyNoHistory) {
		return nil
	}
	var (
		store *storage.Store
		err   error
	)
	if path := viper.GetString(keyHistory); path != "" {
		store, err = storage.Open(path)
	} else {
		store, err = storage.NewStore()
	}
	if err != nil {
		logger.Warn("history disabled", zap.Error(err))
		return nil
	}
	return store
}
