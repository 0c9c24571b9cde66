// Command umpired runs the Umpire orchestration control plane: autoscaling,
// healing and abort handling for a distributed workflow execution system.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/umpire/internal/apprepo"
	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/config"
	"github.com/cuemby/umpire/internal/control"
	"github.com/cuemby/umpire/internal/log"
	"github.com/cuemby/umpire/internal/metrics"
	"github.com/cuemby/umpire/internal/runtime"
	"github.com/cuemby/umpire/internal/supervisor"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "umpired",
	Short: "Umpire reconciles queue depth, service replicas and consumer liveness",
	Long: `Umpire is a single long-lived controller that reconciles queue depth,
service replica counts, and consumer liveness against desired-state policy
for a distributed workflow execution system.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().Bool("disable-worker-autoscale", false, "Disable the worker autoscaler")
	rootCmd.PersistentFlags().Bool("disable-app-autoscale", false, "Disable the per-app autoscaler")
	rootCmd.PersistentFlags().Bool("disable-worker-autoheal", false, "Disable autohealing (healing stops only if --disable-app-autoheal is also set)")
	rootCmd.PersistentFlags().Bool("disable-app-autoheal", false, "Disable autohealing (healing stops only if --disable-worker-autoheal is also set)")
	rootCmd.PersistentFlags().Bool("debug", false, "Shorthand for --log-level=debug")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	debug, _ := rootCmd.PersistentFlags().GetBool("debug")
	if debug {
		level = "debug"
	}
	log.Init(log.Config{Level: log.Level(level)})
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	logger := log.WithComponent("main")

	bk, err := broker.NewRedisBroker(cfg.BrokerURI)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer bk.Close()

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("connect to runtime: %w", err)
	}
	defer rt.Close()

	repo, err := apprepo.New(cfg.AppsPath)
	if err != nil {
		// RepositoryEmpty / unreadable apps dir is fatal at init (spec.md §7).
		return fmt.Errorf("load app repository: %w", err)
	}

	var status control.StatusSender
	if cfg.StatusURL != "" {
		status = control.NewStatusClient(cfg.StatusURL)
	}

	disableWorkerAutoscale, _ := cmd.Flags().GetBool("disable-worker-autoscale")
	disableAppAutoscale, _ := cmd.Flags().GetBool("disable-app-autoscale")
	disableWorkerAutoheal, _ := cmd.Flags().GetBool("disable-worker-autoheal")
	disableAppAutoheal, _ := cmd.Flags().GetBool("disable-app-autoheal")

	toggles := supervisor.Toggles{
		WorkerAutoscale: !disableWorkerAutoscale,
		AppAutoscale:    !disableAppAutoscale,
		WorkerAutoheal:  !disableWorkerAutoheal,
		AppAutoheal:     !disableAppAutoheal,
	}

	sup := supervisor.New(cfg, toggles, bk, rt, repo, status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Init(ctx); err != nil {
		return err
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	runErr := sup.Run(ctx)
	_ = metricsSrv.Close()
	return runErr
}
