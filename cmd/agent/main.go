// Package main is the entry point for the GPFS / Grid Engine metrics agent.
// It loads the configuration, wires the sources, sink and pipeline, and runs
// either a single cycle or a cron-scheduled daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/collector"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/config"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/install"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/pipeline"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/reset"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/scheduler"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/sender"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	configPath string
	overrides  config.CLIOverrides

	rootCmd = &cobra.Command{
		Use:           "gpfs-sge-metrics",
		Short:         "Ship GPFS and Grid Engine metrics to InfluxDB",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	onceCmd = &cobra.Command{
		Use:   "once",
		Short: "Run a single collection cycle and exit",
		RunE:  runOnce,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run collection cycles on the configured schedule",
		RunE:  runDaemon,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gpfs-sge-metrics %s\n", version)
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  printConfig,
	}

	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Install the agent as a systemd service",
		RunE:  runInstall,
	}

	uninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd service",
		RunE:  runUninstall,
	}
)

func init() {
	pFlags := rootCmd.PersistentFlags()
	pFlags.StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: search standard locations)")
	pFlags.StringVar(&overrides.InfluxURL, "influx-url", "", "InfluxDB base URL, overrides influxdb.url")
	pFlags.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(onceCmd, runCmd, versionCmd, configCmd, installCmd, uninstallCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies the layered configuration. An explicit --config must
// exist; otherwise the standard locations are searched.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cmd.Flags().Changed("config") {
		cfg, err = config.LoadLayered(overrides, embeddedConfig, configPath)
	} else {
		cfg, err = config.LoadLayered(overrides, embeddedConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// agent holds the wired components.
type agent struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *collector.Registry
	pipeline *pipeline.Pipeline
	sink     sender.Sink
	metrics  *telemetry.Metrics
}

func newAgent(cmd *cobra.Command) (*agent, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := scheduler.Validate(cfg.Schedule.Cron); err != nil {
		return nil, err
	}

	sink, err := sender.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	runner := collector.ExecRunner{Timeout: cfg.Schedule.CommandTimeout.Duration}
	registry := collector.NewRegistry(logger)
	var resetter reset.Resetter

	if cfg.GPFS.Enabled {
		mmpmonIO := collector.NewMmpmonSource(cfg.GPFS.MmpmonPath, collector.RequestIO, runner)
		registry.Register(mmpmonIO)
		registry.Register(collector.NewMmpmonSource(cfg.GPFS.MmpmonPath, collector.RequestFSIO, runner))
		if cfg.GPFS.ResetCounters {
			resetter = mmpmonIO
		}
	}
	if cfg.GridEngine.Enabled {
		registry.Register(collector.NewQstatJobSource(cfg.GridEngine.QstatPath, runner))
		registry.Register(collector.NewQstatUsageSource(cfg.GridEngine.QstatPath, runner))
		registry.Register(collector.NewQhostSource(cfg.GridEngine.QhostPath, runner))
	}

	metrics := telemetry.New()
	p := pipeline.New(cfg, logger, pipeline.Deps{
		Registry:    registry,
		Sink:        sink,
		Resetter:    resetter,
		Coordinator: reset.NewCoordinator(logger),
		Metrics:     metrics,
	})

	return &agent{cfg: cfg, logger: logger, registry: registry, pipeline: p, sink: sink, metrics: metrics}, nil
}

func (a *agent) sourceNames() []string {
	var names []string
	for _, s := range a.registry.Sources() {
		names = append(names, s.Name())
	}
	return names
}

func (a *agent) close() {
	if err := a.sink.Close(); err != nil {
		a.logger.Warn("Closing sink", zap.Error(err))
	}
	a.logger.Sync()
}

func runOnce(cmd *cobra.Command, _ []string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	report, err := a.pipeline.RunCycle(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(report.FailedSources) > 0 {
		return fmt.Errorf("sources failed: %v", report.FailedSources)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("Starting agent",
		zap.String("version", version),
		zap.String("sink", a.cfg.Sink),
		zap.String("schedule", a.cfg.Schedule.Cron),
		zap.Strings("sources", a.sourceNames()))

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	if addr := a.cfg.Telemetry.ListenAddress; addr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, addr, a.logger); err != nil {
				a.logger.Error("Telemetry server failed", zap.Error(err))
			}
		}()
	}

	sched := scheduler.New(a.cfg.Schedule.Cron, func(ctx context.Context, now time.Time) error {
		_, err := a.pipeline.RunCycle(ctx, now)
		return err
	}, a.logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("Agent stopped")
	return nil
}

func printConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.InfluxDB.Password != "" {
		cfg.InfluxDB.Password = "********"
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runInstall(cmd *cobra.Command, _ []string) error {
	if err := install.CheckElevation(); err != nil {
		return err
	}
	paths := install.DefaultPaths()
	if configPath != "" {
		paths.ConfigPath = configPath
	}
	// The target config may not exist yet; it is written from defaults.
	existing := ""
	if _, err := os.Stat(paths.ConfigPath); err == nil {
		existing = paths.ConfigPath
	}
	cfg, err := config.LoadLayered(overrides, embeddedConfig, existing)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nInstalling gpfs-sge-metrics %s\n", version)
	if err := install.New(paths, cmd.OutOrStdout()).Install(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nDone! Edit %s and restart the service to enable sources.\n", paths.ConfigPath)
	return nil
}

func runUninstall(cmd *cobra.Command, _ []string) error {
	if err := install.CheckElevation(); err != nil {
		return err
	}
	return install.New(install.DefaultPaths(), cmd.OutOrStdout()).Uninstall()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down",
				zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Console output (human-readable)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	// File output (structured JSON, if configured)
	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}
