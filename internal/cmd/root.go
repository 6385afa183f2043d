// Package cmd implements the llmo command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JohnPlummer/llm-orchestrator/internal/config"
	"github.com/JohnPlummer/llm-orchestrator/metrics"
	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
)

var (
	cfgFile  string
	logLevel string
	dryRun   bool

	appConfig *config.Config
	logger    *zap.Logger

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "llmo",
	Short: "Cached, rate-limited and retried LLM completions",
	Long: `llmo sends prompts to LLM providers through a response cache, per-provider
rate limits, classified retries and an optional circuit breaker.

Use the subcommands to run single prompts, process batch files or serve HTTP.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initConfig() },
}

// Execute adds all child commands to the root command and runs it. ctx is
// handed to every command and should end on interrupt.
func Execute(ctx context.Context) error {
	defer func() {
		if logger != nil {
			_ = logger.Sync()
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "replace every provider with an offline echo provider")
}

// initConfig loads configuration and installs the logger
func initConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err = newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	installLogger(logger)

	logger.Debug("Configuration loaded",
		zap.String("file", cfgFile),
		zap.Int("providers", len(cfg.Providers)),
		zap.Bool("dry_run", dryRun))

	appConfig = cfg
	return nil
}

// newOrchestrator builds an orchestrator from the loaded configuration.
// Metrics are registered on reg.
func newOrchestrator(reg prometheus.Registerer) (*orchestrator.Orchestrator, error) {
	providers, err := appConfig.BuildProviders(dryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}

	return orchestrator.New(appConfig.ToOrchestrator(), providers,
		orchestrator.WithLogger(slog.Default()),
		orchestrator.WithMetrics(metrics.NewRecorder(reg, "")))
}
