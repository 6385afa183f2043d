package cmd

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger. format is "json" for production
// output or "console" for human-readable development output.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	return zcfg.Build()
}

// installLogger routes slog through zap so library packages, which log via
// slog.Default, share the CLI's sink and level.
func installLogger(logger *zap.Logger) *slog.Logger {
	slogger := slog.New(zapslog.NewHandler(logger.Core(), zapslog.WithCaller(true)))
	slog.SetDefault(slogger)
	return slogger
}
