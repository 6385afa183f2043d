package cmd

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JohnPlummer/llm-orchestrator/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

Endpoints:
  GET    /healthz          orchestrator health
  GET    /metrics          Prometheus metrics
  POST   /v1/complete      run one prompt
  POST   /v1/batch         queue prompts
  GET    /v1/batch         list queued and finished prompts
  GET    /v1/batch/{id}    status of one prompt
  DELETE /v1/batch         forget finished prompts

Ctrl+C (SIGINT) or SIGTERM drains the batch queue and stops the server.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch, err := newOrchestrator(reg)
	if err != nil {
		return err
	}

	serverCfg := appConfig.Server
	if serveAddr != "" {
		serverCfg.Addr = serveAddr
	}
	srv := server.New(orch, reg, serverCfg, nil)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			closeOrchestrator(orch)
			return err
		}
	case <-cmd.Context().Done():
		logger.Info("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if err := orch.Close(ctx); err != nil {
		logger.Warn("Batch queue did not drain before shutdown", zap.Error(err))
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}
