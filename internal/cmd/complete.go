package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
	"github.com/JohnPlummer/llm-orchestrator/provider"
)

var completeFlags struct {
	provider    string
	model       string
	temperature float64
	maxTokens   int
	system      string
	timeout     time.Duration
	noCache     bool
	jsonOut     bool
}

var completeCmd = &cobra.Command{
	Use:   "complete [prompt]",
	Short: "Send one prompt and print the answer",
	Long: `Send one prompt through the orchestrator and print the answer.

The prompt is taken from the arguments, or from stdin when none are given.`,
	RunE: runComplete,
}

func init() {
	rootCmd.AddCommand(completeCmd)

	f := completeCmd.Flags()
	f.StringVarP(&completeFlags.provider, "provider", "p", "", "provider name (default from config)")
	f.StringVarP(&completeFlags.model, "model", "m", "", "model override")
	f.Float64VarP(&completeFlags.temperature, "temperature", "t", -1, "sampling temperature (negative = provider default)")
	f.IntVar(&completeFlags.maxTokens, "max-tokens", 0, "maximum tokens to generate")
	f.StringVar(&completeFlags.system, "system", "", "system prompt")
	f.DurationVar(&completeFlags.timeout, "timeout", 0, "per-attempt timeout")
	f.BoolVar(&completeFlags.noCache, "no-cache", false, "bypass the response cache")
	f.BoolVar(&completeFlags.jsonOut, "json", false, "print the full result as JSON")
}

func runComplete(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch)

	opts := provider.Options{
		Model:        completeFlags.model,
		MaxTokens:    completeFlags.maxTokens,
		SystemPrompt: completeFlags.system,
		Timeout:      completeFlags.timeout,
	}
	if completeFlags.temperature >= 0 {
		opts.Temperature = provider.Temperature(completeFlags.temperature)
	}

	result, err := orch.Complete(cmd.Context(), orchestrator.Request{
		Provider:  completeFlags.provider,
		Prompt:    prompt,
		Options:   opts,
		SkipCache: completeFlags.noCache,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if completeFlags.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	_, err = fmt.Fprintln(out, result.Text)
	return err
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt given: pass it as arguments or on stdin")
	}
	return prompt, nil
}

func closeOrchestrator(orch *orchestrator.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.Close(ctx); err != nil {
		logger.Sugar().Warnw("Orchestrator did not close cleanly", "error", err)
	}
}
