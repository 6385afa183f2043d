package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JohnPlummer/llm-orchestrator/batch"
	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
	"github.com/JohnPlummer/llm-orchestrator/provider"
)

// BatchFile is the YAML document accepted by the batch command
type BatchFile struct {
	Requests []BatchEntry `yaml:"requests"`
}

// BatchEntry is one prompt in a batch file
type BatchEntry struct {
	ID        string           `yaml:"id"`
	Provider  string           `yaml:"provider"`
	Prompt    string           `yaml:"prompt"`
	Priority  int              `yaml:"priority"`
	Options   provider.Options `yaml:"options"`
	CacheTTL  time.Duration    `yaml:"cache_ttl"`
	SkipCache bool             `yaml:"skip_cache"`
}

var batchFormat string

var batchCmd = &cobra.Command{
	Use:   "batch <file.yaml>",
	Short: "Run every prompt in a YAML file through the priority queue",
	Long: `Run every prompt in a YAML file through the priority queue and print a
status table once all of them have finished.

Example file:

  requests:
    - id: summary
      prompt: Summarize the release notes
      priority: 10
    - prompt: Translate "hello" to French
      options:
        model: gpt-4o-mini
        temperature: 0`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().StringVarP(&batchFormat, "format", "f", "table", "output format (table, markdown, csv)")
}

// LoadBatchFile parses a batch file
func LoadBatchFile(r io.Reader) (*BatchFile, error) {
	var file BatchFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode batch file: %w", err)
	}
	if len(file.Requests) == 0 {
		return nil, fmt.Errorf("batch file contains no requests")
	}
	return &file, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open batch file: %w", err)
	}
	defer func() { _ = f.Close() }()

	file, err := LoadBatchFile(f)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch)

	responses, err := submitAll(cmd, orch, file)
	if err != nil {
		return err
	}

	out, err := renderResponses(responses, batchFormat)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

// submitAll queues every entry and waits for all terminal responses
func submitAll(cmd *cobra.Command, orch *orchestrator.Orchestrator, file *BatchFile) ([]batch.Response[*orchestrator.Result], error) {
	channels := make([]<-chan batch.Response[*orchestrator.Result], 0, len(file.Requests))
	for i, entry := range file.Requests {
		_, done, err := orch.SubmitAsync(orchestrator.Request{
			ID:        entry.ID,
			Provider:  entry.Provider,
			Prompt:    entry.Prompt,
			Options:   entry.Options,
			CacheTTL:  entry.CacheTTL,
			SkipCache: entry.SkipCache,
		}, entry.Priority)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		channels = append(channels, done)
	}

	responses := make([]batch.Response[*orchestrator.Result], 0, len(channels))
	for _, done := range channels {
		select {
		case resp := <-done:
			responses = append(responses, resp)
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		}
	}
	return responses, nil
}

func renderResponses(responses []batch.Response[*orchestrator.Result], format string) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Priority", "Status", "Provider", "Cached", "Attempts", "Duration", "Output"})

	failed := 0
	for _, resp := range responses {
		row := table.Row{resp.ID, resp.Priority, string(resp.Status), "", "", "", resp.Duration().Round(time.Millisecond), ""}
		if resp.Result != nil {
			row[3] = resp.Result.Provider
			row[4] = resp.Result.Cached
			row[5] = resp.Result.Attempts
			row[7] = truncate(resp.Result.Text, 60)
		}
		if resp.Err != nil {
			failed++
			row[7] = truncate(resp.Err.Error(), 60)
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d ok", len(responses)-failed, len(responses)), "", "", "", "", ""})

	switch format {
	case "table", "":
		return t.Render(), nil
	case "markdown":
		return t.RenderMarkdown(), nil
	case "csv":
		return t.RenderCSV(), nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
