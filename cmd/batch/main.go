package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inboxpilot/internal/app"
	"inboxpilot/internal/ingest"
	"inboxpilot/internal/service/orchestrator"
	"inboxpilot/pkg/config"
	"inboxpilot/pkg/logger"
)

// newLogger and createOutput are swapped out by tests.
var (
	newLogger    = logger.NewDevelopment
	createOutput = func(path string) (io.WriteCloser, error) { return os.Create(path) }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configDir string
	env       string
	emails    string
	kb        string
	workers   int
	output    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "batch",
		Short: "Triage an inbox snapshot offline",
		Long: `Triage an inbox snapshot offline and write one JSON outcome per email.

Examples:
  batch --emails ./inbox.yaml
  batch --emails ./inbox.jsonl --kb ./kb.yaml --workers 8 --output results.jsonl
  batch import-kb --kb ./kb.yaml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "config", "directory holding base.yaml and <env>.yaml")
	root.PersistentFlags().StringVar(&opts.env, "env", config.GetConfigEnv(), "config environment")
	root.PersistentFlags().StringVar(&opts.kb, "kb", "", "knowledge base file (overrides knowledge.path)")
	root.Flags().StringVar(&opts.emails, "emails", "", "emails file: YAML/JSON list or .jsonl")
	root.Flags().IntVar(&opts.workers, "workers", 0, "concurrent pipelines (overrides pipeline.workers)")
	root.Flags().StringVarP(&opts.output, "output", "o", "-", "JSONL output file, - for stdout")
	_ = root.MarkFlagRequired("emails")

	root.AddCommand(newImportKBCmd(opts))
	return root
}

func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.env, o.configDir)
	if err != nil {
		return nil, err
	}
	if o.kb != "" {
		cfg.Knowledge.Path = o.kb
	}
	if o.workers > 0 {
		cfg.Pipeline.Workers = o.workers
	}
	return cfg, nil
}

func runBatch(cmd *cobra.Command, opts *options) error {
	log := newLogger()
	defer log.Sync()

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if opts.kb != "" {
		cfg.Knowledge.Source = "file"
	}

	emails, err := ingest.LoadEmails(opts.emails)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	deps, closeDeps, err := app.Connect(ctx, cfg, false, log)
	if err != nil {
		return err
	}
	defer closeDeps()

	pipeline, err := app.Build(ctx, cfg, deps, log)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	var closeOut func() error
	if opts.output != "-" {
		f, err := createOutput(opts.output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		out = f
		closeOut = f.Close
	}

	stats, runErr := pipeline.Orchestrator.RunBatch(ctx, emails, orchestrator.NewJSONLSink(out))
	printSummary(cmd.ErrOrStderr(), stats)

	// 写文件的错误可能到 Close 才暴露
	if closeOut != nil {
		if err := closeOut(); err != nil {
			return errors.Join(runErr, fmt.Errorf("closing output %s: %w", opts.output, err))
		}
	}
	if runErr != nil {
		log.Warn("Batch interrupted", zap.Error(runErr))
		return runErr
	}
	if stats.SinkErrors > 0 {
		return fmt.Errorf("%d of %d outcomes could not be written", stats.SinkErrors, stats.Total)
	}
	return nil
}

func printSummary(w io.Writer, s orchestrator.RunStats) {
	fmt.Fprintf(w, "triaged %d emails in %s: %d completed (%d degraded), %d failed, %d cancelled\n",
		s.Total, s.Elapsed.Round(time.Millisecond), s.Completed, s.Degraded, s.Failed, s.Cancelled)
	fmt.Fprintf(w, "tickets: %d created, %d updated; avg latency %.1fms, max %dms\n",
		s.TicketsCreated, s.TicketsUpdated, s.AvgLatencyMs, s.MaxLatencyMs)
	for errorType, n := range s.FailuresByType {
		fmt.Fprintf(w, "  %s: %d\n", errorType, n)
	}
	if s.SinkErrors > 0 {
		fmt.Fprintf(w, "warning: %d outcomes could not be written\n", s.SinkErrors)
	}
}
