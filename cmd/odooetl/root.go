package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"odooetl/internal/config"
	"odooetl/internal/ledger"
	"odooetl/internal/metrics"
	"odooetl/internal/metrics/datadog"
	"odooetl/internal/metrics/prompush"
	"odooetl/internal/odoo"
	"odooetl/internal/pipeline"
	"odooetl/internal/storage"
	"odooetl/internal/upsert"
	"odooetl/internal/watermark"
)

func newRootCommand(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "odooetl",
		Short:         "Incremental Odoo to warehouse sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	s := config.Bind(cmd.PersistentFlags(), getenv)

	cmd.AddCommand(newRunCommand(s))
	cmd.AddCommand(newValidateCommand(s))
	cmd.AddCommand(newWatermarksCommand(s))
	return cmd
}

func newRunCommand(s *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every pipeline stage once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), cmd.ErrOrStderr(), s)
		},
	}
}

func newValidateCommand(s *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, err := loadPipeline(cmd.OutOrStdout(), s.PipelinePath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline is valid: %s\n", pipelineName(s.PipelinePath))
			return nil
		},
	}
}

func pipelineName(path string) string {
	if path == "" {
		return "(built-in)"
	}
	return path
}

// loadPipeline reads, validates and builds the pipeline, printing every
// issue to out.
func loadPipeline(out io.Writer, path string) (config.Pipeline, []pipeline.Stage, error) {
	p, err := config.LoadPipeline(path)
	if err != nil {
		return p, nil, err
	}
	issues := config.ValidatePipeline(p)
	printIssues(out, issues)
	if config.HasErrors(issues) {
		return p, nil, fmt.Errorf("pipeline %s is invalid", pipelineName(path))
	}
	stages, err := pipeline.Build(p)
	if err != nil {
		return p, nil, err
	}
	return p, stages, nil
}

func printIssues(out io.Writer, issues []config.Issue) {
	for _, iss := range issues {
		fmt.Fprintf(out, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
}

// setupMetrics installs the configured metrics backend and returns the
// flush to run at exit.
func setupMetrics(m config.MetricsSettings) func() {
	var (
		b   metrics.Backend
		err error
	)
	switch m.Backend {
	case "", "none":
		return func() {}
	case "pushgateway":
		b, err = prompush.NewBackend(m.Job, m.PushgatewayURL)
	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{Addr: m.DatadogAddr, Namespace: m.Namespace, GlobalTags: m.Tags})
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", m.Backend)
		return func() {}
	}
	if err != nil {
		log.Printf("metrics: failed to init %s backend: %v; using nop", m.Backend, err)
		return func() {}
	}
	log.Printf("metrics: backend=%s job=%s", m.Backend, m.Job)
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}
}

func openWarehouse(ctx context.Context, s *config.Settings) (storage.Warehouse, error) {
	w, err := storage.New(ctx, storage.Config{
		Kind:     s.Warehouse.Kind,
		DSN:      s.Warehouse.DSN,
		MaxConns: s.Warehouse.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	return w, nil
}

func watermarkConfig(s *config.Settings) watermark.Config {
	wm := s.Watermark
	return watermark.Config{
		Kind:           wm.Backend,
		File:           wm.File,
		RedisAddr:      wm.RedisAddr,
		RedisPassword:  wm.RedisPassword,
		RedisDB:        wm.RedisDB,
		RedisKey:       wm.RedisKey,
		DynamoRegion:   wm.DynamoRegion,
		DynamoTable:    wm.DynamoTable,
		DynamoKey:      wm.DynamoKey,
		DynamoEndpoint: wm.DynamoEndpoint,
		Table:          wm.Table,
	}
}

func runSync(ctx context.Context, out io.Writer, s *config.Settings) error {
	issues := config.ValidateSettings(*s)
	printIssues(out, issues)
	if config.HasErrors(issues) {
		return fmt.Errorf("settings are invalid")
	}
	p, stages, err := loadPipeline(out, s.PipelinePath)
	if err != nil {
		return err
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}

	flush := setupMetrics(s.Metrics)
	defer flush()

	w, err := openWarehouse(ctx, s)
	if err != nil {
		return err
	}
	defer w.Close()

	runID := uuid.NewString()
	led := ledger.New(w, ledger.Options{Table: s.LedgerTable, RunID: runID})
	if err := led.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure ledger: %w", err)
	}

	backend, closeBackend, err := watermark.Open(ctx, watermarkConfig(s), w)
	if err != nil {
		return err
	}
	defer closeBackend()

	client, err := odoo.NewClient(odoo.Config{
		URL:      s.Odoo.URL,
		Database: s.Odoo.Database,
		Username: s.Odoo.Username,
		Password: s.Odoo.Password,
		Transport: odoo.TransportConfig{
			Timeout:            s.Odoo.Timeout,
			MaxRetries:         s.Odoo.MaxRetries,
			RequestsPerSecond:  s.Odoo.RequestsPerSecond,
			InsecureSkipVerify: s.Odoo.InsecureSkipVerify,
		},
	})
	if err != nil {
		return err
	}

	log.Printf("run %s: pipeline=%s stages=%d warehouse=%s watermarks=%s batch=%d workers=%d",
		runID, pipelineName(s.PipelinePath), len(stages), s.Warehouse.Kind, backend.Describe(), s.BatchSize, s.FetchWorkers)

	r := &pipeline.Runner{
		Env: &pipeline.Env{
			Source:    client,
			Warehouse: w,
			Upserter: &upsert.Engine{
				Warehouse:   w,
				Repairer:    led,
				Parser:      storage.TextViolationParser{},
				BatchSize:   s.BatchSize,
				MaxAttempts: s.MaxAttempts,
			},
			Watermarks:   watermark.New(backend),
			Location:     loc,
			BatchSize:    s.BatchSize,
			FetchWorkers: s.FetchWorkers,
		},
		Stages:    stages,
		Reconcile: s.Reconcile,
	}
	if _, err := r.Run(ctx); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return nil
}
