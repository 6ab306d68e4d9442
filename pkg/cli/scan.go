package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/engine"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/orchestrator"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/poller"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/probes"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/report"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/telemetry"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scan <target>",
		Short:   "Scan a target with local probes and the external engine",
		Example: "BURP_API_KEY=... yoro scan https://shop.example --format html,pdf",
		Args:    cobra.ExactArgs(1),
		RunE:    runScan,
	}

	cmd.Flags().Bool("local-only", false, "Run local probes only, without the external engine")
	cmd.Flags().String("probes", "", "Comma separated probe categories (default injected-script,query-injection,csrf)")
	cmd.Flags().String("format", "", "Report formats: json,html,pdf,csv")
	cmd.Flags().String("engine-url", "", "External engine base URL")
	cmd.Flags().String("scan-config", "", "YAML file with the engine scan configuration")
	cmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this textfile")
	cmd.Flags().String("otel-endpoint", "", "OTLP/gRPC collector endpoint for traces")
	_ = viper.BindPFlag(config.KeyLocalOnly, cmd.Flags().Lookup("local-only"))
	_ = viper.BindPFlag(config.KeyProbesEnabled, cmd.Flags().Lookup("probes"))
	_ = viper.BindPFlag(config.KeyReportFormat, cmd.Flags().Lookup("format"))
	_ = viper.BindPFlag(config.KeyEngineURL, cmd.Flags().Lookup("engine-url"))
	_ = viper.BindPFlag(config.KeyEngineScanConfig, cmd.Flags().Lookup("scan-config"))
	_ = viper.BindPFlag(config.KeyMetricsFile, cmd.Flags().Lookup("metrics-file"))
	_ = viper.BindPFlag(config.KeyOTelEndpoint, cmd.Flags().Lookup("otel-endpoint"))

	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	setupColor(viper.GetBool("no_color"))
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	rec, err := metrics.New()
	if err != nil {
		return err
	}

	runner := probes.NewRunner(
		probes.DefaultRegistry(cfg.RegistryConfig(), logger),
		logger,
		probes.WithConcurrency(cfg.Probes.Concurrency),
		probes.WithTimeout(cfg.Probes.Timeout),
		probes.WithMetrics(rec),
	)

	var pol *poller.Poller
	if !cfg.LocalOnly {
		client, err := engine.NewBurpClient(cfg.Engine.URL, cfg.Engine.APIKey, logger)
		if err != nil {
			return err
		}
		if pol, err = poller.New(client, cfg.PollerConfig(), logger, poller.WithMetrics(rec)); err != nil {
			return err
		}
	}

	sink, err := report.SinksFor(cfg.Formats, logger)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Runner:  runner,
		Poller:  pol,
		Sink:    sink,
		Logger:  logger,
		Metrics: rec,
		Tracer:  tp.Tracer(telemetry.TracerName),
	}, orchestrator.Config{
		Categories: cfg.Probes.Enabled,
		ScanConfig: cfg.Engine.ScanConfig,
		OutputDir:  cfg.Output,
	})
	if err != nil {
		return err
	}

	agg, runErr := orch.Run(ctx, args[0])
	if agg == nil {
		return runErr
	}
	if cfg.MetricsFile != "" {
		if err := rec.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.MetricsFile, "error", err)
		}
	}
	printSummary(cmd.OutOrStdout(), agg, orch.ReportPath(agg))

	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("scan interrupted; partial report written")
	}
	return runErr
}
