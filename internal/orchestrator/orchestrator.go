// Package orchestrator drives one scan run: local probes and the external
// engine job run side by side, their outcomes are merged into a single
// aggregate and the aggregate is handed to the report sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/aggregate"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/engine"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/poller"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/probes"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/report"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/pkg/utils"
)

// DefaultFetchMargin is added to the engine deadline to leave room for
// fetching and aggregating.
const DefaultFetchMargin = 2 * time.Minute

// Deps are the collaborators of a run.
type Deps struct {
	Runner *probes.Runner
	// Poller is nil for local-only runs.
	Poller  *poller.Poller
	Sink    report.Sink
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
}

// Config holds per-run settings.
type Config struct {
	Categories  []schema.Category
	ScanConfig  engine.ScanConfig
	OutputDir   string
	FetchMargin time.Duration
}

// Orchestrator runs scans.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Runner == nil {
		return nil, schema.Config("orchestrator", errors.New("probe runner is required"))
	}
	if deps.Sink == nil {
		return nil, schema.Config("orchestrator", errors.New("report sink is required"))
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.FetchMargin <= 0 {
		cfg.FetchMargin = DefaultFetchMargin
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{deps: deps, cfg: cfg, log: log, now: time.Now}, nil
}

// ReportPath is the extension-less report path of agg.
func (o *Orchestrator) ReportPath(agg *schema.ScanAggregate) string {
	return utils.ReportPath(o.cfg.OutputDir, agg.Target, agg.StartedAt)
}

// Run scans target and renders the aggregate. Only configuration errors
// abort before work starts. Source failures are recorded in the
// aggregate, which is always rendered; a render failure is returned
// together with the aggregate.
func (o *Orchestrator) Run(ctx context.Context, target string) (*schema.ScanAggregate, error) {
	if target == "" {
		return nil, schema.Config("target", errors.New("empty target"))
	}
	if err := o.deps.Runner.Validate(o.cfg.Categories); err != nil {
		return nil, err
	}

	started := o.now()
	runID := uuid.NewString()
	log := o.log.With("run_id", runID, "target", target)

	ctx, span := o.deps.Tracer.Start(ctx, "scan", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("target", target),
		attribute.Bool("engine", o.deps.Poller != nil),
	))
	defer span.End()

	runCtx := ctx
	if o.deps.Poller != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.deps.Poller.Config().Deadline+o.cfg.FetchMargin)
		defer cancel()
	}

	var (
		wg       sync.WaitGroup
		local    probes.Results
		localErr error
		external = aggregate.External{Skipped: o.deps.Poller == nil}
		job      *schema.ScanJob
	)

	log.Info("scan started", "categories", o.cfg.Categories)

	wg.Add(1)
	go func() {
		defer wg.Done()
		local, localErr = o.runProbes(runCtx, target)
	}()

	if o.deps.Poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			external, job = o.runEngine(runCtx, target)
		}()
	}
	wg.Wait()

	agg := aggregate.Aggregate(aggregate.Input{
		RunID:      runID,
		Target:     target,
		StartedAt:  started,
		FinishedAt: o.now(),
		Local:      local,
		LocalErr:   localErr,
		External:   external,
		Job:        job,
	})
	o.deps.Metrics.ObserveAggregate(agg, agg.FinishedAt.Sub(started))
	for _, src := range agg.Failed() {
		log.Warn("source incomplete", "source", src, "error", agg.SourceErrors[src])
	}
	span.SetAttributes(attribute.Int("findings", agg.Total()))

	out := o.ReportPath(agg)
	// A cancelled run still produces its report.
	if err := o.deps.Sink.Render(context.WithoutCancel(ctx), agg, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return agg, fmt.Errorf("render report: %w", err)
	}
	log.Info("scan finished", "findings", agg.Total(), "failed_sources", len(agg.Failed()), "report", out)
	return agg, nil
}

func (o *Orchestrator) runProbes(ctx context.Context, target string) (probes.Results, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "probes")
	defer span.End()

	res, err := o.deps.Runner.Run(ctx, target, o.cfg.Categories)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe runner failed")
		return nil, err
	}
	for cat, perr := range res.Errors() {
		span.RecordError(perr, trace.WithAttributes(attribute.String("category", string(cat))))
	}
	return res, nil
}

// runEngine submits, waits for and fetches the engine job. Every failure
// is returned inside External rather than as an error.
func (o *Orchestrator) runEngine(ctx context.Context, target string) (aggregate.External, *schema.ScanJob) {
	ctx, span := o.deps.Tracer.Start(ctx, "engine")
	defer span.End()
	fail := func(err error) aggregate.External {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine source failed")
		return aggregate.External{Err: err}
	}

	p := o.deps.Poller
	job, err := p.Submit(ctx, target, o.cfg.ScanConfig)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cancelledErr(cerr, err)
		}
		return fail(err), nil
	}
	span.SetAttributes(attribute.String("job_id", job.ID()))

	if err := p.Wait(ctx, job); err != nil {
		snap := job.Snapshot()
		return fail(err), &snap
	}

	res, err := p.Fetch(ctx, job)
	snap := job.Snapshot()
	if err != nil {
		return fail(err), &snap
	}
	ext := aggregate.External{Result: res}
	if len(res.Malformed) > 0 {
		span.SetAttributes(attribute.Int("malformed_records", len(res.Malformed)))
	}
	return ext, &snap
}

// cancelledErr tags a submission interrupted by the run ending. A passed
// run deadline is a timeout.
func cancelledErr(cause, err error) error {
	kind := schema.ErrCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = schema.ErrEngineTimeout
	}
	return schema.NewError(kind, schema.SourceExternal, "submit", err)
}
