// Package probes runs local vulnerability checks against a target.
//
// Each probe category is served by one Executor. The Runner invokes the
// enabled executors exactly once each, isolating them from one another: a
// failing or panicking executor is recorded against its own category and
// never stops the rest.
package probes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// Executor runs one category of local check. Implementations must not
// share mutable state between calls.
type Executor interface {
	Run(ctx context.Context, target string) ([]schema.Finding, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, target string) ([]schema.Finding, error)

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, target string) ([]schema.Finding, error) {
	return f(ctx, target)
}

// Registry maps a category to the executor that serves it.
type Registry map[schema.Category]Executor

// Result is the outcome of one probe.
type Result struct {
	Findings []schema.Finding
	Err      error
	Duration time.Duration
}

// Results is the per-category outcome of a run.
type Results map[schema.Category]Result

// Errors returns the per-category errors, skipping probes that succeeded.
func (r Results) Errors() map[schema.Category]error {
	out := make(map[schema.Category]error)
	for cat, res := range r {
		if res.Err != nil {
			out[cat] = res.Err
		}
	}
	return out
}

// Categories returns the categories in r sorted by name.
func (r Results) Categories() []schema.Category {
	out := make([]schema.Category, 0, len(r))
	for c := range r {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Runner dispatches probes.
type Runner struct {
	registry    Registry
	concurrency int
	timeout     time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Recorder
}

// Option customizes a Runner.
type Option func(*Runner)

// WithConcurrency sets how many probes run at once (default 3).
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithTimeout bounds each probe individually (default 2m).
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithMetrics records each probe execution.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner over registry.
func NewRunner(registry Registry, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		registry:    registry,
		concurrency: 3,
		timeout:     2 * time.Minute,
		now:         time.Now,
		log:         logger.With("component", "probes"),
	}
	for _, o := range opts {
		o(r)
	}
	if r.concurrency <= 0 {
		r.concurrency = 1
	}
	return r
}

// Timeout returns the per-probe timeout.
func (r *Runner) Timeout() time.Duration { return r.timeout }

// Validate checks a category list against the registry. An empty list and
// unknown or repeated categories are configuration errors.
func (r *Runner) Validate(categories []schema.Category) error {
	if len(categories) == 0 {
		return schema.Config("probe list", errors.New("no probe categories enabled"))
	}
	seen := make(map[schema.Category]bool, len(categories))
	for _, c := range categories {
		if seen[c] {
			return schema.Config("probe list", fmt.Errorf("category %q listed twice", c))
		}
		seen[c] = true
		if ex, ok := r.registry[c]; !ok || ex == nil {
			return schema.Config("probe list", fmt.Errorf("unknown probe category %q", c))
		}
	}
	return nil
}

// Run invokes the executor of every category once. It only fails on a
// configuration error; probe failures are recorded in the returned Results.
// After ctx is cancelled no further probes start and the ones that never
// ran are recorded with ErrCancelled.
func (r *Runner) Run(ctx context.Context, target string, categories []schema.Category) (Results, error) {
	if err := r.Validate(categories); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(Results, len(categories))
		sem     = make(chan struct{}, r.concurrency)
	)
	record := func(cat schema.Category, res Result) {
		mu.Lock()
		results[cat] = res
		mu.Unlock()
	}

	for _, cat := range categories {
		if err := ctx.Err(); err != nil {
			record(cat, Result{Err: probeErr(schema.ErrCancelled, cat, "not started", err)})
			continue
		}
		select {
		case <-ctx.Done():
			record(cat, Result{Err: probeErr(schema.ErrCancelled, cat, "not started", ctx.Err())})
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(cat schema.Category) {
			defer wg.Done()
			defer func() { <-sem }()
			record(cat, r.runOne(ctx, target, cat))
		}(cat)
	}
	wg.Wait()

	return results, nil
}

// outcome is what an executor goroutine hands back to runOne.
type outcome struct {
	findings []schema.Finding
	err      error
	panicked bool
}

// runOne bounds a single executor by the per-probe timeout. The executor
// runs on its own goroutine so one that ignores its context is abandoned
// once the timeout fires instead of holding up the whole run.
func (r *Runner) runOne(ctx context.Context, target string, cat schema.Category) Result {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	r.log.Info("probe started", "category", cat, "target", target)

	// Buffered so an abandoned executor can still deliver and exit.
	done := make(chan outcome, 1)
	go func() { done <- r.invoke(pctx, target, cat) }()

	var res Result
	select {
	case out := <-done:
		res = r.finish(ctx, pctx, target, cat, out)
	case <-pctx.Done():
		res = Result{Err: r.expired(ctx, pctx, cat)}
		r.log.Warn("probe abandoned", "category", cat, "timeout", r.timeout, "error", res.Err)
	}

	res.Duration = time.Since(start)
	r.metrics.ObserveProbe(cat, res.Err, res.Duration)
	return res
}

func (r *Runner) invoke(ctx context.Context, target string, cat schema.Category) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("probe panicked", "category", cat, "panic", p, "stack", string(debug.Stack()))
			out = outcome{err: fmt.Errorf("panic: %v", p), panicked: true}
		}
	}()
	out.findings, out.err = r.registry[cat].Run(ctx, target)
	return out
}

func (r *Runner) finish(ctx, pctx context.Context, target string, cat schema.Category, out outcome) Result {
	ts := r.now()
	findings := out.findings
	for i := range findings {
		f := &findings[i]
		if f.Category == "" {
			f.Category = cat
		}
		f.Source = schema.SourceLocal
		if f.Target == "" {
			f.Target = target
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = ts
		}
		f.Normalize()
	}

	switch {
	case out.panicked:
		return Result{Err: probeErr(schema.ErrProbe, cat, "run", out.err)}
	case out.err != nil:
		kind := schema.ErrProbe
		if ctx.Err() != nil {
			kind = schema.ErrCancelled
		}
		r.log.Warn("probe failed", "category", cat, "error", out.err)
		return Result{Findings: findings, Err: probeErr(kind, cat, "run", out.err)}
	case ctx.Err() == nil && pctx.Err() != nil:
		// Returned cleanly but only after its window closed.
		err := r.expired(ctx, pctx, cat)
		r.log.Warn("probe finished late", "category", cat, "timeout", r.timeout)
		return Result{Findings: findings, Err: err}
	}

	r.log.Info("probe finished", "category", cat, "findings", len(findings))
	return Result{Findings: findings}
}

// expired classifies a closed probe context: a cancelled run is
// ErrCancelled, otherwise the probe ran out of time.
func (r *Runner) expired(ctx, pctx context.Context, cat schema.Category) error {
	if err := ctx.Err(); err != nil {
		return probeErr(schema.ErrCancelled, cat, "run", err)
	}
	return probeErr(schema.ErrProbe, cat, "run", fmt.Errorf("no result within %s: %w", r.timeout, pctx.Err()))
}

func probeErr(kind error, cat schema.Category, op string, err error) error {
	return &schema.Error{Kind: kind, Source: schema.SourceLocal, Category: cat, Op: op, Err: err}
}
