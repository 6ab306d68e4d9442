// Package metrics exposes scan counters and timings for Prometheus.
//
// A Recorder owns a private registry (the default one is left alone). All
// methods are safe on a nil *Recorder, so components can be built without
// metrics in tests.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

const namespace = "yorosec"

// Recorder collects metrics for one process.
type Recorder struct {
	registry *prometheus.Registry

	probeRuns     *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	enginePolls   *prometheus.CounterVec
	engineJobs    *prometheus.CounterVec
	findings      *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	scanDuration  prometheus.Histogram
}

// New creates a Recorder with all metrics registered.
func New() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		probeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_runs_total",
			Help:      "Local probe executions by category and outcome",
		}, []string{"category", "outcome"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Local probe execution time",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"category"}),
		enginePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_polls_total",
			Help:      "External engine status polls by outcome",
		}, []string{"outcome"}),
		engineJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_jobs_total",
			Help:      "External engine jobs by terminal state",
		}, []string{"state"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Aggregated findings by source, category and severity",
		}, []string{"source", "category", "severity"}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Scan sources that terminated with an error",
		}, []string{"source"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock time of a full scan run",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	collectors := []prometheus.Collector{
		r.probeRuns, r.probeDuration, r.enginePolls, r.engineJobs,
		r.findings, r.sourceErrors, r.scanDuration,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return r, nil
}

// Registry returns the underlying registry for scraping or tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveProbe records one probe execution.
func (r *Recorder) ObserveProbe(cat schema.Category, err error, d time.Duration) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.probeRuns.WithLabelValues(string(cat), outcome).Inc()
	r.probeDuration.WithLabelValues(string(cat)).Observe(d.Seconds())
}

// EnginePoll records one status poll. outcome is "ok" or "error".
func (r *Recorder) EnginePoll(outcome string) {
	if r == nil {
		return
	}
	r.enginePolls.WithLabelValues(outcome).Inc()
}

// EngineJob records the terminal state a job ended in.
func (r *Recorder) EngineJob(state schema.JobState) {
	if r == nil {
		return
	}
	r.engineJobs.WithLabelValues(state.String()).Inc()
}

// ObserveAggregate records the findings and source errors of a finished run.
func (r *Recorder) ObserveAggregate(agg *schema.ScanAggregate, d time.Duration) {
	if r == nil || agg == nil {
		return
	}
	for cat, fs := range agg.FindingsByCategory {
		for _, f := range fs {
			r.findings.WithLabelValues(string(f.Source), string(cat), f.Severity.String()).Inc()
		}
	}
	for _, src := range agg.Failed() {
		r.sourceErrors.WithLabelValues(string(src)).Inc()
	}
	r.scanDuration.Observe(d.Seconds())
}

// WriteTextfile writes the current metrics in the node-exporter textfile
// format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
