// Package poller drives an external scan job through its lifecycle:
// submit, poll until terminal, fetch, and cancel. It owns the timeout,
// backoff and cancellation policy so a stuck or unreachable engine cannot
// hang the caller.
//
// State machine:
//
//	Submitted -> Running -> Completed | Failed | Cancelled
//
// Only Completed jobs can be fetched. Fetching never changes the state: a
// retrieval failure leaves the job Completed with the failure recorded.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/engine"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

var (
	// ErrNotCompleted is returned by Fetch for a job that is not Completed.
	ErrNotCompleted = errors.New("poller: job has not completed")

	// ErrCancelRejected is returned by Cancel when the engine refused to
	// stop a job that is still running.
	ErrCancelRejected = errors.New("poller: engine rejected cancel")
)

// Config controls polling cadence and limits.
type Config struct {
	// Interval between status polls while the engine answers.
	Interval time.Duration
	// Deadline is the maximum wall-clock time from submission.
	Deadline time.Duration
	// MaxPollRetries is how many consecutive failed polls are tolerated.
	MaxPollRetries int
	// Backoff between failed polls.
	Backoff Backoff
	// CancelTimeout bounds the best-effort cancel call.
	CancelTimeout time.Duration
}

// DefaultConfig polls every 10s for up to 30m.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		Deadline:       30 * time.Minute,
		MaxPollRetries: 5,
		Backoff:        Backoff{InitDelay: 2 * time.Second, MaxDelay: time.Minute},
		CancelTimeout:  15 * time.Second,
	}
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return schema.Config("poll interval", fmt.Errorf("must be positive, got %s", c.Interval))
	case c.Deadline <= 0:
		return schema.Config("engine deadline", fmt.Errorf("must be positive, got %s", c.Deadline))
	case c.MaxPollRetries < 0:
		return schema.Config("poll retries", fmt.Errorf("must not be negative, got %d", c.MaxPollRetries))
	}
	return nil
}

// Job is the poller-owned handle of one submitted scan.
type Job struct {
	mu       sync.Mutex
	job      schema.ScanJob
	fetched  bool
	result   *engine.Result
	fetchErr error
}

// Snapshot returns a copy of the job's current state.
func (j *Job) Snapshot() schema.ScanJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.job
}

// ID returns the engine-assigned job handle.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.job.ID
}

// State returns the current lifecycle state.
func (j *Job) State() schema.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.job.State
}

func (j *Job) observe(state schema.JobState, raw string, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.job.Polls++
	j.job.LastPolledAt = at
	j.job.RawStatus = raw
	if j.job.State.IsTerminal() {
		return
	}
	// an engine that reports "queued" again does not move a job back
	if state == schema.JobSubmitted && j.job.State == schema.JobRunning {
		return
	}
	j.job.State = state
}

func (j *Job) pollFailed(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.job.Polls++
	j.job.LastPolledAt = at
}

// finish moves a non-terminal job into state. It reports whether the
// transition happened.
func (j *Job) finish(state schema.JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.job.State.IsTerminal() {
		return false
	}
	j.job.State = state
	return true
}

// Poller drives an engine.Client.
type Poller struct {
	client  engine.Client
	cfg     Config
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Recorder
}

// Option customizes a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithMetrics records poll outcomes and terminal states.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Poller) { p.metrics = m }
}

// New creates a Poller. The config is validated.
func New(client engine.Client, cfg Config, logger *slog.Logger, opts ...Option) (*Poller, error) {
	if client == nil {
		return nil, schema.Config("engine client", errors.New("no client configured"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultConfig().CancelTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		client: client,
		cfg:    cfg,
		clock:  realClock{},
		log:    logger.With("component", "poller"),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Config returns the poller configuration.
func (p *Poller) Config() Config { return p.cfg }

// Submit starts a scan on the engine. On failure no job is created and the
// error is an ErrEngineSubmission.
func (p *Poller) Submit(ctx context.Context, target string, cfg engine.ScanConfig) (*Job, error) {
	if target == "" {
		return nil, engineErr(schema.ErrEngineSubmission, "submit", errors.New("empty target"))
	}
	id, err := p.client.Submit(ctx, target, cfg)
	if err != nil {
		return nil, engineErr(schema.ErrEngineSubmission, "submit", err)
	}
	if id == "" {
		return nil, engineErr(schema.ErrEngineSubmission, "submit", engine.ErrNoScanID)
	}

	job := &Job{job: schema.ScanJob{
		ID:          id,
		Target:      target,
		State:       schema.JobSubmitted,
		SubmittedAt: p.clock.Now(),
	}}
	p.log.Info("scan job submitted", "job_id", id, "target", target)
	return job, nil
}

// Wait polls the job until it reaches a terminal state. It returns nil
// only when the job Completed. Every other outcome leaves the job terminal
// and returns a *schema.Error:
//
//   - ErrEngineTimeout when the deadline passes or polls keep failing
//   - ErrEngineFailed when the engine reports the job failed
//   - ErrCancelled when ctx is cancelled or the engine cancelled the job
func (p *Poller) Wait(ctx context.Context, job *Job) error {
	snap := job.Snapshot()
	if snap.State.IsTerminal() {
		return p.terminalErr(snap)
	}
	deadline := snap.SubmittedAt.Add(p.cfg.Deadline)
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return p.abort(ctx, job, err)
		}

		state, raw, err := p.client.Status(ctx, job.ID())
		now := p.clock.Now()

		var delay time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return p.abort(ctx, job, ctx.Err())
			}
			job.pollFailed(now)
			p.metrics.EnginePoll("error")
			failures++
			if failures > p.cfg.MaxPollRetries {
				job.finish(schema.JobFailed)
				p.metrics.EngineJob(schema.JobFailed)
				p.cancelEngine(ctx, job)
				return engineErr(schema.ErrEngineTimeout, "poll",
					fmt.Errorf("engine unreachable after %d attempts: %w", failures, err))
			}
			delay = CalcDelay(p.cfg.Backoff, failures-1)
			p.log.Warn("status poll failed", "job_id", job.ID(), "attempt", failures, "retry_in", delay, "error", err)
		} else {
			failures = 0
			if !state.IsValid() {
				state = engine.MapStatus(raw)
			}
			job.observe(state, raw, now)
			p.metrics.EnginePoll("ok")
			p.log.Debug("status polled", "job_id", job.ID(), "status", raw, "state", state)

			switch job.State() {
			case schema.JobCompleted:
				p.metrics.EngineJob(schema.JobCompleted)
				p.log.Info("scan job completed", "job_id", job.ID())
				return nil
			case schema.JobFailed, schema.JobCancelled:
				return p.terminalErr(job.Snapshot())
			}
			delay = p.cfg.Interval
		}

		if !now.Before(deadline) {
			job.finish(schema.JobFailed)
			p.metrics.EngineJob(schema.JobFailed)
			p.log.Warn("scan job deadline reached", "job_id", job.ID(), "deadline", p.cfg.Deadline)
			p.cancelEngine(ctx, job)
			return engineErr(schema.ErrEngineTimeout, "poll",
				fmt.Errorf("job %s still %s after %s", job.ID(), job.Snapshot().RawStatus, p.cfg.Deadline))
		}
		if rem := deadline.Sub(now); delay > rem {
			delay = rem
		}

		select {
		case <-p.clock.After(delay):
		case <-ctx.Done():
			return p.abort(ctx, job, ctx.Err())
		}
	}
}

// Fetch retrieves the results of a Completed job. The retrieval happens at
// most once per job: later calls return the cached result, or the cached
// ErrEngineFetch if the first retrieval failed.
func (p *Poller) Fetch(ctx context.Context, job *Job) (*engine.Result, error) {
	job.mu.Lock()
	defer job.mu.Unlock()

	if job.job.State != schema.JobCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, job.job.ID, job.job.State)
	}
	if job.fetched {
		return job.result, job.fetchErr
	}
	job.fetched = true

	data, err := p.client.Results(ctx, job.job.ID)
	if err != nil {
		job.fetchErr = engineErr(fetchErrKind(ctx), "fetch", err)
		p.log.Error("failed to fetch scan results", "job_id", job.job.ID, "error", err)
		return nil, job.fetchErr
	}
	job.result = engine.ParseResults(data)
	p.log.Info("scan results fetched", "job_id", job.job.ID,
		"findings", len(job.result.Findings), "malformed", len(job.result.Malformed))
	return job.result, nil
}

// fetchErrKind tags a failed retrieval the way abort tags an interrupted
// wait when the caller's context closed underneath it.
func fetchErrKind(ctx context.Context) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return schema.ErrEngineTimeout
	case err != nil:
		return schema.ErrCancelled
	}
	return schema.ErrEngineFetch
}

// Cancel stops a job. It is idempotent: a terminal job is left untouched
// and nil is returned.
func (p *Poller) Cancel(ctx context.Context, job *Job) error {
	if job.State().IsTerminal() {
		return nil
	}
	if !p.client.Cancel(ctx, job.ID()) {
		return engineErr(schema.ErrCancelled, "cancel", ErrCancelRejected)
	}
	if job.finish(schema.JobCancelled) {
		p.metrics.EngineJob(schema.JobCancelled)
	}
	return nil
}

// abort handles ctx ending mid-poll. A passed context deadline is a
// timeout; anything else is a cancellation.
func (p *Poller) abort(ctx context.Context, job *Job, cause error) error {
	kind, state := schema.ErrCancelled, schema.JobCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		kind, state = schema.ErrEngineTimeout, schema.JobFailed
	}
	p.cancelEngine(ctx, job)
	if job.finish(state) {
		p.metrics.EngineJob(state)
	}
	p.log.Warn("scan job aborted", "job_id", job.ID(), "state", job.State(), "error", cause)
	return engineErr(kind, "poll", cause)
}

// cancelEngine asks the engine to stop the job without waiting on the
// caller's context, which may already be done.
func (p *Poller) cancelEngine(ctx context.Context, job *Job) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CancelTimeout)
	defer cancel()
	if !p.client.Cancel(cctx, job.ID()) {
		p.log.Warn("best-effort cancel failed", "job_id", job.ID())
	}
}

func (p *Poller) terminalErr(snap schema.ScanJob) error {
	switch snap.State {
	case schema.JobCompleted:
		return nil
	case schema.JobCancelled:
		p.metrics.EngineJob(schema.JobCancelled)
		return engineErr(schema.ErrCancelled, "poll", fmt.Errorf("engine reported status %q", snap.RawStatus))
	default:
		p.metrics.EngineJob(schema.JobFailed)
		return engineErr(schema.ErrEngineFailed, "poll", fmt.Errorf("engine reported status %q", snap.RawStatus))
	}
}

func engineErr(kind error, op string, err error) error {
	return schema.NewError(kind, schema.SourceExternal, op, err)
}
