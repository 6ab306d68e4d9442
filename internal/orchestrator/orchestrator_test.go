package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/engine"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/poller"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/probes"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

const target = "https://shop.example"

type fakeEngine struct {
	mu        sync.Mutex
	submitErr error
	status    string
	results   []byte
	cancels   int
}

func (f *fakeEngine) Submit(ctx context.Context, target string, cfg engine.ScanConfig) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-42", nil
}

func (f *fakeEngine) Status(ctx context.Context, jobID string) (schema.JobState, string, error) {
	return engine.MapStatus(f.status), f.status, nil
}

func (f *fakeEngine) Results(ctx context.Context, jobID string) ([]byte, error) {
	return f.results, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return true
}

func (f *fakeEngine) cancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeSink struct {
	mu    sync.Mutex
	err   error
	calls int
	agg   *schema.ScanAggregate
	path  string
}

func (s *fakeSink) Render(ctx context.Context, agg *schema.ScanAggregate, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.agg, s.path = agg, outputPath
	return s.err
}

func found(desc string) probes.Executor {
	return probes.ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		return []schema.Finding{{Severity: schema.High, Description: desc}}, nil
	})
}

func nothing() probes.Executor {
	return probes.ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		return nil, nil
	})
}

func newPoller(t *testing.T, client engine.Client) *poller.Poller {
	t.Helper()
	cfg := poller.DefaultConfig()
	cfg.Interval = time.Millisecond
	cfg.Deadline = time.Minute
	p, err := poller.New(client, cfg, nil)
	require.NoError(t, err)
	return p
}

func newOrchestrator(t *testing.T, reg probes.Registry, p *poller.Poller, sink *fakeSink, cats ...schema.Category) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		Runner: probes.NewRunner(reg, nil, probes.WithTimeout(5*time.Second)),
		Poller: p,
		Sink:   sink,
	}, Config{
		Categories: cats,
		ScanConfig: engine.DefaultScanConfig(),
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)
	return o
}

func TestRunMergesLocalAndExternal(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{status: "succeeded", results: []byte(`{"findings":[{"category":"csrf","severity":"medium"}]}`)}
	sink := &fakeSink{}
	o := newOrchestrator(t, probes.Registry{
		schema.CategoryInjectedScript: found("reflected payload"),
		schema.CategoryQueryInjection: nothing(),
	}, newPoller(t, eng), sink, schema.CategoryInjectedScript, schema.CategoryQueryInjection)

	agg, err := o.Run(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, []schema.Category{schema.CategoryCSRF, schema.CategoryInjectedScript}, agg.Categories())
	assert.Len(t, agg.FindingsByCategory[schema.CategoryInjectedScript], 1)
	require.Len(t, agg.FindingsByCategory[schema.CategoryCSRF], 1)
	assert.Equal(t, schema.Medium, agg.FindingsByCategory[schema.CategoryCSRF][0].Severity)
	assert.Equal(t, schema.SourceExternal, agg.FindingsByCategory[schema.CategoryCSRF][0].Source)
	assert.Empty(t, agg.Failed())
	require.NotNil(t, agg.Job)
	assert.Equal(t, schema.JobCompleted, agg.Job.State)
	assert.NotEmpty(t, agg.RunID)

	assert.Equal(t, 1, sink.calls)
	assert.Same(t, agg, sink.agg)
	assert.Equal(t, o.ReportPath(agg), sink.path)
	assert.Equal(t, "security_report", filepath.Base(sink.path))
}

func TestRunEngineUnreachableAtSubmission(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{submitErr: errors.New("dial tcp: connection refused")}
	sink := &fakeSink{}
	o := newOrchestrator(t, probes.Registry{
		schema.CategoryInjectedScript: found("a"),
		schema.CategoryCSRF:           found("b"),
	}, newPoller(t, eng), sink, schema.CategoryInjectedScript, schema.CategoryCSRF)

	agg, err := o.Run(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, []schema.Source{schema.SourceExternal}, agg.Failed())
	assert.ErrorIs(t, agg.SourceErrors[schema.SourceExternal], schema.ErrEngineSubmission)
	assert.Len(t, agg.FindingsByCategory[schema.CategoryInjectedScript], 1)
	assert.Len(t, agg.FindingsByCategory[schema.CategoryCSRF], 1)
	assert.Nil(t, agg.Job)
	assert.Equal(t, 1, sink.calls)
}

func TestRunIsolatesFailingProbe(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	o := newOrchestrator(t, probes.Registry{
		"first": found("one"),
		"second": probes.ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
			return nil, errors.New("page crashed")
		}),
		"third": found("three"),
	}, nil, sink, "first", "second", "third")

	agg, err := o.Run(context.Background(), target)
	require.NoError(t, err)

	assert.Len(t, agg.FindingsByCategory["first"], 1)
	assert.Len(t, agg.FindingsByCategory["third"], 1)
	assert.NotContains(t, agg.FindingsByCategory, schema.Category("second"))
	assert.ErrorIs(t, agg.SourceErrors[schema.SourceLocal], schema.ErrProbe)
}

func TestRunLocalOnly(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	o := newOrchestrator(t, probes.Registry{schema.CategoryCSRF: found("x")}, nil, sink, schema.CategoryCSRF)

	agg, err := o.Run(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, agg.Failed())
	assert.Nil(t, agg.Job)
	assert.Equal(t, 1, agg.Total())
}

func TestRunBothSourcesFailStillRenders(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{status: "failed"}
	sink := &fakeSink{}
	o := newOrchestrator(t, probes.Registry{
		schema.CategoryCSRF: probes.ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
			return nil, errors.New("connection reset")
		}),
	}, newPoller(t, eng), sink, schema.CategoryCSRF)

	agg, err := o.Run(context.Background(), target)
	require.NoError(t, err)

	assert.Zero(t, agg.Total())
	assert.Equal(t, []schema.Source{schema.SourceExternal, schema.SourceLocal}, agg.Failed())
	assert.ErrorIs(t, agg.SourceErrors[schema.SourceExternal], schema.ErrEngineFailed)
	assert.Equal(t, 1, sink.calls)
}

func TestRunConfigurationErrorAbortsBeforeWork(t *testing.T) {
	t.Parallel()

	ran := false
	sink := &fakeSink{}
	o := newOrchestrator(t, probes.Registry{
		schema.CategoryCSRF: probes.ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
			ran = true
			return nil, nil
		}),
	}, nil, sink, schema.CategoryCSRF, "port-scan")

	agg, err := o.Run(context.Background(), target)
	require.ErrorIs(t, err, schema.ErrConfiguration)
	assert.Nil(t, agg)
	assert.False(t, ran)
	assert.Zero(t, sink.calls)

	_, err = o.Run(context.Background(), "")
	assert.ErrorIs(t, err, schema.ErrConfiguration)
}

func TestRunCancellationTagsUnfinishedSources(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{status: "running"}
	sink := &fakeSink{}
	started := make(chan struct{})
	o := newOrchestrator(t, probes.Registry{
		schema.CategoryInjectedScript: probes.ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}, newPoller(t, eng), sink, schema.CategoryInjectedScript)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	agg, err := o.Run(ctx, target)
	require.NoError(t, err)

	assert.ErrorIs(t, agg.SourceErrors[schema.SourceLocal], schema.ErrCancelled)
	assert.ErrorIs(t, agg.SourceErrors[schema.SourceExternal], schema.ErrCancelled)
	require.NotNil(t, agg.Job)
	assert.Equal(t, schema.JobCancelled, agg.Job.State)
	assert.GreaterOrEqual(t, eng.cancelCalls(), 1)
	assert.Equal(t, 1, sink.calls, "a cancelled run is still reported")
}

func TestRunReturnsRenderError(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{err: errors.New("disk full")}
	o := newOrchestrator(t, probes.Registry{schema.CategoryCSRF: nothing()}, nil, sink, schema.CategoryCSRF)

	agg, err := o.Run(context.Background(), target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NotNil(t, agg)
}

func TestNewRequiresRunnerAndSink(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{Sink: &fakeSink{}}, Config{})
	assert.ErrorIs(t, err, schema.ErrConfiguration)
	_, err = New(Deps{Runner: probes.NewRunner(nil, nil)}, Config{})
	assert.ErrorIs(t, err, schema.ErrConfiguration)
}
