package probes

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

func staticExecutor(findings ...schema.Finding) Executor {
	return ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		return findings, nil
	})
}

func failingExecutor(err error) Executor {
	return ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		return nil, err
	})
}

func TestRunner_IsolatesFailingProbe(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"first":  staticExecutor(schema.Finding{Description: "one"}),
		"second": failingExecutor(errors.New("browser crashed")),
		"third":  staticExecutor(schema.Finding{Description: "three", Severity: schema.High}),
	}
	r := NewRunner(reg, nil)

	res, err := r.Run(context.Background(), "https://example.com", []schema.Category{"first", "second", "third"})
	require.NoError(t, err)
	require.Len(t, res, 3)

	assert.Len(t, res["first"].Findings, 1)
	assert.Len(t, res["third"].Findings, 1)
	assert.NoError(t, res["first"].Err)
	assert.ErrorIs(t, res["second"].Err, schema.ErrProbe)

	errs := res.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs, schema.Category("second"))
}

func TestRunner_RecoversPanic(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"ok": staticExecutor(schema.Finding{}),
		"boom": ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
			panic("nil map write")
		}),
	}
	r := NewRunner(reg, nil)

	res, err := r.Run(context.Background(), "https://example.com", []schema.Category{"ok", "boom"})
	require.NoError(t, err)
	assert.ErrorIs(t, res["boom"].Err, schema.ErrProbe)
	assert.Contains(t, res["boom"].Err.Error(), "nil map write")
	assert.Len(t, res["ok"].Findings, 1)
}

func TestRunner_AllProbesFailStillSucceeds(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"a": failingExecutor(errors.New("a")),
		"b": failingExecutor(errors.New("b")),
	}
	res, err := NewRunner(reg, nil).Run(context.Background(), "https://example.com", []schema.Category{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, res.Errors(), 2)
}

func TestRunner_NormalizesFindings(t *testing.T) {
	t.Parallel()

	reg := Registry{
		schema.CategoryCSRF: staticExecutor(schema.Finding{Source: schema.SourceExternal, Severity: schema.Severity(99)}),
	}
	res, err := NewRunner(reg, nil).Run(context.Background(), "https://example.com", []schema.Category{schema.CategoryCSRF})
	require.NoError(t, err)

	f := res[schema.CategoryCSRF].Findings[0]
	assert.Equal(t, schema.CategoryCSRF, f.Category)
	assert.Equal(t, schema.SourceLocal, f.Source)
	assert.Equal(t, schema.Info, f.Severity)
	assert.Equal(t, "https://example.com", f.Target)
	assert.False(t, f.Timestamp.IsZero())
}

func TestRunner_InvokesEachExecutorOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	counting := ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		calls.Add(1)
		return nil, nil
	})
	reg := Registry{"a": counting, "b": counting, "c": counting}

	_, err := NewRunner(reg, nil, WithConcurrency(2)).Run(context.Background(), "t", []schema.Category{"a", "b", "c"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRunner_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	r := NewRunner(Registry{"a": staticExecutor()}, nil)
	tests := map[string][]schema.Category{
		"empty":     nil,
		"unknown":   {"a", "nope"},
		"duplicate": {"a", "a"},
	}
	for name, cats := range tests {
		_, err := r.Run(context.Background(), "t", cats)
		assert.ErrorIs(t, err, schema.ErrConfiguration, name)
	}
}

func TestRunner_PerProbeTimeout(t *testing.T) {
	t.Parallel()

	slow := ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg := Registry{"slow": slow, "fast": staticExecutor(schema.Finding{})}

	start := time.Now()
	res, err := NewRunner(reg, nil, WithTimeout(50*time.Millisecond)).
		Run(context.Background(), "t", []schema.Category{"slow", "fast"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, res["slow"].Err, schema.ErrProbe)
	assert.ErrorIs(t, res["slow"].Err, context.DeadlineExceeded)
	assert.Len(t, res["fast"].Findings, 1)
}

func TestRunner_AbandonsExecutorIgnoringContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		select {
		case <-release:
		case <-time.After(3 * time.Second):
		}
		return []schema.Finding{{Description: "late"}}, nil
	})
	reg := Registry{"stuck": stuck, "fast": staticExecutor(schema.Finding{})}

	start := time.Now()
	res, err := NewRunner(reg, nil, WithTimeout(50*time.Millisecond)).
		Run(context.Background(), "t", []schema.Category{"stuck", "fast"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "run must not wait for a stuck executor")
	assert.ErrorIs(t, res["stuck"].Err, schema.ErrProbe)
	assert.ErrorIs(t, res["stuck"].Err, context.DeadlineExceeded)
	assert.Empty(t, res["stuck"].Findings)
	assert.Len(t, res["fast"].Findings, 1)
}

func TestRunner_StuckExecutorOnCancelledRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	started := make(chan struct{})
	reg := Registry{"stuck": ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		close(started)
		<-release
		return nil, nil
	})}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	start := time.Now()
	res, err := NewRunner(reg, nil, WithTimeout(time.Minute)).Run(ctx, "t", []schema.Category{"stuck"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, res["stuck"].Err, schema.ErrCancelled)
	assert.NotErrorIs(t, res["stuck"].Err, schema.ErrProbe)
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	reg := Registry{"a": ExecutorFunc(func(ctx context.Context, target string) ([]schema.Finding, error) {
		calls.Add(1)
		return nil, nil
	})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewRunner(reg, nil).Run(ctx, "t", []schema.Category{"a"})
	require.NoError(t, err)
	assert.ErrorIs(t, res["a"].Err, schema.ErrCancelled)
	assert.Zero(t, calls.Load(), "no probe starts after cancellation")
}
