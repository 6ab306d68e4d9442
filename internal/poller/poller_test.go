package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/engine"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// fakeClock advances instantly: every After moves the clock forward by d.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type statusReply struct {
	raw string
	err error
}

// fakeClient replays scripted status replies; the last one repeats.
type fakeClient struct {
	mu         sync.Mutex
	submitErr  error
	statuses   []statusReply
	calls      int
	results    []byte
	resultsErr error
	fetches    int
	cancels    int
	cancelOK   bool
}

func (f *fakeClient) Submit(ctx context.Context, target string, cfg engine.ScanConfig) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeClient) Status(ctx context.Context, jobID string) (schema.JobState, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.calls++
	r := f.statuses[i]
	if r.err != nil {
		return schema.JobRunning, "", r.err
	}
	return schema.JobState(-1), r.raw, nil
}

func (f *fakeClient) Results(ctx context.Context, jobID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.results, f.resultsErr
}

func (f *fakeClient) Cancel(ctx context.Context, jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelOK
}

func testConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		Deadline:       5 * time.Minute,
		MaxPollRetries: 3,
		Backoff:        Backoff{InitDelay: time.Second, MaxDelay: 8 * time.Second},
	}
}

func newTestPoller(t *testing.T, client *fakeClient) (*Poller, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	p, err := New(client, testConfig(), nil, WithClock(clock))
	require.NoError(t, err)
	return p, clock
}

func TestPoller_CompletesAndFetches(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		statuses: []statusReply{{raw: "queued"}, {raw: "running"}, {raw: "completed"}},
		results:  []byte(`{"findings":[{"category":"csrf","severity":"medium"}]}`),
	}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)
	assert.Equal(t, schema.JobSubmitted, job.State())

	require.NoError(t, p.Wait(ctx, job))
	snap := job.Snapshot()
	assert.Equal(t, schema.JobCompleted, snap.State)
	assert.Equal(t, 3, snap.Polls)

	res, err := p.Fetch(ctx, job)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "csrf", res.Findings[0].Class())
}

func TestPoller_SubmitFailureCreatesNoJob(t *testing.T) {
	t.Parallel()

	client := &fakeClient{submitErr: errors.New("dial tcp: connection refused")}
	p, _ := newTestPoller(t, client)

	job, err := p.Submit(context.Background(), "https://example.com", engine.DefaultScanConfig())
	assert.Nil(t, job)
	assert.ErrorIs(t, err, schema.ErrEngineSubmission)
}

func TestPoller_DeadlineForcesFailedAndCancels(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{{raw: "running"}}, cancelOK: true}
	p, clock := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)

	err = p.Wait(ctx, job)
	assert.ErrorIs(t, err, schema.ErrEngineTimeout)
	assert.Equal(t, schema.JobFailed, job.State())
	assert.Equal(t, 1, client.cancels, "deadline must trigger a best-effort cancel")

	elapsed := clock.Now().Sub(job.Snapshot().SubmittedAt)
	assert.Equal(t, testConfig().Deadline, elapsed, "waits are clipped to the deadline")
}

func TestPoller_UnknownStatusKeepsRunning(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{{raw: "warming_up"}, {raw: "Auditing-Phase-2"}, {raw: "completed"}}}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx, job))
	assert.Equal(t, 3, client.calls)
}

func TestPoller_PollFailuresBackOffThenFail(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{{err: errors.New("connection reset")}}}
	p, clock := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)

	err = p.Wait(ctx, job)
	assert.ErrorIs(t, err, schema.ErrEngineTimeout)
	assert.Equal(t, schema.JobFailed, job.State())
	assert.Equal(t, 4, client.calls, "first attempt plus MaxPollRetries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.waits)
}

func TestPoller_PollFailureRecovers(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{
		{err: errors.New("timeout")}, {err: errors.New("timeout")}, {raw: "running"}, {raw: "done"},
	}}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx, job))
	assert.Equal(t, schema.JobCompleted, job.State())
}

func TestPoller_EngineReportsFailed(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{{raw: "running"}, {raw: "failed"}}}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)

	err = p.Wait(ctx, job)
	assert.ErrorIs(t, err, schema.ErrEngineFailed)
	assert.Equal(t, schema.JobFailed, job.State())

	_, err = p.Fetch(ctx, job)
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestPoller_FetchBeforeCompletion(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{{raw: "running"}}}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)

	_, err = p.Fetch(ctx, job)
	assert.ErrorIs(t, err, ErrNotCompleted, "submitted job")

	job.observe(schema.JobRunning, "running", time.Now())
	_, err = p.Fetch(ctx, job)
	assert.ErrorIs(t, err, ErrNotCompleted, "running job")
	assert.Zero(t, client.fetches)
}

func TestPoller_FetchTwiceReturnsCachedResult(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		statuses: []statusReply{{raw: "completed"}},
		results:  []byte(`{"findings":[{"category":"xss","severity":"high"}]}`),
	}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx, job))

	first, err := p.Fetch(ctx, job)
	require.NoError(t, err)
	second, err := p.Fetch(ctx, job)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, client.fetches)
}

func TestPoller_FetchErrorKeepsCompleted(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		statuses:   []statusReply{{raw: "completed"}},
		resultsErr: errors.New("connection reset by peer"),
	}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx, job))

	_, err = p.Fetch(ctx, job)
	assert.ErrorIs(t, err, schema.ErrEngineFetch)
	assert.Equal(t, schema.JobCompleted, job.State())

	_, again := p.Fetch(ctx, job)
	assert.Equal(t, err, again, "the failed retrieval is cached")
	assert.Equal(t, 1, client.fetches)
}

func TestPoller_FetchInterruptedByCaller(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithDeadline(context.Background(), time.Unix(0, 0))
	defer cancel2()

	cases := map[string]struct {
		ctx  context.Context
		kind error
	}{
		"cancelled": {ctx: cancelled, kind: schema.ErrCancelled},
		"deadline":  {ctx: expired, kind: schema.ErrEngineTimeout},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{
				statuses:   []statusReply{{raw: "completed"}},
				resultsErr: tc.ctx.Err(),
			}
			p, _ := newTestPoller(t, client)

			job, err := p.Submit(context.Background(), "https://example.com", engine.DefaultScanConfig())
			require.NoError(t, err)
			require.NoError(t, p.Wait(context.Background(), job))

			_, err = p.Fetch(tc.ctx, job)
			assert.ErrorIs(t, err, tc.kind)
			assert.NotErrorIs(t, err, schema.ErrEngineFetch)
			assert.Equal(t, schema.JobCompleted, job.State())
		})
	}
}

func TestPoller_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{{raw: "running"}}, cancelOK: true}
	p, _ := newTestPoller(t, client)
	ctx := context.Background()

	job, err := p.Submit(ctx, "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)

	require.NoError(t, p.Cancel(ctx, job))
	assert.Equal(t, schema.JobCancelled, job.State())
	require.NoError(t, p.Cancel(ctx, job))
	assert.Equal(t, 1, client.cancels, "terminal job is not cancelled again")
}

func TestPoller_ContextCancelledMidPoll(t *testing.T) {
	t.Parallel()

	client := &fakeClient{statuses: []statusReply{{raw: "running"}}, cancelOK: true}
	p, _ := newTestPoller(t, client)

	job, err := p.Submit(context.Background(), "https://example.com", engine.DefaultScanConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.Wait(ctx, job)
	assert.ErrorIs(t, err, schema.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, schema.JobCancelled, job.State())
	assert.Equal(t, 1, client.cancels)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Interval = 0
	_, err := New(&fakeClient{}, cfg, nil)
	assert.ErrorIs(t, err, schema.ErrConfiguration)

	_, err = New(nil, testConfig(), nil)
	assert.ErrorIs(t, err, schema.ErrConfiguration)
}

func TestCalcDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{InitDelay: time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, time.Second, CalcDelay(b, 0))
	assert.Equal(t, 2*time.Second, CalcDelay(b, 1))
	assert.Equal(t, 16*time.Second, CalcDelay(b, 4))
	assert.Equal(t, 30*time.Second, CalcDelay(b, 5))

	for _, attempt := range []int{62, 63, 64, 1000, math.MaxInt32} {
		d := CalcDelay(b, attempt)
		assert.Equal(t, b.MaxDelay, d, "attempt %d", attempt)
	}
	assert.Zero(t, CalcDelay(Backoff{}, 3))
}
