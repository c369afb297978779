package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fentz26/scriptd/internal/audit"
	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/fentz26/scriptd/internal/lifecycle"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

// fakeRunner counts attempts per execution and tracks peak concurrency.
type fakeRunner struct {
	fn func(ctx context.Context, attempt int) (*models.ExecutionResult, error)

	mu      sync.Mutex
	calls   map[string]int
	active  int
	peak    int
	overlap bool
	current map[string]bool
}

func newFakeRunner(fn func(ctx context.Context, attempt int) (*models.ExecutionResult, error)) *fakeRunner {
	return &fakeRunner{fn: fn, calls: make(map[string]int), current: make(map[string]bool)}
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Supports(path string) bool { return true }

func (f *fakeRunner) Run(ctx context.Context, script models.ScriptIdentity, p map[string]any, opts connectors.RunOptions) (*models.ExecutionResult, error) {
	f.mu.Lock()
	f.calls[opts.ExecutionID]++
	attempt := f.calls[opts.ExecutionID]
	if f.current[opts.ExecutionID] {
		f.overlap = true
	}
	f.current[opts.ExecutionID] = true
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		delete(f.current, opts.ExecutionID)
		f.mu.Unlock()
	}()

	if f.fn == nil {
		return okResult(script.Name), nil
	}
	return f.fn(ctx, attempt)
}

func (f *fakeRunner) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func okResult(name string) *models.ExecutionResult {
	return &models.ExecutionResult{
		Status:   "success",
		Message:  "done",
		Data:     map[string]any{"status": "success"},
		Metadata: models.ResultMetadata{ScriptName: name, SchemaVersion: models.ResultSchemaVersion},
	}
}

func testConfig() *Config {
	return &Config{
		Workers:          2,
		PollInterval:     10 * time.Millisecond,
		LeaseTTL:         time.Second,
		WatchdogInterval: 50 * time.Millisecond,
	}
}

func fastRetry(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, Backoff: ConstantBackoff(10 * time.Millisecond), Retryable: IsTransient}
}

type harness struct {
	sup   *Supervisor
	store *store.Store
	lc    *lifecycle.Manager
}

func newHarness(t *testing.T, runner connectors.Runner, cfg *Config, policy RetryPolicy) *harness {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lc := lifecycle.New(s, audit.NewPDRWriter(s, nil), nil)
	return &harness{
		sup:   New(s, lc, runner, cfg, WithRetryPolicy(policy)),
		store: s,
		lc:    lc,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sup.Start(context.Background()))
	t.Cleanup(func() { h.sup.Stop() })
}

func (h *harness) submit(t *testing.T, name string) *models.ExecutionRecord {
	t.Helper()
	rec, err := h.sup.Submit(context.Background(), models.ExecutionRequest{
		Script:     models.ScriptIdentity{Name: name, Path: "/srv/scripts/" + name + ".sh"},
		Parameters: map[string]any{"n": 1},
		CallerID:   "tester",
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.Status)
	return rec
}

func (h *harness) waitTerminal(t *testing.T, id string) *models.ExecutionRecord {
	t.Helper()
	var rec *models.ExecutionRecord
	require.Eventually(t, func() bool {
		got, err := h.store.GetExecution(id)
		if err != nil || got == nil {
			return false
		}
		rec = got
		return got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "execution %s never finished", id)
	return rec
}

func TestSubmitRunsToSuccess(t *testing.T) {
	runner := newFakeRunner(nil)
	h := newHarness(t, runner, testConfig(), fastRetry(3))
	h.start(t)

	rec := h.submit(t, "hello")
	got := h.waitTerminal(t, rec.ID)

	assert.Equal(t, models.StatusSuccess, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Message)
	assert.Nil(t, got.Error)
	assert.NotNil(t, got.StartedAt)
	assert.Empty(t, got.ClaimedBy, "claim is released after the run")
	assert.Equal(t, 1, runner.callsFor(rec.ID))

	lease, err := h.store.GetActiveLease(rec.ID)
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestTransientFailureIsRetried(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, attempt int) (*models.ExecutionResult, error) {
		if attempt == 1 {
			return nil, models.NewExecutionError(models.KindTransient, "interpreter could not be spawned")
		}
		return okResult("flaky"), nil
	})
	h := newHarness(t, runner, testConfig(), fastRetry(3))
	h.start(t)

	rec := h.submit(t, "flaky")
	got := h.waitTerminal(t, rec.ID)

	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.Error)
	assert.Equal(t, 2, runner.callsFor(rec.ID))
}

func TestScriptFailureIsNotRetried(t *testing.T) {
	exit := 3
	runner := newFakeRunner(func(ctx context.Context, attempt int) (*models.ExecutionResult, error) {
		e := models.NewExecutionError(models.KindRunError, "script exited with code %d", exit)
		e.Stderr = "Traceback"
		return nil, e.WithExitCode(exit)
	})
	h := newHarness(t, runner, testConfig(), fastRetry(3))
	h.start(t)

	rec := h.submit(t, "broken")
	got := h.waitTerminal(t, rec.ID)

	assert.Equal(t, models.StatusFailure, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.KindRunError, got.Error.Kind)
	require.NotNil(t, got.Error.ExitCode)
	assert.Equal(t, 3, *got.Error.ExitCode)
	assert.Equal(t, 1, runner.callsFor(rec.ID))
}

func TestRetriesExhausted(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, attempt int) (*models.ExecutionResult, error) {
		return nil, models.NewExecutionError(models.KindTransient, "store unavailable")
	})
	h := newHarness(t, runner, testConfig(), fastRetry(2))
	h.start(t)

	rec := h.submit(t, "doomed")
	got := h.waitTerminal(t, rec.ID)

	assert.Equal(t, models.StatusFailure, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.KindTransient, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "gave up after 2 retries")
	assert.Equal(t, 3, runner.callsFor(rec.ID))
}

func TestAtMostOneRunPerExecution(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, attempt int) (*models.ExecutionResult, error) {
		time.Sleep(5 * time.Millisecond)
		return okResult("batch"), nil
	})
	cfg := testConfig()
	cfg.Workers = 4
	h := newHarness(t, runner, cfg, fastRetry(3))
	h.start(t)

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, h.submit(t, fmt.Sprintf("batch_%d", i)).ID)
	}
	for _, id := range ids {
		got := h.waitTerminal(t, id)
		assert.Equal(t, models.StatusSuccess, got.Status)
		assert.Equal(t, 1, runner.callsFor(id), "execution %s ran more than once", id)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.False(t, runner.overlap)
	assert.LessOrEqual(t, runner.peak, cfg.Workers)
}

func TestCancelRunningExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := newFakeRunner(func(ctx context.Context, attempt int) (*models.ExecutionResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, models.WrapExecutionError(models.KindCancelled, context.Cause(ctx))
	})
	h := newHarness(t, runner, testConfig(), fastRetry(3))
	h.start(t)

	rec := h.submit(t, "sleeper")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("script never started")
	}

	after, err := h.sup.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, after.CancelRequested)

	got := h.waitTerminal(t, rec.ID)
	assert.Equal(t, models.StatusFailure, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.KindCancelled, got.Error.Kind)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, runner.callsFor(rec.ID))
}

func TestCancelPendingExecution(t *testing.T) {
	runner := newFakeRunner(nil)
	h := newHarness(t, runner, testConfig(), fastRetry(3))

	rec := h.submit(t, "never")
	after, err := h.sup.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, after.Status)
	assert.Equal(t, models.KindCancelled, after.Error.Kind)

	h.start(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner.callsFor(rec.ID))
}

func TestCancelUnknownExecution(t *testing.T) {
	h := newHarness(t, newFakeRunner(nil), testConfig(), fastRetry(3))
	_, err := h.sup.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestWatchdogRecoversLostWorker(t *testing.T) {
	runner := newFakeRunner(nil)
	h := newHarness(t, runner, testConfig(), fastRetry(3))

	// A worker from a previous daemon claimed and started the run, then died.
	rec := h.submit(t, "orphan")
	claim, err := h.store.ClaimNextExecution("ghost", 1)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, h.lc.MarkStarted(context.Background(), rec.ID))

	h.start(t)
	got := h.waitTerminal(t, rec.ID)

	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, runner.callsFor(rec.ID))

	entries, err := h.store.ListPDR(rec.ID, 0)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionReap)
}

func TestWatchdogFailsWhenRetriesSpent(t *testing.T) {
	h := newHarness(t, newFakeRunner(nil), testConfig(), fastRetry(0))

	rec := h.submit(t, "orphan")
	claim, err := h.store.ClaimNextExecution("ghost", 1)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, h.lc.MarkStarted(context.Background(), rec.ID))

	h.start(t)
	got := h.waitTerminal(t, rec.ID)

	assert.Equal(t, models.StatusFailure, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.KindTransient, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "worker lost")
}

func TestWorkerRecycling(t *testing.T) {
	runner := newFakeRunner(nil)
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxJobsPerWorker = 1
	h := newHarness(t, runner, cfg, fastRetry(3))
	h.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.submit(t, fmt.Sprintf("job_%d", i)).ID)
	}
	for _, id := range ids {
		assert.Equal(t, models.StatusSuccess, h.waitTerminal(t, id).Status)
	}

	require.Eventually(t, func() bool {
		stats := h.sup.GetStats()
		return stats["workers_recycled"].(int) == 3 && stats["jobs_completed"].(int) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopRequeuesRunningExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := newFakeRunner(func(ctx context.Context, attempt int) (*models.ExecutionResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, models.WrapExecutionError(models.KindCancelled, context.Cause(ctx))
	})
	h := newHarness(t, runner, testConfig(), fastRetry(3))
	require.NoError(t, h.sup.Start(context.Background()))

	rec := h.submit(t, "long")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("script never started")
	}
	require.NoError(t, h.sup.Stop())

	got, err := h.store.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, got.Status)
	assert.Equal(t, 0, got.RetryCount, "shutdown does not spend a retry")
	assert.Empty(t, got.ClaimedBy)
}

func TestParentCancelRequeuesRunningExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := newFakeRunner(func(ctx context.Context, attempt int) (*models.ExecutionResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, models.WrapExecutionError(models.KindCancelled, context.Cause(ctx))
	})
	h := newHarness(t, runner, testConfig(), fastRetry(3))
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()
	require.NoError(t, h.sup.Start(parent))

	rec := h.submit(t, "long")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("script never started")
	}
	// A signal context is cancelled before Stop is reached.
	cancelParent()
	require.NoError(t, h.sup.Stop())

	got, err := h.store.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	if got.Error != nil {
		assert.NotEqual(t, models.KindCancelled, got.Error.Kind)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 0
	h := newHarness(t, newFakeRunner(nil), cfg, fastRetry(3))
	err := h.sup.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers must be positive")
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, newFakeRunner(nil), testConfig(), fastRetry(3))
	assert.True(t, errors.Is(h.sup.Stop(), ErrNotStarted))
}

func TestGetStatsReportsQueue(t *testing.T) {
	h := newHarness(t, newFakeRunner(nil), testConfig(), fastRetry(3))
	h.submit(t, "a")
	h.submit(t, "b")

	stats := h.sup.GetStats()
	assert.Equal(t, "fake", stats["runner"])
	assert.Equal(t, 0, stats["busy_workers"])
	queue := stats["queue"].(map[models.ExecutionStatus]int)
	assert.Equal(t, 2, queue[models.StatusPending])
}
