package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/fentz26/scriptd/internal/lifecycle"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/monitor"
	"github.com/fentz26/scriptd/internal/store"
)

// Causes attached to a run's context when it is cut short.
var (
	errCancelRequested = errors.New("cancelled by request")
	errLeaseLost       = errors.New("lease lost")
	errShutdown        = errors.New("scheduler shutting down")
)

// ErrNotStarted is returned by Stop when Start was never called.
var ErrNotStarted = errors.New("scheduler not started")

type inflight struct {
	workerID string
	cancel   context.CancelCauseFunc
}

// Supervisor owns the worker pool.
type Supervisor struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	runner    connectors.Runner
	monitor   *monitor.Monitor
	config    *Config
	retry     RetryPolicy
	logger    *slog.Logger
	now       func() time.Time

	// Worker pool state
	mu        sync.Mutex
	running   map[string]*inflight
	busy      int
	completed int
	recycled  int

	wake chan struct{}

	// Control
	ctx        context.Context
	cancel     context.CancelCauseFunc
	stopParent func() bool
	group  *errgroup.Group
	cron   gocron.Scheduler
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Supervisor) { s.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMonitor sets the resource monitor.
func WithMonitor(m *monitor.Monitor) Option {
	return func(s *Supervisor) { s.monitor = m }
}

// New creates a new Supervisor.
func New(s *store.Store, lc *lifecycle.Manager, runner connectors.Runner, cfg *Config, opts ...Option) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	sup := &Supervisor{
		store:     s,
		lifecycle: lc,
		runner:    runner,
		config:    cfg,
		retry:     DefaultRetryPolicy(),
		running:   make(map[string]*inflight),
		wake:      make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(sup)
	}
	if sup.logger == nil {
		sup.logger = slog.Default()
	}
	sup.logger = sup.logger.With("component", "scheduler")
	if sup.monitor == nil {
		sup.monitor = monitor.New(sup.logger)
	}
	return sup
}

// Submit queues req and returns its PENDING record. It never waits for a
// worker.
func (sup *Supervisor) Submit(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionRecord, error) {
	rec, err := sup.lifecycle.Create(ctx, req, uuid.New().String())
	if err != nil {
		return nil, err
	}
	select {
	case sup.wake <- struct{}{}:
	default:
	}
	return rec, nil
}

// Cancel requests cancellation of an execution. Unclaimed records fail
// at once; a running child is killed and its record fails as Cancelled.
func (sup *Supervisor) Cancel(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	rec, err := sup.lifecycle.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	sup.mu.Lock()
	f, ok := sup.running[id]
	sup.mu.Unlock()
	if ok {
		f.cancel(errCancelRequested)
	}
	return rec, nil
}

// Start launches the workers and the lease watchdog.
func (sup *Supervisor) Start(ctx context.Context) error {
	if err := sup.config.Validate(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(sup.config.WatchdogInterval),
		gocron.NewTask(sup.reapExpiredLeases),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing watchdog job: %w", err)
	}

	// Cancelling ctx is a shutdown, not a user cancel: running executions
	// must see errShutdown as the cause so they are requeued.
	sup.ctx, sup.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	sup.stopParent = context.AfterFunc(ctx, func() { sup.cancel(errShutdown) })
	sup.group = new(errgroup.Group)
	sup.cron = cron

	cron.Start()
	for slot := 0; slot < sup.config.Workers; slot++ {
		sup.spawn(slot)
	}
	sup.logger.Info("scheduler started",
		"workers", sup.config.Workers,
		"max_jobs_per_worker", sup.config.MaxJobsPerWorker,
		"lease_ttl", sup.config.LeaseTTL,
	)
	return nil
}

// Stop kills running children, requeues their executions and waits for
// every worker to exit.
func (sup *Supervisor) Stop() error {
	if sup.cancel == nil {
		return ErrNotStarted
	}
	if err := sup.cron.Shutdown(); err != nil {
		sup.logger.Error("shutting down watchdog failed", "error", err)
	}
	sup.stopParent()
	sup.cancel(errShutdown)
	err := sup.group.Wait()
	sup.logger.Info("scheduler stopped")
	return err
}

func (sup *Supervisor) spawn(slot int) {
	sup.group.Go(func() error {
		sup.workerLoop(slot)
		return nil
	})
}

func (sup *Supervisor) workerLoop(slot int) {
	workerID := fmt.Sprintf("w%d-%s", slot, uuid.New().String()[:8])
	log := sup.logger.With("worker", workerID)
	log.Debug("worker started")

	ticker := time.NewTicker(sup.config.PollInterval)
	defer ticker.Stop()

	jobs := 0
	for {
		if sup.ctx.Err() != nil {
			return
		}

		claim, err := sup.store.ClaimNextExecution(workerID, sup.config.leaseSeconds())
		if err != nil {
			log.Error("claim failed", "error", err)
		}
		if claim == nil {
			select {
			case <-sup.ctx.Done():
				return
			case <-ticker.C:
			case <-sup.wake:
			}
			continue
		}

		sup.runJob(workerID, claim)
		jobs++

		if sup.config.MaxJobsPerWorker > 0 && jobs >= sup.config.MaxJobsPerWorker {
			log.Info("job budget reached, recycling worker", "jobs", jobs)
			sup.mu.Lock()
			sup.recycled++
			sup.mu.Unlock()
			if sup.ctx.Err() == nil {
				sup.spawn(slot)
			}
			return
		}
	}
}

func (sup *Supervisor) runJob(workerID string, claim *store.ClaimResult) {
	rec := claim.Execution
	log := sup.logger.With("worker", workerID, "execution_id", rec.ID, "script", rec.Script.Name)

	runCtx, cancel := context.WithCancelCause(sup.ctx)
	defer cancel(nil)
	// Bookkeeping writes outlive the run context.
	ctx := context.WithoutCancel(runCtx)

	sup.mu.Lock()
	sup.running[rec.ID] = &inflight{workerID: workerID, cancel: cancel}
	sup.busy++
	sup.mu.Unlock()

	defer func() {
		sup.mu.Lock()
		delete(sup.running, rec.ID)
		sup.busy--
		sup.completed++
		sup.mu.Unlock()
		if err := sup.store.ReleaseExecution(rec.ID, workerID); err != nil {
			log.Error("releasing execution failed", "error", err)
		}
	}()

	if rec.CancelRequested {
		if err := sup.lifecycle.FailUnstarted(ctx, rec.ID, models.NewExecutionError(models.KindCancelled, "cancelled before start")); err != nil {
			log.Warn("finalizing cancelled execution failed", "error", err)
		}
		return
	}

	if err := sup.lifecycle.MarkStarted(ctx, rec.ID); err != nil {
		log.Warn("could not start execution", "error", err)
		return
	}
	// A cancel may have landed between the claim and the start.
	if cur, err := sup.store.GetExecution(rec.ID); err == nil && cur != nil && cur.CancelRequested {
		cancel(errCancelRequested)
	}

	stopHeartbeat := sup.heartbeat(runCtx, cancel, claim.Lease, log)

	h := sup.monitor.Start()
	var (
		res    *models.ExecutionResult
		runErr error
	)
	if runCtx.Err() != nil {
		runErr = models.WrapExecutionError(models.KindCancelled, context.Cause(runCtx))
	} else {
		res, runErr = sup.runner.Run(runCtx, rec.Script, rec.Parameters, connectors.RunOptions{
			ExecutionID: rec.ID,
			ContextTag:  rec.ContextTag,
		})
	}
	sample := h.Stop()
	stopHeartbeat()

	sup.finish(ctx, rec, res, runErr, context.Cause(runCtx), sample, log)
}

// finish turns the outcome of one attempt into a transition.
func (sup *Supervisor) finish(ctx context.Context, rec *models.ExecutionRecord, res *models.ExecutionResult, runErr, cause error, sample monitor.Sample, log *slog.Logger) {
	cancelled := errors.Is(cause, errCancelRequested)

	if runErr == nil && !cancelled {
		if err := sup.lifecycle.MarkSuccess(ctx, rec.ID, res, sample); err != nil {
			log.Warn("recording success failed", "error", err)
		}
		return
	}

	execErr := models.AsExecutionError(runErr)
	switch {
	case cancelled:
		e := models.NewExecutionError(models.KindCancelled, "cancelled while running")
		if execErr != nil {
			e.Stdout, e.Stderr = execErr.Stdout, execErr.Stderr
		}
		execErr = e
	case errors.Is(cause, errShutdown):
		// Not the script's fault: back in the queue without spending a retry.
		if err := sup.lifecycle.Requeue(ctx, rec.ID, models.WrapExecutionError(models.KindTransient, cause), rec.RetryCount, sup.now()); err != nil {
			log.Warn("requeue on shutdown failed", "error", err)
		}
		return
	case errors.Is(cause, errLeaseLost):
		execErr = models.WrapExecutionError(models.KindTransient, cause)
	}

	if delay, ok := sup.retry.Next(execErr, rec.RetryCount); ok {
		if err := sup.lifecycle.MarkRetrying(ctx, rec.ID, execErr, rec.RetryCount+1, sup.now().Add(delay)); err != nil {
			log.Warn("scheduling retry failed", "error", err)
		}
		return
	}

	if execErr.Kind == models.KindTransient && rec.RetryCount > 0 {
		execErr.Message = fmt.Sprintf("%s (gave up after %d retries)", execErr.Message, rec.RetryCount)
	}
	if err := sup.lifecycle.MarkFailure(ctx, rec.ID, execErr, sample); err != nil {
		log.Warn("recording failure failed", "error", err)
	}
}

// heartbeat renews the lease every TTL/3 until the returned stop func is
// called. A lost lease or a cancel flag set in the store cuts the run short.
func (sup *Supervisor) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, lease *models.Lease, log *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sup.config.heartbeat())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if err := sup.store.RenewLease(lease.ID, sup.config.leaseSeconds()); err != nil {
				if errors.Is(err, store.ErrLeaseLost) {
					log.Warn("lease lost, abandoning run")
					cancel(errLeaseLost)
					return
				}
				log.Warn("lease renewal failed", "error", err)
			}
			if cur, err := sup.store.GetExecution(lease.ExecutionID); err == nil && cur != nil && cur.CancelRequested {
				cancel(errCancelRequested)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// reapExpiredLeases recovers executions whose worker stopped heartbeating.
// Leases held by a live local worker are left to that worker.
func (sup *Supervisor) reapExpiredLeases() {
	leases, err := sup.store.ListExpiredLeases()
	if err != nil {
		sup.logger.Error("listing expired leases failed", "error", err)
		return
	}
	ctx := context.Background()

	for _, l := range leases {
		sup.mu.Lock()
		f, local := sup.running[l.ExecutionID]
		sup.mu.Unlock()
		if local && f.workerID == l.HolderID {
			continue
		}

		log := sup.logger.With("execution_id", l.ExecutionID, "holder", l.HolderID)
		rec, err := sup.store.GetExecution(l.ExecutionID)
		if err != nil {
			log.Error("loading execution for expired lease failed", "error", err)
			continue
		}

		if rec != nil && rec.Status == models.StatusStarted {
			lost := models.NewExecutionError(models.KindTransient, "worker lost")
			if delay, ok := sup.retry.Next(lost, rec.RetryCount); ok {
				err = sup.lifecycle.Requeue(ctx, rec.ID, lost, rec.RetryCount+1, sup.now().Add(delay))
			} else {
				var sample monitor.Sample
				if rec.StartedAt != nil {
					sample.DurationSeconds = sup.now().Sub(*rec.StartedAt).Seconds()
				}
				lost.Message = fmt.Sprintf("worker lost (gave up after %d retries)", rec.RetryCount)
				err = sup.lifecycle.MarkFailure(ctx, rec.ID, lost, sample)
			}
			if err != nil {
				log.Warn("recovering lost execution failed", "error", err)
			} else {
				log.Warn("recovered execution from lost worker", "retry_count", rec.RetryCount)
			}
		}

		if err := sup.store.ReleaseExecution(l.ExecutionID, l.HolderID); err != nil {
			log.Error("releasing expired claim failed", "error", err)
		}
	}
}

// GetStats returns current scheduler statistics.
func (sup *Supervisor) GetStats() map[string]interface{} {
	sup.mu.Lock()
	running := make([]string, 0, len(sup.running))
	for id := range sup.running {
		running = append(running, id)
	}
	stats := map[string]interface{}{
		"workers":             sup.config.Workers,
		"busy_workers":        sup.busy,
		"running":             running,
		"jobs_completed":      sup.completed,
		"workers_recycled":    sup.recycled,
		"max_jobs_per_worker": sup.config.MaxJobsPerWorker,
		"runner":              sup.runner.Name(),
	}
	sup.mu.Unlock()

	if counts, err := sup.store.CountByStatus(); err == nil {
		stats["queue"] = counts
	}
	return stats
}
