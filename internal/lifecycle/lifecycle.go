// Package lifecycle owns execution state. Every status change goes through
// Manager, which checks it against the transition table and persists it as a
// conditional update so terminal states stay terminal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/scriptd/internal/audit"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/monitor"
	"github.com/fentz26/scriptd/internal/store"
)

var (
	// ErrNotFound is returned for unknown execution ids or handles.
	ErrNotFound = errors.New("execution not found")
	// ErrInvalidTransition is returned when a transition is not allowed from
	// the record's current state.
	ErrInvalidTransition = store.ErrInvalidTransition
)

// sources lists, for each target state, the states it may be entered from.
var sources = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.StatusStarted:  {models.StatusPending, models.StatusRetrying},
	models.StatusRetrying: {models.StatusStarted},
	models.StatusSuccess:  {models.StatusStarted},
	models.StatusFailure:  {models.StatusStarted},
}

// Records that never started can only fail by cancellation or by the
// watchdog giving up on them.
var failureBeforeStart = []models.ExecutionStatus{models.StatusPending, models.StatusRetrying}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.ExecutionStatus) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	if to == models.StatusFailure {
		for _, s := range failureBeforeStart {
			if s == from {
				return true
			}
		}
	}
	return false
}

// Manager is the single writer of execution status.
type Manager struct {
	store  *store.Store
	pdr    *audit.PDRWriter
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Manager.
func New(s *store.Store, pdr *audit.PDRWriter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		pdr:    pdr,
		logger: logger.With("component", "lifecycle"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new PENDING record for req.
func (m *Manager) Create(ctx context.Context, req models.ExecutionRequest, handle string) (*models.ExecutionRecord, error) {
	rec, err := m.store.CreateExecution(req, handle)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	m.logger.InfoContext(ctx, "execution created",
		"execution_id", rec.ID, "task_handle", rec.TaskHandle, "script", rec.Script.Name, "caller", rec.CallerID)
	m.pdr.Note(audit.ActionSubmit, req, "accepted", rec.ID, rec.Script.Name)
	return rec, nil
}

// MarkStarted moves a claimed record to STARTED.
func (m *Manager) MarkStarted(ctx context.Context, id string) error {
	now := m.now()
	err := m.store.TransitionExecution(id, sources[models.StatusStarted], store.ExecutionUpdate{
		Status:    models.StatusStarted,
		StartedAt: &now,
	})
	if err != nil {
		return m.transitionErr(id, models.StatusStarted, err)
	}
	m.logger.InfoContext(ctx, "execution started", "execution_id", id, "status", models.StatusStarted)
	m.pdr.Note(audit.ActionStart, id, string(models.StatusStarted), id, "")
	return nil
}

// MarkRetrying puts a STARTED record back in the queue, due at next.
func (m *Manager) MarkRetrying(ctx context.Context, id string, cause error, retryCount int, next time.Time) error {
	return m.markRetrying(ctx, id, cause, retryCount, next, audit.ActionRetry)
}

// Requeue returns a STARTED record whose worker was lost to the queue.
func (m *Manager) Requeue(ctx context.Context, id string, cause error, retryCount int, next time.Time) error {
	return m.markRetrying(ctx, id, cause, retryCount, next, audit.ActionReap)
}

func (m *Manager) markRetrying(ctx context.Context, id string, cause error, retryCount int, next time.Time, action string) error {
	err := m.store.TransitionExecution(id, sources[models.StatusRetrying], store.ExecutionUpdate{
		Status:        models.StatusRetrying,
		Error:         models.AsExecutionError(cause),
		RetryCount:    &retryCount,
		NextAttemptAt: &next,
	})
	if err != nil {
		return m.transitionErr(id, models.StatusRetrying, err)
	}
	m.logger.WarnContext(ctx, "execution will retry",
		"execution_id", id, "status", models.StatusRetrying, "attempt", retryCount, "next_attempt_at", next, "cause", cause)
	m.pdr.Note(action, cause.Error(), string(models.StatusRetrying), id, fmt.Sprintf("retry %d at %s", retryCount, next.Format(time.RFC3339)))
	return nil
}

// MarkSuccess records the result of a finished run.
func (m *Manager) MarkSuccess(ctx context.Context, id string, res *models.ExecutionResult, sample monitor.Sample) error {
	now := m.now()
	err := m.store.TransitionExecution(id, sources[models.StatusSuccess], store.ExecutionUpdate{
		Status:          models.StatusSuccess,
		Result:          res,
		ClearError:      true,
		CompletedAt:     &now,
		DurationSeconds: &sample.DurationSeconds,
		MemoryDeltaMB:   &sample.MemoryDeltaMB,
	})
	if err != nil {
		return m.transitionErr(id, models.StatusSuccess, err)
	}
	m.logger.InfoContext(ctx, "execution succeeded",
		"execution_id", id, "status", models.StatusSuccess, "duration_seconds", sample.DurationSeconds)
	m.pdr.Note(audit.ActionComplete, res, string(models.StatusSuccess), id, "")
	return nil
}

// MarkFailure records a terminal failure of a running execution.
func (m *Manager) MarkFailure(ctx context.Context, id string, execErr *models.ExecutionError, sample monitor.Sample) error {
	return m.fail(ctx, id, sources[models.StatusFailure], execErr, &sample)
}

// FailUnstarted records a terminal failure of a record that never reached
// STARTED, such as a cancelled or abandoned queue entry.
func (m *Manager) FailUnstarted(ctx context.Context, id string, execErr *models.ExecutionError) error {
	return m.fail(ctx, id, failureBeforeStart, execErr, nil)
}

func (m *Manager) fail(ctx context.Context, id string, from []models.ExecutionStatus, execErr *models.ExecutionError, sample *monitor.Sample) error {
	now := m.now()
	u := store.ExecutionUpdate{
		Status:      models.StatusFailure,
		Error:       execErr,
		CompletedAt: &now,
	}
	if sample != nil {
		u.DurationSeconds = &sample.DurationSeconds
		u.MemoryDeltaMB = &sample.MemoryDeltaMB
	}
	if err := m.store.TransitionExecution(id, from, u); err != nil {
		return m.transitionErr(id, models.StatusFailure, err)
	}

	action := audit.ActionFail
	if execErr.Kind == models.KindCancelled {
		action = audit.ActionCancel
	}
	m.logger.WarnContext(ctx, "execution failed",
		"execution_id", id, "status", models.StatusFailure, "kind", execErr.Kind, "error", execErr.Message)
	m.pdr.Note(action, execErr, string(models.StatusFailure), id, string(execErr.Kind))
	return nil
}

// RequestCancel flags a record for cancellation. A record nobody has
// claimed yet fails immediately with kind Cancelled; a claimed or running
// record is left for its worker to finalize. It returns the record as it
// stands after the request.
func (m *Manager) RequestCancel(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	if _, err := m.store.RequestCancel(id); err != nil {
		return nil, err
	}

	if rec.ClaimedBy == "" && (rec.Status == models.StatusPending || rec.Status == models.StatusRetrying) {
		err := m.FailUnstarted(ctx, id, models.NewExecutionError(models.KindCancelled, "cancelled before start"))
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
	} else {
		m.logger.InfoContext(ctx, "cancel requested", "execution_id", id, "status", rec.Status, "claimed_by", rec.ClaimedBy)
	}
	return m.Get(ctx, id)
}

// Get returns a record by execution id.
func (m *Manager) Get(_ context.Context, id string) (*models.ExecutionRecord, error) {
	rec, err := m.store.GetExecution(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Status returns the polling view, looked up by handle or by id. When both
// are given the handle wins.
func (m *Manager) Status(ctx context.Context, handle, id string) (*models.StatusView, error) {
	var (
		rec *models.ExecutionRecord
		err error
	)
	switch {
	case handle != "":
		rec, err = m.store.GetExecutionByHandle(handle)
		if err == nil && rec == nil {
			err = fmt.Errorf("%w: handle %s", ErrNotFound, handle)
		}
	case id != "":
		rec, err = m.Get(ctx, id)
	default:
		err = fmt.Errorf("%w: no handle or id given", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec.View(), nil
}

// List returns records matching f.
func (m *Manager) List(_ context.Context, f store.ExecutionFilter) ([]models.ExecutionRecord, error) {
	return m.store.ListExecutions(f)
}

func (m *Manager) transitionErr(id string, to models.ExecutionStatus, err error) error {
	if errors.Is(err, store.ErrExecutionNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		m.logger.Debug("transition rejected", "execution_id", id, "to", to, "error", err)
	}
	return fmt.Errorf("mark %s: %w", to, err)
}
