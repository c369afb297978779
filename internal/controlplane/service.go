// Package controlplane provides the HTTP API and service layer for scriptd.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fentz26/scriptd/internal/audit"
	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/fentz26/scriptd/internal/lifecycle"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/resolver"
	"github.com/fentz26/scriptd/internal/scheduler"
	"github.com/fentz26/scriptd/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	resolver  *resolver.Resolver
	lifecycle *lifecycle.Manager
	scheduler *scheduler.Supervisor
	runner    connectors.Runner
	pdr       *audit.PDRWriter
	logger    *slog.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, res *resolver.Resolver, lc *lifecycle.Manager, sup *scheduler.Supervisor, runner connectors.Runner, pdr *audit.PDRWriter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		resolver:  res,
		lifecycle: lc,
		scheduler: sup,
		runner:    runner,
		pdr:       pdr,
		logger:    logger.With("component", "controlplane"),
	}
}

// --- Execution Operations ---

// SubmitRequest is an inbound execution request.
type SubmitRequest struct {
	models.ScriptRef
	Parameters map[string]any `json:"parameters"`
	ContextTag string         `json:"context_tag"`
	CallerID   string         `json:"caller_id"`
}

// SubmitResponse acknowledges a queued execution.
type SubmitResponse struct {
	TaskHandle  string                 `json:"task_handle"`
	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	Script      string                 `json:"script_name"`
}

// SubmitExecution validates req and queues it. Unknown scripts, unsupported
// file types and bad parameters are rejected here and never produce a
// record; everything after that surfaces through polling.
func (s *Service) SubmitExecution(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	sc, err := s.resolver.Resolve(ctx, req.ScriptRef)
	if err != nil {
		return nil, err
	}
	if !s.runner.Supports(sc.Path) {
		return nil, fmt.Errorf("%w: %q", connectors.ErrUnsupportedType, filepath.Ext(sc.Path))
	}

	schema, err := resolver.Schema(sc)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", sc.Name, err)
	}
	p, err := schema.Apply(req.Parameters)
	if err != nil {
		return nil, err
	}
	if _, err := params.Encode(p); err != nil {
		return nil, err
	}

	rec, err := s.scheduler.Submit(ctx, models.ExecutionRequest{
		Script:     *sc,
		Parameters: p,
		CallerID:   req.CallerID,
		ContextTag: req.ContextTag,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{
		TaskHandle:  rec.TaskHandle,
		ExecutionID: rec.ID,
		Status:      rec.Status,
		Script:      rec.Script.Name,
	}, nil
}

// GetStatus returns the polling view by task handle or execution id.
func (s *Service) GetStatus(ctx context.Context, handle, id string) (*models.StatusView, error) {
	return s.lifecycle.Status(ctx, handle, id)
}

// GetExecution returns the full record.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	return s.lifecycle.Get(ctx, id)
}

// CancelExecution requests cancellation and returns the record's view as
// it stands afterwards. A running execution finishes asynchronously.
func (s *Service) CancelExecution(ctx context.Context, id string) (*models.StatusView, error) {
	rec, err := s.scheduler.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.View(), nil
}

// ListExecutions returns filtered executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]models.ExecutionRecord, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, f.Status)
	}
	return s.lifecycle.List(ctx, f)
}

// ExecutionAudit returns the decision records of one execution.
func (s *Service) ExecutionAudit(ctx context.Context, id string) ([]models.PDREntry, error) {
	if _, err := s.lifecycle.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.pdr.List(id, 0)
}

// --- Script Operations ---

// ScriptDetail is a registry entry with its decoded parameter schema.
type ScriptDetail struct {
	models.ScriptIdentity
	Schema params.Schema `json:"schema"`
}

// RegisterScript creates or replaces a registry entry.
func (s *Service) RegisterScript(ctx context.Context, sc models.ScriptIdentity) (*models.ScriptIdentity, error) {
	out, err := s.resolver.Register(ctx, sc)
	if err != nil {
		return nil, err
	}
	if !s.runner.Supports(out.Path) {
		s.logger.WarnContext(ctx, "registered script has no interpreter", "script", out.Name, "path", out.Path)
	}
	return out, nil
}

// ListScripts returns registry entries.
func (s *Service) ListScripts(ctx context.Context, activeOnly bool) ([]models.ScriptIdentity, error) {
	return s.resolver.List(ctx, activeOnly)
}

// GetScript returns a registry entry with its parameter schema.
func (s *Service) GetScript(ctx context.Context, id int64) (*ScriptDetail, error) {
	sc, err := s.resolver.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	schema, err := resolver.Schema(sc)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		schema = params.Schema{}
	}
	return &ScriptDetail{ScriptIdentity: *sc, Schema: schema}, nil
}

// SetScriptActive enables or disables a script.
func (s *Service) SetScriptActive(ctx context.Context, id int64, active bool) (*models.ScriptIdentity, error) {
	return s.resolver.SetActive(ctx, id, active)
}

// --- Daemon Operations ---

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Interpreters reports which interpreters the runner can find. Runners
// that cannot tell report nothing.
func (s *Service) Interpreters(ctx context.Context) []connectors.Interpreter {
	p, ok := s.runner.(connectors.Prober)
	if !ok {
		return []connectors.Interpreter{}
	}
	return p.Interpreters(ctx)
}

// WorkerStats reports the worker pool.
func (s *Service) WorkerStats() map[string]interface{} {
	return s.scheduler.GetStats()
}
