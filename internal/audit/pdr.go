// Package audit provides PDR (Process Decision Record) writing for scriptd.
// Every state-changing decision on an execution or on the script registry
// leaves one row behind.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/store"
	"github.com/fentz26/scriptd/internal/xjson"
)

// Actions recorded by scriptd.
const (
	ActionSubmit    = "execution.submit"
	ActionStart     = "execution.start"
	ActionRetry     = "execution.retry"
	ActionComplete  = "execution.complete"
	ActionFail      = "execution.fail"
	ActionCancel    = "execution.cancel"
	ActionReap      = "execution.reap"
	ActionRegister  = "script.register"
	ActionSetActive = "script.set_active"
	ActionImport    = "script.import"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store  *store.Store
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s *store.Store, logger *slog.Logger) *PDRWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDRWriter{store: s, logger: logger.With("component", "audit")}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs any, outcome, executionID, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(action, hashInputs(inputs), outcome, executionID, details)
}

// Note records an entry and logs instead of returning a write failure. The
// audit trail never blocks a lifecycle transition.
func (w *PDRWriter) Note(action string, inputs any, outcome, executionID, details string) {
	if w == nil {
		return
	}
	if _, err := w.Record(action, inputs, outcome, executionID, details); err != nil {
		w.logger.Warn("pdr write failed", "action", action, "execution_id", executionID, "error", err)
	}
}

// List returns recorded entries for an execution, or all when id is empty.
func (w *PDRWriter) List(executionID string, limit int) ([]models.PDREntry, error) {
	return w.store.ListPDR(executionID, limit)
}

func hashInputs(inputs any) string {
	data, err := xjson.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
