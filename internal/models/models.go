// Package models defines the core domain types for scriptd.
package models

import (
	"time"

	"github.com/fentz26/scriptd/internal/xjson"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending  ExecutionStatus = "PENDING"
	StatusStarted  ExecutionStatus = "STARTED"
	StatusRetrying ExecutionStatus = "RETRYING"
	StatusSuccess  ExecutionStatus = "SUCCESS"
	StatusFailure  ExecutionStatus = "FAILURE"
)

// Terminal reports whether no further transition can follow s.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusRetrying, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// ScriptRef is the caller's reference to a script. Exactly one resolution
// path applies: ID, then Name+Path, then Name alone, then Path alone.
type ScriptRef struct {
	ID   int64  `json:"script_id,omitempty"`
	Name string `json:"script_name,omitempty"`
	Path string `json:"script_path,omitempty"`
}

// Empty reports whether the reference carries nothing to resolve.
func (r ScriptRef) Empty() bool {
	return r.ID == 0 && r.Name == "" && r.Path == ""
}

// ScriptIdentity is a runnable unit registered in the script registry.
type ScriptIdentity struct {
	ID          int64            `json:"id,omitempty"`
	Name        string           `json:"name"`
	Path        string           `json:"path"`
	Kind        string           `json:"kind"`
	Description string           `json:"description,omitempty"`
	Active      bool             `json:"active"`
	Parameters  xjson.RawMessage `json:"parameters,omitempty"` // parameter schema, JSON list of field descriptors
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ExecutionRequest is the intent to run a resolved script.
type ExecutionRequest struct {
	Script     ScriptIdentity `json:"script"`
	Parameters map[string]any `json:"parameters"`
	CallerID   string         `json:"caller_id"`
	ContextTag string         `json:"context_tag"`
}

// ExecutionRecord is the pollable lifecycle state of one run.
type ExecutionRecord struct {
	ID              string           `json:"execution_id"`
	TaskHandle      string           `json:"task_handle"`
	Script          ScriptIdentity   `json:"script"`
	Parameters      map[string]any   `json:"parameters"`
	CallerID        string           `json:"caller_id"`
	ContextTag      string           `json:"context_tag"`
	Status          ExecutionStatus  `json:"status"`
	Result          *ExecutionResult `json:"result"`
	Error           *ExecutionError  `json:"error"`
	RetryCount      int              `json:"retry_count"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	ClaimedBy       string           `json:"claimed_by,omitempty"`
	NextAttemptAt   time.Time        `json:"next_attempt_at"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	MemoryDeltaMB   float64          `json:"memory_delta_mb"`
}

// ResultSchemaVersion is stamped into every normalized result.
const ResultSchemaVersion = "1.0"

// ExecutionResult is the normalized success payload of a run.
type ExecutionResult struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data"`
	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata describes where and when a result was produced.
type ResultMetadata struct {
	ScriptName         string  `json:"script_name"`
	ExecutionTimestamp string  `json:"execution_timestamp"`
	Duration           float64 `json:"duration"`
	SchemaVersion      string  `json:"schema_version"`
}

// StatusView is what pollers see for an execution.
type StatusView struct {
	ExecutionID     string           `json:"execution_id"`
	TaskHandle      string           `json:"task_handle"`
	Status          ExecutionStatus  `json:"status"`
	Ready           bool             `json:"ready"`
	Success         *bool            `json:"success"`
	Result          *ExecutionResult `json:"result"`
	Error           *string          `json:"error"`
	ErrorKind       ErrorKind        `json:"error_kind,omitempty"`
	RetryCount      int              `json:"retry_count"`
	DurationSeconds float64          `json:"duration_seconds"`
	MemoryDeltaMB   float64          `json:"memory_delta_mb"`
}

// View projects a record into its polling view.
func (r *ExecutionRecord) View() *StatusView {
	v := &StatusView{
		ExecutionID:     r.ID,
		TaskHandle:      r.TaskHandle,
		Status:          r.Status,
		Ready:           r.Status.Terminal(),
		RetryCount:      r.RetryCount,
		DurationSeconds: r.DurationSeconds,
		MemoryDeltaMB:   r.MemoryDeltaMB,
	}
	if v.Ready {
		ok := r.Status == StatusSuccess
		v.Success = &ok
	}
	if r.Status == StatusSuccess {
		v.Result = r.Result
	}
	if r.Error != nil && r.Status != StatusSuccess {
		msg := r.Error.Summary()
		v.Error = &msg
		v.ErrorKind = r.Error.Kind
	}
	return v
}

// Lease represents a worker's temporary claim on an execution.
type Lease struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	HolderID    string    `json:"holder_id"`
	TTLSec      int       `json:"ttl_sec"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	InputsHash  string    `json:"inputs_hash"`
	Outcome     string    `json:"outcome"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Details     string    `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
