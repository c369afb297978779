package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/xjson"
	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a conditional status update finds
// the record outside the allowed source states.
var ErrInvalidTransition = errors.New("execution not in an allowed state for this transition")

// ErrExecutionNotFound is returned when an update targets an unknown execution.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrLeaseLost is returned when renewing a lease that expired or was reaped.
var ErrLeaseLost = errors.New("lease lost")

// --- Execution Operations ---

const executionColumns = `id, task_handle, script_id, script_name, script_path, script_kind, parameters,
	caller_id, context_tag, status, result, error, retry_count, cancel_requested, claimed_by,
	next_attempt_at, created_at, updated_at, started_at, completed_at, duration_seconds, memory_delta_mb`

func scanExecution(row interface{ Scan(...any) error }) (*models.ExecutionRecord, error) {
	rec := &models.ExecutionRecord{}
	var (
		scriptID                        sql.NullInt64
		params, result, execErr, holder sql.NullString
		startedAt, completedAt          sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.TaskHandle, &scriptID, &rec.Script.Name, &rec.Script.Path, &rec.Script.Kind, &params,
		&rec.CallerID, &rec.ContextTag, &rec.Status, &result, &execErr, &rec.RetryCount, &rec.CancelRequested, &holder,
		&rec.NextAttemptAt, &rec.CreatedAt, &rec.UpdatedAt, &startedAt, &completedAt, &rec.DurationSeconds, &rec.MemoryDeltaMB,
	)
	if err != nil {
		return nil, err
	}
	rec.Script.ID = scriptID.Int64
	rec.Script.Active = true
	rec.ClaimedBy = holder.String
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if params.Valid && params.String != "" {
		if err := xjson.UnmarshalNumbers([]byte(params.String), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if rec.Parameters == nil {
		rec.Parameters = map[string]any{}
	}
	if result.Valid && result.String != "" {
		rec.Result = &models.ExecutionResult{}
		if err := xjson.Unmarshal([]byte(result.String), rec.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if execErr.Valid && execErr.String != "" {
		rec.Error = &models.ExecutionError{}
		if err := xjson.Unmarshal([]byte(execErr.String), rec.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	return rec, nil
}

// CreateExecution inserts a PENDING execution record. ID and handle are
// assigned when empty.
func (s *Store) CreateExecution(req models.ExecutionRequest, handle string) (*models.ExecutionRecord, error) {
	now := s.now()
	if handle == "" {
		handle = uuid.New().String()
	}
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	rec := &models.ExecutionRecord{
		ID:            uuid.New().String(),
		TaskHandle:    handle,
		Script:        req.Script,
		Parameters:    params,
		CallerID:      req.CallerID,
		ContextTag:    req.ContextTag,
		Status:        models.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	blob, err := xjson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	var scriptID any
	if req.Script.ID != 0 {
		scriptID = req.Script.ID
	}

	_, err = s.db.Exec(
		`INSERT INTO executions (id, task_handle, script_id, script_name, script_path, script_kind, parameters,
		   caller_id, context_tag, status, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskHandle, scriptID, rec.Script.Name, rec.Script.Path, rec.Script.Kind, string(blob),
		rec.CallerID, rec.ContextTag, rec.Status, rec.NextAttemptAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return rec, nil
}

// GetExecution retrieves an execution by ID. It returns nil, nil when absent.
func (s *Store) GetExecution(id string) (*models.ExecutionRecord, error) {
	rec, err := scanExecution(s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return rec, nil
}

// GetExecutionByHandle retrieves an execution by its task handle.
func (s *Store) GetExecutionByHandle(handle string) (*models.ExecutionRecord, error) {
	rec, err := scanExecution(s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE task_handle = ?`, handle))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return rec, nil
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	Status     models.ExecutionStatus
	ScriptName string
	CallerID   string
	Limit      int
}

// ListExecutions returns executions, newest first.
func (s *Store) ListExecutions(f ExecutionFilter) ([]models.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var conds []string
	var args []any

	if f.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, f.Status)
	}
	if f.ScriptName != "" {
		conds = append(conds, `script_name = ?`)
		args = append(args, f.ScriptName)
	}
	if f.CallerID != "" {
		conds = append(conds, `caller_id = ?`)
		args = append(args, f.CallerID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var recs []models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// ExecutionUpdate describes a status transition and the fields written with
// it. Nil fields are left untouched.
type ExecutionUpdate struct {
	Status          models.ExecutionStatus
	Result          *models.ExecutionResult
	Error           *models.ExecutionError
	ClearError      bool
	RetryCount      *int
	NextAttemptAt   *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	MemoryDeltaMB   *float64
}

// TransitionExecution applies u only if the record is currently in one of
// from. The check and write happen in one statement, so a record that has
// already reached a terminal state can never be overwritten.
func (s *Store) TransitionExecution(id string, from []models.ExecutionStatus, u ExecutionUpdate) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no source states", u.Status)
	}

	sets := []string{`status = ?`, `updated_at = ?`}
	args := []any{u.Status, s.now()}

	if u.Result != nil {
		blob, err := xjson.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, `result = ?`)
		args = append(args, string(blob))
	}
	if u.Error != nil {
		blob, err := xjson.Marshal(u.Error)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		sets = append(sets, `error = ?`)
		args = append(args, string(blob))
	} else if u.ClearError {
		sets = append(sets, `error = NULL`)
	}
	if u.RetryCount != nil {
		sets = append(sets, `retry_count = ?`)
		args = append(args, *u.RetryCount)
	}
	if u.NextAttemptAt != nil {
		sets = append(sets, `next_attempt_at = ?`)
		args = append(args, u.NextAttemptAt.UTC())
	}
	if u.StartedAt != nil {
		sets = append(sets, `started_at = ?`)
		args = append(args, u.StartedAt.UTC())
	}
	if u.CompletedAt != nil {
		sets = append(sets, `completed_at = ?`)
		args = append(args, u.CompletedAt.UTC())
	}
	if u.DurationSeconds != nil {
		sets = append(sets, `duration_seconds = ?`)
		args = append(args, *u.DurationSeconds)
	}
	if u.MemoryDeltaMB != nil {
		sets = append(sets, `memory_delta_mb = ?`)
		args = append(args, *u.MemoryDeltaMB)
	}

	placeholders := make([]string, len(from))
	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := `UPDATE executions SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var status string
		err := s.db.QueryRow(`SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrExecutionNotFound
		}
		if err != nil {
			return fmt.Errorf("query execution status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, u.Status)
	}
	return nil
}

// RequestCancel flags a non-terminal execution for cancellation. It returns
// false if the record is already terminal.
func (s *Store) RequestCancel(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE executions SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		s.now(), id, models.StatusSuccess, models.StatusFailure,
	)
	if err != nil {
		return false, fmt.Errorf("flag cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimResult holds the result of an atomic claim operation.
type ClaimResult struct {
	Execution *models.ExecutionRecord
	Lease     *models.Lease
}

// ClaimNextExecution atomically picks the oldest runnable execution, marks it
// claimed by holderID and creates a lease for it. It returns nil, nil when
// nothing is runnable. Runnable means PENDING or RETRYING, due and unclaimed.
// Records flagged for cancellation are claimed too; the claimant finalizes
// them without running anything.
func (s *Store) ClaimNextExecution(holderID string, ttlSec int) (*ClaimResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	rec, err := scanExecution(tx.QueryRow(
		`SELECT `+executionColumns+` FROM executions
		 WHERE status IN (?, ?) AND claimed_by IS NULL AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, created_at LIMIT 1`,
		models.StatusPending, models.StatusRetrying, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query runnable execution: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE executions SET claimed_by = ?, updated_at = ? WHERE id = ? AND claimed_by IS NULL AND status IN (?, ?)`,
		holderID, now, rec.ID, models.StatusPending, models.StatusRetrying,
	)
	if err != nil {
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	// Stale leases from a previous holder are replaced.
	if _, err := tx.Exec(`DELETE FROM leases WHERE execution_id = ?`, rec.ID); err != nil {
		return nil, fmt.Errorf("clear stale leases: %w", err)
	}

	lease := &models.Lease{
		ID:          uuid.New().String(),
		ExecutionID: rec.ID,
		HolderID:    holderID,
		TTLSec:      ttlSec,
		ExpiresAt:   now.Add(time.Duration(ttlSec) * time.Second),
		CreatedAt:   now,
	}
	_, err = tx.Exec(
		`INSERT INTO leases (id, execution_id, holder_id, ttl_sec, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		lease.ID, lease.ExecutionID, lease.HolderID, lease.TTLSec, lease.ExpiresAt, lease.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	rec.ClaimedBy = holderID
	rec.UpdatedAt = now
	return &ClaimResult{Execution: rec, Lease: lease}, nil
}

// ReleaseExecution drops holderID's claim and leases on an execution so it
// can be claimed again (or left alone if terminal).
func (s *Store) ReleaseExecution(id, holderID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE executions SET claimed_by = NULL, updated_at = ? WHERE id = ? AND claimed_by = ?`,
		s.now(), id, holderID,
	); err != nil {
		return fmt.Errorf("release execution: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM leases WHERE execution_id = ? AND holder_id = ?`, id, holderID); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return tx.Commit()
}

// CountByStatus returns the number of executions in each status.
func (s *Store) CountByStatus() (map[models.ExecutionStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ExecutionStatus]int)
	for rows.Next() {
		var st models.ExecutionStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// --- Lease Operations ---

// GetActiveLease returns the unexpired lease for an execution, if any.
func (s *Store) GetActiveLease(executionID string) (*models.Lease, error) {
	lease := &models.Lease{}
	err := s.db.QueryRow(
		`SELECT id, execution_id, holder_id, ttl_sec, expires_at, created_at FROM leases
		 WHERE execution_id = ? AND expires_at > ? ORDER BY created_at DESC LIMIT 1`,
		executionID, s.now(),
	).Scan(&lease.ID, &lease.ExecutionID, &lease.HolderID, &lease.TTLSec, &lease.ExpiresAt, &lease.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}
	return lease, nil
}

// RenewLease extends a lease (heartbeat). It returns ErrLeaseLost if the
// lease already expired or was removed by the watchdog.
func (s *Store) RenewLease(leaseID string, ttlSec int) error {
	now := s.now()
	res, err := s.db.Exec(
		`UPDATE leases SET expires_at = ? WHERE id = ? AND expires_at > ?`,
		now.Add(time.Duration(ttlSec)*time.Second), leaseID, now,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeleteLease removes a lease.
func (s *Store) DeleteLease(leaseID string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE id = ?`, leaseID)
	return err
}

// ListExpiredLeases returns leases whose expiry has passed.
func (s *Store) ListExpiredLeases() ([]models.Lease, error) {
	rows, err := s.db.Query(
		`SELECT id, execution_id, holder_id, ttl_sec, expires_at, created_at FROM leases WHERE expires_at <= ? ORDER BY expires_at`,
		s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var leases []models.Lease
	for rows.Next() {
		var l models.Lease
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.HolderID, &l.TTLSec, &l.ExpiresAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}
