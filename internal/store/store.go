// Package store provides SQLite-backed persistence for scriptd: the script
// registry, execution records that double as the durable job queue, worker
// leases and the decision audit log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrDuplicateScript is returned when registering a name that already exists.
var ErrDuplicateScript = errors.New("script name already registered")

// Store provides access to the scriptd SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// serializes claims, which is what keeps a job on one worker.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		parameters TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_handle TEXT NOT NULL UNIQUE,
		script_id INTEGER,
		script_name TEXT NOT NULL,
		script_path TEXT NOT NULL,
		script_kind TEXT NOT NULL DEFAULT '',
		parameters TEXT,
		caller_id TEXT NOT NULL DEFAULT '',
		context_tag TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		result TEXT,
		error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		next_attempt_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		duration_seconds REAL NOT NULL DEFAULT 0,
		memory_delta_mb REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (script_id) REFERENCES scripts(id)
	);

	CREATE TABLE IF NOT EXISTS leases (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		holder_id TEXT NOT NULL,
		ttl_sec INTEGER NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		execution_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_queue ON executions(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_leases_execution_id ON leases(execution_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_execution_id ON pdr(execution_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Script Operations ---

const scriptColumns = `id, name, path, kind, description, parameters, active, created_at, updated_at`

func scanScript(row interface{ Scan(...any) error }) (*models.ScriptIdentity, error) {
	sc := &models.ScriptIdentity{}
	var params sql.NullString
	err := row.Scan(&sc.ID, &sc.Name, &sc.Path, &sc.Kind, &sc.Description, &params, &sc.Active, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		sc.Parameters = []byte(params.String)
	}
	return sc, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// EnsureScript returns the registry entry for sc.Name, inserting sc if no
// entry exists yet. Existing entries are never modified, so concurrent
// callers converge on one row.
func (s *Store) EnsureScript(sc models.ScriptIdentity) (*models.ScriptIdentity, error) {
	now := s.now()
	_, err := s.db.Exec(
		`INSERT INTO scripts (name, path, kind, description, parameters, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?) ON CONFLICT(name) DO NOTHING`,
		sc.Name, sc.Path, sc.Kind, sc.Description, nullableJSON(sc.Parameters), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert script: %w", err)
	}
	got, err := s.GetScriptByName(sc.Name)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, fmt.Errorf("script %q vanished after insert", sc.Name)
	}
	return got, nil
}

// CreateScript registers a new script. It fails with ErrDuplicateScript if
// the name is taken.
func (s *Store) CreateScript(sc models.ScriptIdentity) (*models.ScriptIdentity, error) {
	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO scripts (name, path, kind, description, parameters, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		sc.Name, sc.Path, sc.Kind, sc.Description, nullableJSON(sc.Parameters), sc.Active, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert script: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateScript, sc.Name)
	}
	return s.GetScriptByName(sc.Name)
}

// UpsertScript creates or replaces the registry entry keyed by name.
func (s *Store) UpsertScript(sc models.ScriptIdentity) (*models.ScriptIdentity, error) {
	now := s.now()
	_, err := s.db.Exec(
		`INSERT INTO scripts (name, path, kind, description, parameters, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   path = excluded.path,
		   kind = excluded.kind,
		   description = excluded.description,
		   parameters = excluded.parameters,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		sc.Name, sc.Path, sc.Kind, sc.Description, nullableJSON(sc.Parameters), sc.Active, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert script: %w", err)
	}
	return s.GetScriptByName(sc.Name)
}

// GetScript retrieves a script by ID. It returns nil, nil when absent.
func (s *Store) GetScript(id int64) (*models.ScriptIdentity, error) {
	sc, err := scanScript(s.db.QueryRow(`SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query script: %w", err)
	}
	return sc, nil
}

// GetScriptByName retrieves a script by its unique name.
func (s *Store) GetScriptByName(name string) (*models.ScriptIdentity, error) {
	sc, err := scanScript(s.db.QueryRow(`SELECT `+scriptColumns+` FROM scripts WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query script: %w", err)
	}
	return sc, nil
}

// ListScripts returns registered scripts ordered by name.
func (s *Store) ListScripts(activeOnly bool) ([]models.ScriptIdentity, error) {
	query := `SELECT ` + scriptColumns + ` FROM scripts`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query scripts: %w", err)
	}
	defer rows.Close()

	var scripts []models.ScriptIdentity
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		scripts = append(scripts, *sc)
	}
	return scripts, rows.Err()
}

// SetScriptActive toggles whether a script may be resolved by ID.
func (s *Store) SetScriptActive(id int64, active bool) error {
	res, err := s.db.Exec(`UPDATE scripts SET active = ?, updated_at = ? WHERE id = ?`, active, s.now(), id)
	if err != nil {
		return fmt.Errorf("update script: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, executionID, details string) (*models.PDREntry, error) {
	entry := &models.PDREntry{
		ID:          uuid.New().String(),
		Action:      action,
		InputsHash:  inputsHash,
		Outcome:     outcome,
		ExecutionID: executionID,
		Details:     details,
		Timestamp:   s.now(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, execution_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.ExecutionID, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return entry, nil
}

// ListPDR returns audit entries, newest first. An empty executionID lists all.
func (s *Store) ListPDR(executionID string, limit int) ([]models.PDREntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, execution_id, details, timestamp FROM pdr`
	var args []any
	if executionID != "" {
		query += ` WHERE execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var execID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &execID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.ExecutionID = execID.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
