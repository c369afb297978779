// Package connectors defines the process runner interface for scriptd.
package connectors

import (
	"context"
	"errors"
	"time"

	"github.com/fentz26/scriptd/internal/models"
)

// ErrUnsupportedType is returned when no interpreter is configured for a
// script's file extension.
var ErrUnsupportedType = errors.New("unsupported script type")

// ExecResult holds the raw outcome of one child process.
type ExecResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	Killed   bool          `json:"killed"` // hard kill after the soft signal was ignored
}

// RunOptions carries per-run side-channel values.
type RunOptions struct {
	ExecutionID string
	ContextTag  string
}

// Runner launches scripts as isolated child processes.
type Runner interface {
	// Name returns the runner identifier.
	Name() string

	// Supports reports whether a script at path can be run.
	Supports(path string) bool

	// Run executes the script and returns its normalized result. Failures
	// are *models.ExecutionError values.
	Run(ctx context.Context, script models.ScriptIdentity, params map[string]any, opts RunOptions) (*models.ExecutionResult, error)
}

// Interpreter is one configured interpreter and whether it is installed.
type Interpreter struct {
	Extension string   `json:"extension"`
	Kind      string   `json:"kind,omitempty"`
	Command   []string `json:"command"`
	Path      string   `json:"path,omitempty"`
	Version   string   `json:"version,omitempty"`
	Available bool     `json:"available"`
}

// Prober is implemented by runners that can report which of their
// interpreters are installed.
type Prober interface {
	Interpreters(ctx context.Context) []Interpreter
}
