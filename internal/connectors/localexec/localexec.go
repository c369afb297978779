// Package localexec runs scripts as local child processes. Interpreters are
// chosen by file extension; anything without a configured interpreter is
// refused before a process is spawned.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
)

const (
	DefaultHardTimeout = 600 * time.Second
	DefaultSoftTimeout = 540 * time.Second

	// Output kept on an ExecutionError; the tail is what matters for a traceback.
	defaultMaxErrorOutput = 64 << 10

	waitDelay = 2 * time.Second
)

// DefaultInterpreters maps file extensions to the argv prefix that runs them.
var DefaultInterpreters = map[string][]string{
	".py": {"python3"},
	".sh": {"/bin/sh"},
	".js": {"node"},
	".rb": {"ruby"},
	".go": {"go", "run"},
}

var extKinds = map[string]string{
	".py": "python",
	".sh": "shell",
	".js": "node",
	".rb": "ruby",
	".go": "go",
}

// KindForPath names the script kind for a path's extension, or "" if unknown.
func KindForPath(path string) string {
	return extKinds[strings.ToLower(filepath.Ext(path))]
}

// ExtensionForKind returns the file extension of a script kind.
func ExtensionForKind(kind string) (string, bool) {
	for ext, k := range extKinds {
		if k == kind {
			return ext, true
		}
	}
	return "", false
}

// Option configures a LocalExec.
type Option func(*LocalExec)

// WithInterpreters replaces the extension to interpreter table.
func WithInterpreters(m map[string][]string) Option {
	return func(l *LocalExec) {
		l.interpreters = make(map[string][]string, len(m))
		for ext, argv := range m {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			l.interpreters[strings.ToLower(ext)] = append([]string(nil), argv...)
		}
	}
}

// WithTimeouts sets the soft (SIGTERM) and hard (SIGKILL) ceilings. A soft
// ceiling of zero or at/above the hard one disables the graceful step.
func WithTimeouts(soft, hard time.Duration) Option {
	return func(l *LocalExec) {
		l.softTimeout = soft
		l.hardTimeout = hard
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *LocalExec) { l.logger = logger }
}

// WithBaseEnv overrides the environment children inherit (os.Environ by default).
func WithBaseEnv(fn func() []string) Option {
	return func(l *LocalExec) { l.baseEnv = fn }
}

// LocalExec implements connectors.Runner for local child processes.
type LocalExec struct {
	interpreters map[string][]string
	softTimeout  time.Duration
	hardTimeout  time.Duration
	maxErrOutput int
	baseEnv      func() []string
	logger       *slog.Logger
	now          func() time.Time
}

var _ connectors.Runner = (*LocalExec)(nil)

// New creates a new LocalExec runner.
func New(opts ...Option) *LocalExec {
	l := &LocalExec{
		softTimeout:  DefaultSoftTimeout,
		hardTimeout:  DefaultHardTimeout,
		maxErrOutput: defaultMaxErrorOutput,
		baseEnv:      os.Environ,
		now:          time.Now,
	}
	WithInterpreters(DefaultInterpreters)(l)
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "localexec")
	if l.hardTimeout <= 0 {
		l.hardTimeout = DefaultHardTimeout
	}
	return l
}

// Name returns the runner identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// Supports reports whether an interpreter is configured for path.
func (l *LocalExec) Supports(path string) bool {
	_, ok := l.interpreters[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions lists the configured extensions.
func (l *LocalExec) Extensions() []string {
	exts := make([]string, 0, len(l.interpreters))
	for ext := range l.interpreters {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Command returns the full argv that runs the script at path.
func (l *LocalExec) Command(path string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	prefix, ok := l.interpreters[ext]
	if !ok || len(prefix) == 0 {
		if ext == "" {
			ext = "(none)"
		}
		return nil, fmt.Errorf("%w: extension %s", connectors.ErrUnsupportedType, ext)
	}
	argv := append([]string(nil), prefix...)
	return append(argv, path), nil
}

// Run executes a script and normalizes its output.
func (l *LocalExec) Run(ctx context.Context, script models.ScriptIdentity, p map[string]any, opts connectors.RunOptions) (*models.ExecutionResult, error) {
	argv, err := l.Command(script.Path)
	if err != nil {
		return nil, models.WrapExecutionError(models.KindUnsupportedType, err)
	}
	if _, err := os.Stat(script.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.NewExecutionError(models.KindNotFound, "script file %s does not exist", script.Path)
		}
		return nil, models.WrapExecutionError(models.KindTransient, fmt.Errorf("stat script: %w", err))
	}

	blob, err := params.Encode(p)
	if err != nil {
		return nil, models.WrapExecutionError(models.KindInvalidParameters, err)
	}
	env := params.Environ(l.baseEnv(), blob, params.Invocation{
		ContextTag:  opts.ContextTag,
		ScriptName:  script.Name,
		ExecutionID: opts.ExecutionID,
	})

	startedAt := l.now()
	res, err := l.Execute(ctx, argv, filepath.Dir(script.Path), env)
	if err != nil {
		return nil, err
	}

	log := l.logger.With("script", script.Name, "execution_id", opts.ExecutionID)
	log.Debug("child exited",
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"stdout_bytes", len(res.Stdout),
		"stderr_bytes", len(res.Stderr),
	)

	switch {
	case res.TimedOut:
		e := models.NewExecutionError(models.KindTimeout, "script exceeded %s time limit after %.1fs", l.ceiling(res), res.Duration.Seconds())
		l.attachOutput(e, res)
		return nil, e
	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		e := models.WrapExecutionError(models.KindCancelled, cause)
		l.attachOutput(e, res)
		return nil, e
	case res.ExitCode != 0:
		e := models.NewExecutionError(models.KindRunError, "script exited with non-zero status").WithExitCode(res.ExitCode)
		l.attachOutput(e, res)
		return nil, e
	}

	result, err := ParseOutput(res.Stdout, res.Stderr, script.Name, startedAt, res.Duration)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *LocalExec) ceiling(res *connectors.ExecResult) time.Duration {
	if res.Killed || l.softTimeout <= 0 || l.softTimeout >= l.hardTimeout {
		return l.hardTimeout
	}
	return l.softTimeout
}

func (l *LocalExec) attachOutput(e *models.ExecutionError, res *connectors.ExecResult) {
	e.Stdout = tail(res.Stdout, l.maxErrOutput)
	e.Stderr = tail(res.Stderr, l.maxErrOutput)
}

// Execute spawns argv in dir with env and waits for it, enforcing the soft
// and hard ceilings. Cancelling ctx kills the child. A non-zero exit is not
// an error here; only failures to run the process at all are.
func (l *LocalExec) Execute(ctx context.Context, argv []string, dir string, env []string) (*connectors.ExecResult, error) {
	if len(argv) == 0 {
		return nil, models.NewExecutionError(models.KindRunError, "empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProc(cmd)

	res := &connectors.ExecResult{Command: argv[0], Args: argv[1:]}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, models.WrapExecutionError(models.KindRunError, fmt.Errorf("interpreter %s: %w", argv[0], err))
		}
		return nil, models.WrapExecutionError(models.KindTransient, fmt.Errorf("spawn %s: %w", argv[0], err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var softC <-chan time.Time
	if l.softTimeout > 0 && l.softTimeout < l.hardTimeout {
		soft := time.NewTimer(l.softTimeout)
		defer soft.Stop()
		softC = soft.C
	}
	hard := time.NewTimer(l.hardTimeout)
	defer hard.Stop()

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-softC:
			l.logger.Warn("soft time limit reached, sending SIGTERM", "pid", cmd.Process.Pid, "limit", l.softTimeout)
			res.TimedOut = true
			terminate(cmd)
			softC = nil
		case <-hard.C:
			l.logger.Warn("hard time limit reached, killing", "pid", cmd.Process.Pid, "limit", l.hardTimeout)
			res.TimedOut = true
			res.Killed = true
			kill(cmd)
			waitErr = <-done
			break wait
		case <-ctx.Done():
			kill(cmd)
			waitErr = <-done
			break wait
		}
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// A grandchild kept the pipes open after the child exited.
			res.ExitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, models.WrapExecutionError(models.KindTransient, fmt.Errorf("wait %s: %w", argv[0], waitErr))
		}
	}
	return res, nil
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
