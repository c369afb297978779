package localexec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupports(t *testing.T) {
	l := New()

	tests := []struct {
		path    string
		allowed bool
	}{
		{"/srv/scripts/echo_test.py", true},
		{"/srv/scripts/cleanup.sh", true},
		{"/srv/scripts/REPORT.PY", true},
		{"/srv/scripts/tool.exe", false},
		{"/srv/scripts/noext", false},
		{"relative/job.js", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.allowed, l.Supports(tt.path))
		})
	}
}

func TestCommand(t *testing.T) {
	l := New(WithInterpreters(map[string][]string{"py": {"python3", "-u"}}))

	argv, err := l.Command("/srv/a.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-u", "/srv/a.py"}, argv)

	_, err = l.Command("/srv/a.sh")
	assert.ErrorIs(t, err, connectors.ErrUnsupportedType)
	assert.Equal(t, []string{".py"}, l.Extensions())
}

func TestKindForPath(t *testing.T) {
	assert.Equal(t, "python", KindForPath("x/y.py"))
	assert.Equal(t, "shell", KindForPath("y.SH"))
	assert.Equal(t, "", KindForPath("y.txt"))

	ext, ok := ExtensionForKind("python")
	assert.True(t, ok)
	assert.Equal(t, ".py", ext)
}

func TestRunJSONResult(t *testing.T) {
	l := newShellExec(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "echo_test.sh",
		`printf '{"status":"success","message":"hi","params":%s,"ctx":"%s","name":"%s","id":"%s","cwd":"%s"}' "$SCRIPT_PARAMETERS" "$PAGE_CONTEXT" "$SCRIPT_NAME" "$EXECUTION_ID" "$(pwd)"`)

	res, err := l.Run(context.Background(),
		models.ScriptIdentity{Name: "echo_test", Path: path},
		map[string]any{"greeting": "hi", "n": 2.0},
		connectors.RunOptions{ExecutionID: "exec-1", ContextTag: "/reports"})
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "hi", res.Message)
	assert.Equal(t, map[string]any{"greeting": "hi", "n": 2.0}, res.Data["params"])
	assert.Equal(t, "/reports", res.Data["ctx"])
	assert.Equal(t, "echo_test", res.Data["name"])
	assert.Equal(t, "exec-1", res.Data["id"])
	assert.Equal(t, "echo_test", res.Data["script_name"])
	assert.NotEmpty(t, res.Data["execution_time"])
	assert.Equal(t, "echo_test", res.Metadata.ScriptName)
	assert.Equal(t, models.ResultSchemaVersion, res.Metadata.SchemaVersion)

	wantDir, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(res.Data["cwd"].(string))
	assert.Equal(t, wantDir, gotDir)
}

func TestRunTextFallback(t *testing.T) {
	l := newShellExec(t)
	path := writeScript(t, t.TempDir(), "plain.sh", `printf 'hello world\nline two\n'; echo warn >&2`)

	res, err := l.Run(context.Background(), models.ScriptIdentity{Name: "plain", Path: path}, nil, connectors.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "text", res.Data["type"])
	assert.Equal(t, "hello world\nline two\n", res.Data["content"])
	assert.Equal(t, "warn\n", res.Data["stderr"])
	assert.Equal(t, "success", res.Data["status"])
}

func TestRunEmptyStdout(t *testing.T) {
	l := newShellExec(t)
	path := writeScript(t, t.TempDir(), "quiet.sh", `exit 0`)

	res, err := l.Run(context.Background(), models.ScriptIdentity{Name: "quiet", Path: path}, nil, connectors.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Data["status"])
	assert.Equal(t, "quiet", res.Data["script_name"])
	assert.NotContains(t, res.Data, "type")
}

func TestRunNonZeroExit(t *testing.T) {
	l := newShellExec(t)
	path := writeScript(t, t.TempDir(), "fail.sh", `echo partial; echo oops >&2; exit 3`)

	_, err := l.Run(context.Background(), models.ScriptIdentity{Name: "fail", Path: path}, nil, connectors.RunOptions{})
	require.Error(t, err)

	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, models.KindRunError, execErr.Kind)
	require.NotNil(t, execErr.ExitCode)
	assert.Equal(t, 3, *execErr.ExitCode)
	assert.Equal(t, "oops\n", execErr.Stderr)
	assert.Equal(t, "partial\n", execErr.Stdout)
}

func TestRunNonZeroExitOverridesSuccessOutput(t *testing.T) {
	l := newShellExec(t)
	path := writeScript(t, t.TempDir(), "liar.sh", `echo '{"status":"success","data":{}}'; exit 1`)

	res, err := l.Run(context.Background(), models.ScriptIdentity{Name: "liar", Path: path}, nil, connectors.RunOptions{})
	require.Error(t, err)
	assert.Nil(t, res)

	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, models.KindRunError, execErr.Kind)
	require.NotNil(t, execErr.ExitCode)
	assert.Equal(t, 1, *execErr.ExitCode)
	assert.Contains(t, execErr.Stdout, `"status":"success"`)
}

func TestRunScriptReportedError(t *testing.T) {
	l := newShellExec(t)
	path := writeScript(t, t.TempDir(), "logical.sh", `echo '{"status":"error","message":"bad input","code":7}'`)

	_, err := l.Run(context.Background(), models.ScriptIdentity{Name: "logical", Path: path}, nil, connectors.RunOptions{})
	require.Error(t, err)

	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, models.KindScriptError, execErr.Kind)
	assert.Equal(t, "bad input", execErr.Message)
	assert.Equal(t, 7.0, execErr.Details["code"])
}

func TestRunHardTimeout(t *testing.T) {
	l := newShellExec(t, WithTimeouts(0, 300*time.Millisecond))
	path := writeScript(t, t.TempDir(), "slow.sh", `sleep 30`)

	start := time.Now()
	_, err := l.Run(context.Background(), models.ScriptIdentity{Name: "slow", Path: path}, nil, connectors.RunOptions{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
	assert.Contains(t, err.Error(), "Timeout")
	assert.Less(t, elapsed, 5*time.Second)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestRunSoftTimeoutTerminates(t *testing.T) {
	l := newShellExec(t, WithTimeouts(200*time.Millisecond, 10*time.Second))
	path := writeScript(t, t.TempDir(), "slow.sh", `sleep 30`)

	start := time.Now()
	_, err := l.Run(context.Background(), models.ScriptIdentity{Name: "slow", Path: path}, nil, connectors.RunOptions{})
	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelled(t *testing.T) {
	l := newShellExec(t)
	path := writeScript(t, t.TempDir(), "slow.sh", `sleep 30`)

	cause := errors.New("operator cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(200*time.Millisecond, func() { cancel(cause) })

	_, err := l.Run(ctx, models.ScriptIdentity{Name: "slow", Path: path}, nil, connectors.RunOptions{})
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestRunRejectsBeforeSpawn(t *testing.T) {
	l := newShellExec(t)
	dir := t.TempDir()

	_, err := l.Run(context.Background(), models.ScriptIdentity{Name: "tool", Path: filepath.Join(dir, "tool.exe")}, nil, connectors.RunOptions{})
	assert.Equal(t, models.KindUnsupportedType, models.KindOf(err))
	assert.ErrorIs(t, err, connectors.ErrUnsupportedType)

	_, err = l.Run(context.Background(), models.ScriptIdentity{Name: "gone", Path: filepath.Join(dir, "gone.sh")}, nil, connectors.RunOptions{})
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	path := writeScript(t, dir, "ok.sh", `echo '{}'`)
	_, err = l.Run(context.Background(), models.ScriptIdentity{Name: "ok", Path: path}, map[string]any{"ch": make(chan int)}, connectors.RunOptions{})
	assert.Equal(t, models.KindInvalidParameters, models.KindOf(err))
}

func TestRunMissingInterpreter(t *testing.T) {
	l := New(WithInterpreters(map[string][]string{".sh": {"/nonexistent/interpreter"}}))
	path := writeScript(t, t.TempDir(), "x.sh", `echo hi`)

	_, err := l.Run(context.Background(), models.ScriptIdentity{Name: "x", Path: path}, nil, connectors.RunOptions{})
	assert.Equal(t, models.KindRunError, models.KindOf(err))
}

func newShellExec(t *testing.T, opts ...Option) *LocalExec {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	base := []Option{WithInterpreters(map[string][]string{".sh": {sh}})}
	return New(append(base, opts...)...)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}
