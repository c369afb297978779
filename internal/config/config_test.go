package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scriptd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 600*time.Second, cfg.Runner.HardTimeout)
	assert.Equal(t, 540*time.Second, cfg.Runner.SoftTimeout)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 50, cfg.Scheduler.MaxJobsPerWorker)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Retry.Delay)
	assert.Equal(t, []string{"python3"}, cfg.Runner.Interpreters[".py"])
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9000
scripts_root: /srv/scripts
runner:
  hard_timeout: 120s
  soft_timeout: 100s
  interpreters:
    .py: [/opt/venv/bin/python]
    .ps1: [pwsh, -File]
scheduler:
  workers: 8
  lease_ttl: 30s
retry:
  strategy: exponential
  delay: 5s
  max_delay: 1m
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "/srv/scripts", cfg.ScriptsRoot)
	assert.Equal(t, 120*time.Second, cfg.Runner.HardTimeout)
	assert.Equal(t, []string{"/opt/venv/bin/python"}, cfg.Runner.Interpreters[".py"])
	assert.Equal(t, []string{"pwsh", "-File"}, cfg.Runner.Interpreters[".ps1"])
	assert.Equal(t, []string{"/bin/sh"}, cfg.Runner.Interpreters[".sh"], "unlisted interpreters keep their defaults")
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 50, cfg.Scheduler.MaxJobsPerWorker)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.LeaseTTL)

	p, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 10*time.Second, p.Backoff(2))
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "listen: 0.0.0.0:9000\n")
	t.Setenv(EnvListen, "127.0.0.1:9999")
	t.Setenv(EnvWorkers, "2")
	t.Setenv(EnvTimeout, "90s")
	t.Setenv(EnvDB, "/tmp/x.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, 90*time.Second, cfg.Runner.HardTimeout)
	assert.Equal(t, "/tmp/x.db", cfg.DB)
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv(EnvWorkers, "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvWorkers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"soft above hard": "runner:\n  soft_timeout: 700s\n",
		"unknown kind":    "runner:\n  default_kind: cobol\n",
		"bad extension":   "runner:\n  interpreters:\n    py: [python3]\n",
		"no workers":      "scheduler:\n  workers: -1\n",
		"bad strategy":    "retry:\n  strategy: fibonacci\n",
		"bad level":       "log:\n  level: loud\n",
		"bad format":      "log:\n  format: xml\n",
		"bad yaml":        "listen: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMergeKeepsUnsetFields(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Merge(&Config{ScriptsRoot: "/opt/scripts"}))
	assert.Equal(t, "/opt/scripts", cfg.ScriptsRoot)
	assert.Equal(t, Default().Listen, cfg.Listen)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	require.NoError(t, cfg.Merge(nil))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
