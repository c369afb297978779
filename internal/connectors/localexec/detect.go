package localexec

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/scriptd/internal/connectors"
)

const versionProbeTimeout = 2 * time.Second

// versionArgs lists interpreters that do not answer to --version.
var versionArgs = map[string][]string{
	"go": {"version"},
}

// Interpreters looks up every configured interpreter on PATH, in
// extension order.
func (l *LocalExec) Interpreters(ctx context.Context) []connectors.Interpreter {
	out := make([]connectors.Interpreter, 0, len(l.interpreters))
	for _, ext := range l.Extensions() {
		argv := l.interpreters[ext]
		in := connectors.Interpreter{
			Extension: ext,
			Kind:      extKinds[ext],
			Command:   append([]string(nil), argv...),
		}
		if len(argv) > 0 {
			if path, err := exec.LookPath(argv[0]); err == nil {
				in.Path = path
				in.Available = true
				in.Version = commandVersion(ctx, path)
			}
		}
		out = append(out, in)
	}
	return out
}

func commandVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	args, ok := versionArgs[strings.TrimSuffix(filepath.Base(path), ".exe")]
	if !ok {
		args = []string{"--version"}
	}
	// Older interpreters print their version on stderr.
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 40 {
		version = version[:40]
	}
	return version
}
