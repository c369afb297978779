//go:build windows

package localexec

import "os/exec"

func configureProc(cmd *exec.Cmd) {}

// Windows has no SIGTERM; the soft ceiling kills outright.
func terminate(cmd *exec.Cmd) {
	kill(cmd)
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
