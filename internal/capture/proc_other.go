//go:build !unix

package capture

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup can only kill outright on platforms without POSIX signals
func signalGroup(cmd *exec.Cmd, level StopLevel) error {
	if level < StopKill {
		return nil
	}
	return cmd.Process.Kill()
}

func exitCodeOf(state *os.ProcessState, waitErr error) int {
	if state == nil {
		return ForcedExitCode
	}
	return state.ExitCode()
}
