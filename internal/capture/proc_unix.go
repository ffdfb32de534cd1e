//go:build unix

package capture

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func unixSignal(level StopLevel) unix.Signal {
	switch level {
	case StopInterrupt:
		return unix.SIGINT
	case StopTerminate:
		return unix.SIGTERM
	default:
		return unix.SIGKILL
	}
}

// signalGroup signals the whole process group so ffmpeg helpers go too
func signalGroup(cmd *exec.Cmd, level StopLevel) error {
	pid := cmd.Process.Pid
	sig := unixSignal(level)

	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	// fall back to the leader alone
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func exitCodeOf(state *os.ProcessState, waitErr error) int {
	if state == nil {
		return ForcedExitCode
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
