//go:build !windows

package pipeline

import (
	"os/exec"
	"syscall"
)

func configureCommandProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalCommandProcess delivers sig to the whole process group so that
// interpreters and the tools they spawn stop together
func signalCommandProcess(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, sig)
	}
	return cmd.Process.Signal(sig)
}

func terminateCommandProcess(cmd *exec.Cmd) error {
	return signalCommandProcess(cmd, syscall.SIGTERM)
}

func killCommandProcess(cmd *exec.Cmd) error {
	return signalCommandProcess(cmd, syscall.SIGKILL)
}
