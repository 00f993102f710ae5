//go:build windows

package cli

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setSysProcAttr detaches the child from the parent's console so closing the
// terminal does not stop the server.
func setSysProcAttr(cmd *exec.Cmd) {
	const detachedProcess = 0x00000008
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: detachedProcess}
}

// isProcessRunning reports whether pid names a live process. On Windows
// FindProcess opens a handle and fails when the process is gone.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer proc.Release()
	return !errors.Is(proc.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

// stopProcess kills the process. Windows has no SIGTERM, so the server
// gets no chance to drain connections.
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
