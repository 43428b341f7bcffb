//go:build !windows

package engine

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own group so grandchildren are
// signalled together with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(proc *os.Process) error {
	return signalGroup(proc, unix.SIGTERM)
}

func kill(proc *os.Process) error {
	return signalGroup(proc, unix.SIGKILL)
}

func signalGroup(proc *os.Process, sig unix.Signal) error {
	if proc == nil || proc.Pid <= 0 {
		return errors.New("no process")
	}
	if err := unix.Kill(-proc.Pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return proc.Signal(sig)
	}
	return nil
}
