//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the child in its own process group and makes
// cancellation signal the whole group, so shells and their children die together.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
}
