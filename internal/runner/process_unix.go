//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the unit process in its own process group so a kill
// reaches every process the test spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the entire process group. SIGKILL is
// deliberate: an instrumented unit that hit its budget may be blocked in a
// way no catchable signal interrupts.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
