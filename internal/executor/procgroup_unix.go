//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts cmd in its own process group so a signal
// to the group on cancellation reaches any grandchildren the copy
// utility spawns, rather than orphaning them with a partial destination
// file. Cancelling cmd's context sends SIGTERM to the group; a child
// still running CancellationGrace later is killed.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM) }
	cmd.WaitDelay = CancellationGrace
}

// terminateProcessGroup sends SIGTERM to the process group once the
// child has been waited on, so grandchildren still running in the group
// are signalled too.
func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
