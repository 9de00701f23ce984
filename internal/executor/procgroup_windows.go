//go:build windows

package executor

import "os/exec"

// configureProcessGroup is a no-op on windows; the daemon targets
// Linux JBOD arrays and this build tag exists only to keep the package
// importable during cross-compilation checks.
func configureProcessGroup(cmd *exec.Cmd) {}

func terminateProcessGroup(cmd *exec.Cmd) {}
