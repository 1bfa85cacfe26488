//go:build darwin
// +build darwin

package engine

import (
	"os/exec"
	"syscall"
)

// configureCmdSysProcAttr sets process group on macOS so the worker pool
// can kill the whole subprocess tree on shutdown.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
