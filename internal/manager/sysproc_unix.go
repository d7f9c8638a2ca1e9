//go:build !windows

package manager

import (
	"os"
	"os/exec"
	"syscall"
)

// detach starts the child in its own session so signals aimed at the
// dashboard's process group do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
