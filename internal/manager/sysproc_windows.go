//go:build windows

package manager

import (
	"os"
	"os/exec"
	"syscall"
)

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminate kills the process; Windows has no SIGTERM equivalent for console-less children.
func terminate(p *os.Process) error {
	return p.Kill()
}
