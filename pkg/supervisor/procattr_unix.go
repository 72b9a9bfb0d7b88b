//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so terminal signals
// meant for the daemon do not reach it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
