//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureChild puts the child in its own process group so signals aimed
// at the supervisor do not double-deliver.
func configureChild(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
