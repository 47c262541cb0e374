//go:build windows

package supervisor

import "os/exec"

func configureChild(_ *exec.Cmd) {}
