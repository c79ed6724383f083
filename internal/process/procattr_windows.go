//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

func signalGroup(pid int, force bool) error {
	return signalPid(pid, force)
}

func signalPid(pid int, force bool) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
