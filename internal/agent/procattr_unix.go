//go:build unix

package agent

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the agent in its own process group so the whole
// subtree can be signalled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the agent's process group via the negative pid.
func signalGroup(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pid, sig)
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
