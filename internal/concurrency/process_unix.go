package concurrency

import (
	"os/exec"
	"syscall"
)

// setpgid puts each streamed subprocess in its own process group so a
// timeout-triggered signal reaches any children it spawned too.
func setpgid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}
