//go:build !windows

package agent

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

// configureProcess places the worker in its own process group so that
// signals reach any children it starts. Under a PTY the worker becomes a
// session leader instead, which also makes it a group leader.
func configureProcess(cmd *exec.Cmd, usePTY bool) {
	if usePTY {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals every process in the group led by pid. A group that no
// longer exists is not an error. The caller's own group is never signalled.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			// Leader already reaped; members may still hold the group id.
			pgid = pid
		} else {
			return ignoreGone(unix.Kill(pid, sig))
		}
	}
	if pgid <= 0 || pgid == unix.Getpgrp() {
		return ignoreGone(unix.Kill(pid, sig))
	}
	return ignoreGone(unix.Kill(-pgid, sig))
}

func ignoreGone(err error) error {
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// ProcessAlive reports whether pid refers to a running, non-zombie process.
// EPERM means the process exists but belongs to someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie checks /proc where available. Elsewhere it assumes not.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state field follows the parenthesised command name, which may contain spaces.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z'
}

func exitDetails(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, unix.SignalName(ws.Signal())
	}
	return state.ExitCode(), ""
}
