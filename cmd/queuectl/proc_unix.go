//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// detachProcess starts child in its own session so signals sent to the
// caller's process group (a Ctrl-C in the launching shell) do not reach it.
func detachProcess(child *exec.Cmd) {
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
