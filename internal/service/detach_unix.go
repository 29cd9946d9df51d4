//go:build !windows

package service

import "syscall"

// detachAttr puts the daemon in its own session so it survives this
// process and ignores its controlling terminal.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
