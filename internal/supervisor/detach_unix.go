//go:build unix

package supervisor

import (
	"os"
	"syscall"
)

// detachAttr starts the child in a new session so it outlives the caller's
// terminal and process group.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
