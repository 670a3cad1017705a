//go:build !unix

package supervisor

import (
	"os"
	"syscall"
)

func detachAttr() *syscall.SysProcAttr {
	return nil
}

// terminate kills the process; there is no portable graceful signal here.
func terminate(p *os.Process) error {
	return p.Kill()
}
