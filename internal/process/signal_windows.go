//go:build windows

package process

import (
	"errors"
	"os"
)

// Terminate has no graceful counterpart on Windows; the process is killed.
func (p *Process) Terminate() error {
	return p.Kill()
}

func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
