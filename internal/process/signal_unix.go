//go:build !windows

package process

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Terminate asks the worker's process group to exit with SIGTERM.
func (p *Process) Terminate() error {
	return p.signalGroup(unix.SIGTERM)
}

// Kill forcibly ends the worker's process group with SIGKILL.
func (p *Process) Kill() error {
	return p.signalGroup(unix.SIGKILL)
}

func (p *Process) signalGroup(sig unix.Signal) error {
	if p.Exited() {
		return nil
	}
	pid := p.PID()
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	// Group gone or not ours; fall back to the leader alone.
	if err = p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
