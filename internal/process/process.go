package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is a spawned worker. Its stdout and stderr are exposed as pipe
// readers owned by the caller; exit is observed by a single waiter goroutine
// that closes Done once the OS reports the process gone.
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done    chan struct{}
	mu      sync.RWMutex
	exitErr error
}

// Spawn starts path using the Args, Env and WorkDir of spec. stdin is attached
// to the null device. The child's stdout and stderr are plain OS pipes, so the
// waiter never closes them underneath the readers.
func Spawn(path string, spec Spec) (*Process, error) {
	// #nosec G204
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, err
	}
	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	p := &Process{
		cmd:    cmd,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go p.waitLoop()
	return p, nil
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) PID() int              { return p.cmd.Process.Pid }
func (p *Process) Stdout() io.ReadCloser { return p.stdout }
func (p *Process) Stderr() io.ReadCloser { return p.stderr }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited is the non-blocking liveness check.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error reported by Wait. Nil while running or on a clean exit.
func (p *Process) ExitErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// CloseOutput closes the parent's read ends of both pipes.
func (p *Process) CloseOutput() {
	_ = p.stdout.Close()
	_ = p.stderr.Close()
}

// IsWaitFailure reports whether err came from the OS wait itself rather than
// being an ordinary non-zero exit or signal termination.
func IsWaitFailure(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *exec.ExitError
	return !errors.As(err, &exitErr)
}
