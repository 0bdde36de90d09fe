package manager

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("sidecar already running")
	ErrNotRunning     = errors.New("sidecar not running")
	ErrSpawnFailure   = errors.New("failed to spawn sidecar")
	ErrLockFailure    = errors.New("sidecar state unavailable")
	ErrKillFailure    = errors.New("failed to terminate sidecar")
	ErrWaitFailure    = errors.New("failed to wait for sidecar")
)

// SpawnError reports a spawn the OS refused or an executable that could not
// be found. It matches ErrSpawnFailure with errors.Is.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s %q: %v", ErrSpawnFailure, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailure }
