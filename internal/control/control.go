package control

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brockhager/swarmchat/internal/manager"
)

const (
	ResultStarting = "starting"
	ResultStopped  = "stopped"

	StateRunning = "running"
	StateStopped = "stopped"

	DefaultSettleDelay = 250 * time.Millisecond
)

// Error codes carried by CommandError.
const (
	CodeAlreadyRunning = "already_running"
	CodeNotRunning     = "not_running"
	CodeSpawnFailure   = "spawn_failure"
	CodeLockFailure    = "lock_failure"
	CodeKillFailure    = "kill_failure"
	CodeInternal       = "internal"
)

// CommandError is the caller-facing failure of a command: a stable code plus
// a one-line message.
type CommandError struct {
	Op   string
	Code string
	Err  error
}

func (e *CommandError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *CommandError) Unwrap() error { return e.Err }

func codeOf(err error) string {
	switch {
	case errors.Is(err, manager.ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, manager.ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, manager.ErrSpawnFailure):
		return CodeSpawnFailure
	case errors.Is(err, manager.ErrLockFailure):
		return CodeLockFailure
	case errors.Is(err, manager.ErrKillFailure):
		return CodeKillFailure
	default:
		return CodeInternal
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Op: op, Code: codeOf(err), Err: err}
}

// StatusReply is the status shape the host UI consumes. Optional fields are
// null when unknown.
type StatusReply struct {
	State         string  `json:"state"`
	Phase         string  `json:"phase"`
	PID           *int    `json:"pid"`
	UptimeSeconds *uint64 `json:"uptime_seconds"`
	ClientPort    *uint16 `json:"client_port"`
	ErrorMessage  *string `json:"error_message"`
}

// Running reports whether the reply describes a tracked worker.
func (r StatusReply) Running() bool { return r.State == StateRunning }

func replyFrom(s manager.StatusSnapshot) StatusReply {
	r := StatusReply{State: StateStopped, Phase: s.Phase.String()}
	if !s.Running() {
		return r
	}
	r.State = StateRunning
	pid := s.PID
	r.PID = &pid
	up := uint64(s.Uptime / time.Second)
	r.UptimeSeconds = &up
	if s.PortDetected {
		port := s.Port
		r.ClientPort = &port
	}
	if s.HasError {
		msg := s.LastError
		r.ErrorMessage = &msg
	}
	return r
}

// Sidecar is the command surface the host calls.
type Sidecar struct {
	sup    *manager.Supervisor
	settle time.Duration
	log    *slog.Logger
}

type Option func(*Sidecar)

// WithSettleDelay sets the pause between shutdown and allowing the host to close.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Sidecar) {
		if d >= 0 {
			s.settle = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sidecar) {
		if l != nil {
			s.log = l
		}
	}
}

func New(sup *manager.Supervisor, opts ...Option) *Sidecar {
	s := &Sidecar{sup: sup, settle: DefaultSettleDelay, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name returns the supervised executable name.
func (s *Sidecar) Name() string { return s.sup.Name() }

// Start launches the worker.
func (s *Sidecar) Start() (string, error) {
	if err := s.sup.Start(); err != nil {
		return "", wrap("start", err)
	}
	return ResultStarting, nil
}

// Stop terminates the worker within the grace period.
func (s *Sidecar) Stop() (string, error) {
	if err := s.sup.Stop(); err != nil {
		return "", wrap("stop", err)
	}
	return ResultStopped, nil
}

func (s *Sidecar) Status() StatusReply {
	return replyFrom(s.sup.Status())
}

// Shutdown terminates the worker and waits for it without a time bound.
func (s *Sidecar) Shutdown() error {
	return wrap("shutdown", s.sup.Shutdown())
}

// HandleCloseRequest runs the host close sequence: shut the worker down,
// let things settle, then call allowClose. allowClose is called even if the
// shutdown failed or ctx ended during the settle delay.
func (s *Sidecar) HandleCloseRequest(ctx context.Context, allowClose func()) {
	s.log.Info("Close requested, shutting down sidecar", "name", s.sup.Name())
	if err := s.Shutdown(); err != nil {
		s.log.Error("Sidecar shutdown failed", "name", s.sup.Name(), "error", err)
	}
	if s.settle > 0 {
		t := time.NewTimer(s.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	if allowClose != nil {
		allowClose()
	}
}
