package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brockhager/swarmchat/internal/events"
	"github.com/brockhager/swarmchat/internal/metrics"
	"github.com/brockhager/swarmchat/internal/process"
	"github.com/google/uuid"
)

const DefaultGracePeriod = 5 * time.Second

// Config describes the single worker a Supervisor manages.
type Config struct {
	Spec        process.Spec
	GracePeriod time.Duration
	// PortMarker, when set, restricts port detection to text following it.
	PortMarker string
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSink sets where output lines and lifecycle events are delivered.
func WithSink(sink events.Sink) Option {
	return func(s *Supervisor) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records lifecycle and output counters into m.
func WithMetrics(m *metrics.Sidecar) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClock overrides the time source used for timestamps and uptime.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// Supervisor owns at most one worker process at a time.
//
// State machine of the slot:
// Empty -> Starting -> Running -> Stopping -> Empty
// Starting -> Empty when spawning fails, Running -> Empty when the worker exits
// on its own.
type Supervisor struct {
	cfg  Config
	name string
	st   store
	sink events.Sink
	log  *slog.Logger
	now  func() time.Time
	// nil records nothing
	metrics *metrics.Sidecar

	// pumps and watchers of every run
	wg sync.WaitGroup
}

func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	s := &Supervisor{
		cfg:  cfg,
		name: cfg.Spec.Name,
		sink: events.Discard,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name returns the configured executable name.
func (s *Supervisor) Name() string { return s.name }

// Start spawns the worker. It returns once the process exists; output pumping
// and exit watching continue in the background.
func (s *Supervisor) Start() error {
	if err := s.st.reserve(); err != nil {
		return err
	}

	path := s.cfg.Spec.Resolve()
	proc, err := process.Spawn(path, s.cfg.Spec)
	if err != nil {
		s.st.abandon()
		s.metrics.IncSpawnFailure(s.name)
		s.log.Error("Failed to spawn sidecar", "name", s.name, "path", path, "error", err)
		return &SpawnError{Path: path, Err: err}
	}

	w := worker{
		runID:     uuid.NewString(),
		proc:      proc,
		done:      proc.Done(),
		pid:       proc.PID(),
		path:      path,
		startedAt: s.now(),
	}
	if !s.st.install(w) {
		// Shut down while spawning: nobody else will ever see this process.
		_ = proc.Kill()
		<-proc.Done()
		proc.CloseOutput()
		s.st.settle()
		return ErrLockFailure
	}

	s.metrics.IncStart(s.name)
	s.log.Info("Sidecar started", "name", s.name, "path", path, "pid", w.pid, "run", w.runID)
	s.emit(events.Event{Kind: events.KindStarted, RunID: w.runID, PID: w.pid})

	s.wg.Add(3)
	go s.pump(w, events.KindStdout, proc.Stdout())
	go s.pump(w, events.KindStderr, proc.Stderr())
	go s.watch(w)
	return nil
}

// Stop takes the worker out of the slot, asks it to terminate and waits up to
// the grace period before a single forced kill. Once a worker was tracked Stop
// always succeeds: kill failures are logged, not returned.
func (s *Supervisor) Stop() error {
	w, err := s.st.take()
	if err != nil {
		return err
	}
	defer s.st.release()
	s.metrics.SetRunning(s.name, false)

	began := time.Now()
	mode := s.terminate(w)
	s.metrics.ObserveStopDuration(s.name, time.Since(began).Seconds())
	s.metrics.IncStop(s.name, mode)

	s.log.Info("Sidecar stopped", "name", s.name, "pid", w.pid, "mode", mode)
	s.emit(events.Event{Kind: events.KindStopped, RunID: w.runID, PID: w.pid})
	return nil
}

func (s *Supervisor) terminate(w worker) string {
	if err := w.proc.Terminate(); err != nil {
		s.log.Warn("Failed to signal sidecar", "name", s.name, "pid", w.pid, "error", errors.Join(ErrKillFailure, err))
	}

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-w.proc.Done():
		return "graceful"
	case <-timer.C:
	}

	s.log.Warn("Sidecar did not exit within grace period, killing", "name", s.name, "pid", w.pid, "grace", s.cfg.GracePeriod)
	if err := w.proc.Kill(); err != nil {
		s.log.Error("Failed to kill sidecar", "name", s.name, "pid", w.pid, "error", errors.Join(ErrKillFailure, err))
	}
	return "forced"
}

// Status copies the slot. It never blocks on the OS.
func (s *Supervisor) Status() StatusSnapshot {
	return s.st.snapshot(s.now())
}

// Shutdown is the host termination hook. It seals the supervisor, terminates
// the tracked worker and waits without bound for it to exit. Start and Stop
// return ErrLockFailure afterwards.
func (s *Supervisor) Shutdown() error {
	w, owned, wait := s.st.seal()
	if !owned {
		if wait != nil {
			// A concurrent Start or Stop owns the process and disposes of it.
			s.log.Info("Waiting for sidecar start or stop in progress", "name", s.name)
			<-wait
		}
		return nil
	}
	defer s.st.release()
	s.metrics.SetRunning(s.name, false)

	if termErr := w.proc.Terminate(); termErr != nil {
		s.log.Warn("Failed to signal sidecar on shutdown", "name", s.name, "pid", w.pid, "error", termErr)
		if killErr := w.proc.Kill(); killErr != nil {
			return fmt.Errorf("%w: pid %d: %w", ErrKillFailure, w.pid, errors.Join(termErr, killErr))
		}
	}
	s.log.Info("Waiting for sidecar to exit", "name", s.name, "pid", w.pid)
	<-w.proc.Done()

	s.metrics.IncStop(s.name, "shutdown")
	s.emit(events.Event{Kind: events.KindStopped, RunID: w.runID, PID: w.pid})
	return nil
}

// Wait blocks until every pump and watcher started so far has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) emit(e events.Event) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.sink.Emit(e)
}
