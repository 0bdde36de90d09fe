package manager

import (
	"sync"
	"time"

	"github.com/brockhager/swarmchat/internal/process"
)

// Phase is the state of the single supervisor slot.
type Phase int32

const (
	PhaseEmpty Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// worker is the tracked OS process of one run.
type worker struct {
	runID     string
	proc      *process.Process
	done      <-chan struct{} // closed when proc has exited
	pid       int
	path      string
	startedAt time.Time
}

// active exists only while the slot is Running. Port and error live inside it,
// so a new run always starts with both unset.
type active struct {
	worker
	port    uint16
	hasPort bool
	lastErr string
	hasErr  bool
}

// store is the supervisor slot. Every method holds mu for a few field
// reads or writes only; nothing blocks on the OS under the lock.
type store struct {
	mu     sync.Mutex
	phase  Phase
	cur    *active
	sealed bool
	// worker being stopped by Stop, kept so Shutdown can wait for it
	stopping *worker
	// closed once the Start holding the reservation is done with its process
	starting chan struct{}
}

// reserve moves Empty to Starting.
func (s *store) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrLockFailure
	}
	if s.phase != PhaseEmpty {
		return ErrAlreadyRunning
	}
	s.phase = PhaseStarting
	s.starting = make(chan struct{})
	return nil
}

// settle ends the start attempt begun by reserve. abandon and a successful
// install settle on their own; Start calls settle directly only after
// disposing of a process that install refused.
func (s *store) settle() {
	s.mu.Lock()
	s.settleLocked()
	s.mu.Unlock()
}

func (s *store) settleLocked() {
	if s.starting != nil {
		close(s.starting)
		s.starting = nil
	}
}

// abandon returns a failed start to Empty.
func (s *store) abandon() {
	s.mu.Lock()
	if s.phase == PhaseStarting {
		s.phase = PhaseEmpty
	}
	s.settleLocked()
	s.mu.Unlock()
}

// install stores a freshly spawned worker and moves Starting to Running.
// It reports false when the supervisor was sealed while spawning; the caller
// then owns w and must dispose of it.
func (s *store) install(w worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || s.phase != PhaseStarting {
		return false
	}
	s.cur = &active{worker: w}
	s.phase = PhaseRunning
	s.settleLocked()
	return true
}

// take removes the active worker and moves Running to Stopping.
func (s *store) take() (worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return worker{}, ErrLockFailure
	}
	if s.cur == nil {
		return worker{}, ErrNotRunning
	}
	w := s.cur.worker
	s.cur = nil
	s.phase = PhaseStopping
	s.stopping = &w
	return w, nil
}

// release moves Stopping back to Empty.
func (s *store) release() {
	s.mu.Lock()
	if s.phase == PhaseStopping {
		s.phase = PhaseEmpty
	}
	s.stopping = nil
	s.mu.Unlock()
}

// clearRun drops the active worker if it still belongs to runID. It reports
// whether anything was cleared.
func (s *store) clearRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.runID != runID {
		return false
	}
	s.cur = nil
	s.phase = PhaseEmpty
	return true
}

// recordPort keeps the first port seen for runID. It reports whether this
// call set it; false once a port is known or the run is gone.
func (s *store) recordPort(runID string, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.runID != runID || s.cur.hasPort {
		return false
	}
	s.cur.port = port
	s.cur.hasPort = true
	return true
}

// portSettled reports whether runID already has a port or is no longer current.
func (s *store) portSettled(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == nil || s.cur.runID != runID || s.cur.hasPort
}

// recordError overwrites the last error line of runID.
func (s *store) recordError(runID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.runID != runID {
		return
	}
	s.cur.lastErr = line
	s.cur.hasErr = true
}

// seal refuses every later transition. When a worker is active it is taken
// and handed back with owned set. Otherwise wait, if not nil, is closed once
// the Start or Stop already in progress is done with its process.
func (s *store) seal() (w worker, owned bool, wait <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	switch {
	case s.cur != nil:
		w = s.cur.worker
		s.cur = nil
		s.phase = PhaseStopping
		s.stopping = &w
		return w, true, nil
	case s.stopping != nil:
		return *s.stopping, false, s.stopping.done
	case s.starting != nil:
		return worker{}, false, s.starting
	default:
		return worker{}, false, nil
	}
}

func (s *store) snapshot(now time.Time) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatusSnapshot{Phase: s.phase}
	if s.cur == nil {
		return snap
	}
	snap.RunID = s.cur.runID
	snap.PID = s.cur.pid
	snap.Path = s.cur.path
	snap.StartedAt = s.cur.startedAt
	snap.Uptime = now.Sub(s.cur.startedAt)
	if snap.Uptime < 0 {
		snap.Uptime = 0
	}
	snap.Port = s.cur.port
	snap.PortDetected = s.cur.hasPort
	snap.LastError = s.cur.lastErr
	snap.HasError = s.cur.hasErr
	return snap
}

// StatusSnapshot is a point-in-time copy of the supervisor slot.
type StatusSnapshot struct {
	Phase        Phase
	RunID        string
	PID          int
	Path         string
	StartedAt    time.Time
	Uptime       time.Duration
	Port         uint16
	PortDetected bool
	LastError    string
	HasError     bool
}

// Running reports whether a worker is tracked.
func (s StatusSnapshot) Running() bool { return s.Phase == PhaseRunning }
