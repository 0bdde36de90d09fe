package manager

import (
	"errors"
	"os/exec"

	"github.com/brockhager/swarmchat/internal/events"
	"github.com/brockhager/swarmchat/internal/process"
)

// watch waits for the OS to report w gone and clears it from the slot if it
// is still the tracked run. Stop and Shutdown clear the slot themselves, in
// which case nothing is left to do here but report the exit.
func (s *Supervisor) watch(w worker) {
	defer s.wg.Done()
	<-w.proc.Done()

	err := w.proc.ExitErr()
	outcome := exitOutcome(err)
	if process.IsWaitFailure(err) {
		s.log.Error("Sidecar wait failed", "name", s.name, "pid", w.pid, "error", errors.Join(ErrWaitFailure, err))
	}
	s.metrics.IncExit(s.name, outcome)

	if s.st.clearRun(w.runID) {
		s.metrics.SetRunning(s.name, false)
		s.log.Info("Sidecar exited", "name", s.name, "pid", w.pid, "outcome", outcome, "exitCode", w.proc.ExitCode())
	}

	e := events.Event{Kind: events.KindExited, RunID: w.runID, PID: w.pid}
	if code := w.proc.ExitCode(); code >= 0 {
		e.ExitCode = &code
	}
	s.emit(e)
}

func exitOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ee.ExitCode() < 0 {
			return "signaled"
		}
		return "failure"
	}
	return "wait_error"
}
