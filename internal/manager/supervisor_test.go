package manager

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brockhager/swarmchat/internal/events"
	"github.com/brockhager/swarmchat/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func (r *recorder) of(kind events.Kind) []events.Event {
	var out []events.Event
	for _, e := range r.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, kind events.Kind, n int) []events.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.of(kind)) >= n }, 5*time.Second, 10*time.Millisecond,
		"waiting for %d %s events", n, kind)
	return r.of(kind)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("supervisor tests drive sh workers")
	}
}

func shSupervisor(t *testing.T, script string, mutate ...func(*Config)) (*Supervisor, *recorder) {
	t.Helper()
	requireUnix(t)
	cfg := Config{
		Spec:        process.Spec{Name: "sh", Args: []string{"-c", script}},
		GracePeriod: time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	rec := &recorder{}
	s := New(cfg, WithSink(rec))
	t.Cleanup(func() {
		_ = s.Stop()
		s.Wait()
	})
	return s, rec
}

func TestStartStatusStop(t *testing.T) {
	s, rec := shSupervisor(t, "echo ready; sleep 30")

	require.NoError(t, s.Start())
	st := s.Status()
	assert.True(t, st.Running())
	assert.Equal(t, "running", st.Phase.String())
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, "sh", st.Path)
	assert.NotEmpty(t, st.RunID)

	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	assert.Len(t, rec.of(events.KindStarted), 1)

	lines := rec.waitFor(t, events.KindStdout, 1)
	assert.Equal(t, "ready", lines[0].Text)
	assert.Equal(t, st.RunID, lines[0].RunID)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)

	st = s.Status()
	assert.False(t, st.Running())
	assert.Equal(t, PhaseEmpty, st.Phase)
	assert.Zero(t, st.PID)

	stopped := rec.waitFor(t, events.KindStopped, 1)
	assert.Len(t, stopped, 1)
	rec.waitFor(t, events.KindExited, 1)
}

func TestStopWithoutWorker(t *testing.T) {
	s, _ := shSupervisor(t, "true")
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestWorkerExitClearsSlot(t *testing.T) {
	s, rec := shSupervisor(t, "exit 0")

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.Running() && st.PID == 0
	}, time.Second, 10*time.Millisecond)

	exited := rec.waitFor(t, events.KindExited, 1)
	require.NotNil(t, exited[0].ExitCode)
	assert.Equal(t, 0, *exited[0].ExitCode)
	assert.Empty(t, rec.of(events.KindStopped))
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestWorkerExitCodeReported(t *testing.T) {
	s, rec := shSupervisor(t, "echo bye >&2; exit 3")

	require.NoError(t, s.Start())
	exited := rec.waitFor(t, events.KindExited, 1)
	require.NotNil(t, exited[0].ExitCode)
	assert.Equal(t, 3, *exited[0].ExitCode)
	assert.Eventually(t, func() bool { return !s.Status().Running() }, time.Second, 10*time.Millisecond)
}

func TestPortDetectionFirstMatchWins(t *testing.T) {
	s, rec := shSupervisor(t, "echo 'Server listening on port 4321'; echo 'handled 9999 requests'; sleep 30")

	require.NoError(t, s.Start())
	rec.waitFor(t, events.KindStdout, 2)

	st := s.Status()
	assert.True(t, st.PortDetected)
	assert.Equal(t, uint16(4321), st.Port)

	ports := rec.of(events.KindPort)
	require.Len(t, ports, 1)
	assert.Equal(t, uint16(4321), ports[0].Port)
}

func TestPortMarkerRestrictsDetection(t *testing.T) {
	s, rec := shSupervisor(t, "echo '2024-05-01 booting'; echo 'client api listening on 8448'; sleep 30",
		func(c *Config) { c.PortMarker = "listening on" })

	require.NoError(t, s.Start())
	rec.waitFor(t, events.KindPort, 1)
	assert.Equal(t, uint16(8448), s.Status().Port)
}

func TestLastErrorMostRecentWins(t *testing.T) {
	s, rec := shSupervisor(t, "echo 'err A' >&2; echo 'err B' >&2; sleep 30")

	require.NoError(t, s.Start())
	rec.waitFor(t, events.KindStderr, 2)

	st := s.Status()
	assert.True(t, st.HasError)
	assert.Equal(t, "err B", st.LastError)
}

func TestSpawnFailureLeavesSlotEmpty(t *testing.T) {
	requireUnix(t)
	rec := &recorder{}
	s := New(Config{Spec: process.Spec{Name: "swarmchat-test-no-such-sidecar", ResourceDir: t.TempDir()}}, WithSink(rec))

	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "swarmchat-test-no-such-sidecar", se.Path)

	st := s.Status()
	assert.Equal(t, PhaseEmpty, st.Phase)
	assert.Zero(t, st.PID)
	assert.Empty(t, rec.all())

	// the slot is free again
	assert.ErrorIs(t, s.Start(), ErrSpawnFailure)
}

func TestStopEscalatesToKill(t *testing.T) {
	s, rec := shSupervisor(t, "trap '' TERM; echo armed; while :; do sleep 1; done",
		func(c *Config) { c.GracePeriod = 200 * time.Millisecond })

	require.NoError(t, s.Start())
	rec.waitFor(t, events.KindStdout, 1)

	began := time.Now()
	require.NoError(t, s.Stop())
	assert.GreaterOrEqual(t, time.Since(began), 200*time.Millisecond)
	assert.False(t, s.Status().Running())

	exited := rec.waitFor(t, events.KindExited, 1)
	assert.Nil(t, exited[0].ExitCode)
}

func TestRestartStartsWithCleanDerivedState(t *testing.T) {
	script := `n=$(cat count 2>/dev/null || echo 0); n=$((n+1)); echo $n > count
if [ "$n" -eq 1 ]; then echo 'port 1111'; echo boom >&2; fi
echo "run $n"; sleep 30`
	dir := t.TempDir()
	s, rec := shSupervisor(t, script, func(c *Config) { c.Spec.WorkDir = dir })

	require.NoError(t, s.Start())
	rec.waitFor(t, events.KindPort, 1)
	rec.waitFor(t, events.KindStderr, 1)
	first := s.Status()
	assert.Equal(t, uint16(1111), first.Port)
	assert.Equal(t, "boom", first.LastError)
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		for _, e := range rec.of(events.KindStdout) {
			if e.Text == "run 2" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	second := s.Status()
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.False(t, second.PortDetected)
	assert.False(t, second.HasError)
}

func TestShutdownSealsSupervisor(t *testing.T) {
	s, rec := shSupervisor(t, "sleep 30")

	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown())
	assert.False(t, s.Status().Running())
	rec.waitFor(t, events.KindStopped, 1)

	assert.ErrorIs(t, s.Start(), ErrLockFailure)
	assert.ErrorIs(t, s.Stop(), ErrLockFailure)
	assert.NoError(t, s.Shutdown())
}

func TestShutdownWithoutWorker(t *testing.T) {
	s, _ := shSupervisor(t, "true")
	assert.NoError(t, s.Shutdown())
	assert.ErrorIs(t, s.Start(), ErrLockFailure)
}

func TestShutdownWaitsForStopInProgress(t *testing.T) {
	s, rec := shSupervisor(t, "trap '' TERM; echo armed; while :; do sleep 1; done",
		func(c *Config) { c.GracePeriod = 300 * time.Millisecond })

	require.NoError(t, s.Start())
	rec.waitFor(t, events.KindStdout, 1)

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop() }()
	require.Eventually(t, func() bool { return s.Status().Phase == PhaseStopping }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown())
	assert.Len(t, rec.of(events.KindStarted), 1)
	require.NoError(t, <-stopDone)
	rec.waitFor(t, events.KindExited, 1)
}

func TestShutdownWaitsForStartInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var hold atomic.Bool
	// Start reads the clock between spawning and installing the worker.
	clock := func() time.Time {
		if hold.CompareAndSwap(true, false) {
			close(entered)
			<-release
		}
		return time.Now()
	}
	s, rec := shSupervisor(t, "sleep 30")
	WithClock(clock)(s)

	hold.Store(true)
	startErr := make(chan error, 1)
	go func() { startErr <- s.Start() }()
	<-entered
	assert.Equal(t, PhaseStarting, s.st.snapshot(time.Now()).Phase)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- s.Shutdown() }()
	select {
	case err := <-shutdownDone:
		t.Fatalf("Shutdown returned while Start still held the process: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shutdownDone)
	assert.ErrorIs(t, <-startErr, ErrLockFailure)
	assert.Empty(t, rec.of(events.KindStarted))
	assert.False(t, s.Status().Running())
}

func TestConcurrentStartStopNeverTracksTwoWorkers(t *testing.T) {
	s, rec := shSupervisor(t, "sleep 30", func(c *Config) { c.GracePeriod = 2 * time.Second })

	var wg sync.WaitGroup
	var mu sync.Mutex
	starts := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := s.Start(); err == nil {
					mu.Lock()
					starts++
					mu.Unlock()
				} else if !errors.Is(err, ErrAlreadyRunning) {
					t.Errorf("start: %v", err)
				}
				if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
					t.Errorf("stop: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	_ = s.Stop()

	// Every run must be stopped before the next one is started.
	var live string
	for _, e := range rec.all() {
		switch e.Kind {
		case events.KindStarted:
			require.Empty(t, live, "run %s started while %s still tracked", e.RunID, live)
			live = e.RunID
		case events.KindStopped:
			require.Equal(t, live, e.RunID)
			live = ""
		}
	}
	assert.Len(t, rec.of(events.KindStarted), starts)
	assert.Empty(t, live)
}
