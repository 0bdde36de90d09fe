package process

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %d did not exit within %v", p.PID(), d)
	}
}

func TestSpawnCapturesStdoutAndStderr(t *testing.T) {
	requireUnix(t)
	p, err := Spawn("sh", Spec{Args: []string{"-c", "echo out; echo err 1>&2"}})
	require.NoError(t, err)
	defer p.CloseOutput()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	errOut, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)

	assert.Equal(t, "out\n", string(out))
	assert.Equal(t, "err\n", string(errOut))
	waitDone(t, p, 2*time.Second)
	assert.Equal(t, 0, p.ExitCode())
	assert.NoError(t, p.ExitErr())
}

func TestSpawnAppliesEnvAndWorkDir(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p, err := Spawn("sh", Spec{
		Args:    []string{"-c", "echo $SWARMCHAT_TEST_VAR; pwd"},
		Env:     []string{"SWARMCHAT_TEST_VAR=hello"},
		WorkDir: dir,
	})
	require.NoError(t, err)
	defer p.CloseOutput()

	sc := bufio.NewScanner(p.Stdout())
	require.True(t, sc.Scan())
	assert.Equal(t, "hello", sc.Text())
	require.True(t, sc.Scan())
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, sc.Text())
	waitDone(t, p, 2*time.Second)
}

func TestSpawnNotFound(t *testing.T) {
	p, err := Spawn("swarmchat-definitely-missing-binary", Spec{})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}

func TestExitCodeNonZero(t *testing.T) {
	requireUnix(t)
	p, err := Spawn("sh", Spec{Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	defer p.CloseOutput()

	waitDone(t, p, 2*time.Second)
	assert.True(t, p.Exited())
	assert.Equal(t, 3, p.ExitCode())
	assert.Error(t, p.ExitErr())
	assert.False(t, IsWaitFailure(p.ExitErr()))
}

func TestTerminateEndsProcessGroup(t *testing.T) {
	requireUnix(t)
	p, err := Spawn("sh", Spec{Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	defer p.CloseOutput()

	assert.False(t, p.Exited())
	assert.Equal(t, -1, p.ExitCode())
	require.NoError(t, p.Terminate())
	waitDone(t, p, 3*time.Second)

	// stdout reaches EOF once every holder of the write end is gone.
	_, err = io.ReadAll(p.Stdout())
	assert.NoError(t, err)
}

func TestKillIgnoresTerm(t *testing.T) {
	requireUnix(t)
	p, err := Spawn("sh", Spec{Args: []string{"-c", "trap '' TERM; sleep 30"}})
	require.NoError(t, err)
	defer p.CloseOutput()

	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.Terminate())
	select {
	case <-p.Done():
		t.Fatalf("process exited on SIGTERM despite trap")
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, p.Kill())
	waitDone(t, p, 3*time.Second)
	assert.Equal(t, -1, p.ExitCode())
}

func TestSignalsAfterExitAreNoops(t *testing.T) {
	requireUnix(t)
	p, err := Spawn("sh", Spec{Args: []string{"-c", "true"}})
	require.NoError(t, err)
	defer p.CloseOutput()
	waitDone(t, p, 2*time.Second)

	assert.NoError(t, p.Terminate())
	assert.NoError(t, p.Kill())
}

func TestIsWaitFailure(t *testing.T) {
	assert.False(t, IsWaitFailure(nil))
	assert.True(t, IsWaitFailure(errors.New("wait: no child processes")))
}

func TestSpawnConfiguresProcessGroup(t *testing.T) {
	requireUnix(t)
	p, err := Spawn("sh", Spec{Args: []string{"-c", "exit 0"}})
	require.NoError(t, err)
	defer p.CloseOutput()
	checkSysProcAttrs(t, p.cmd)
	waitDone(t, p, 2*time.Second)
}
