//go:build windows

package process

import (
	"os/exec"
	"testing"
)

// checkSysProcAttrs verifies the worker is started in its own process group.
func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.CreationFlags&createNewProcessGroup == 0 {
		t.Fatalf("CREATE_NEW_PROCESS_GROUP not set")
	}
}
