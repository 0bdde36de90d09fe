package process

import (
	"os"
	"path/filepath"
	"runtime"
)

// Spec describes the sidecar executable and how to launch it.
type Spec struct {
	Name        string   `json:"name"`         // executable base name, without platform suffix
	ResourceDir string   `json:"resource_dir"` // bundled resources; empty skips bundled lookup
	Args        []string `json:"args"`         // arguments passed to the worker (none by default)
	Env         []string `json:"env"`          // extra KEY=VALUE entries appended to the host env
	WorkDir     string   `json:"work_dir"`     // optional working directory
}

// Candidates returns the bundled locations tried, in order, before falling
// back to the bare name on PATH.
func (s Spec) Candidates() []string {
	if s.ResourceDir == "" || s.Name == "" {
		return nil
	}
	exe := executableName(s.Name)
	return []string{
		filepath.Join(s.ResourceDir, "sidecar", exe),
		filepath.Join(s.ResourceDir, exe),
	}
}

// Resolve returns the first bundled candidate that exists as a regular file.
// Otherwise it returns the bare name, leaving the lookup to the OS search path.
func (s Spec) Resolve() string {
	for _, p := range s.Candidates() {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return s.Name
}

func executableName(name string) string {
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return name + ".exe"
	}
	return name
}
