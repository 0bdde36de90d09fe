package process

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExe(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
}

func TestResolvePrefersSidecarSubdir(t *testing.T) {
	dir := t.TempDir()
	spec := Spec{Name: "dendrite", ResourceDir: dir}
	sub := filepath.Join(dir, "sidecar", executableName("dendrite"))
	flat := filepath.Join(dir, executableName("dendrite"))
	writeExe(t, sub)
	writeExe(t, flat)

	assert.Equal(t, sub, spec.Resolve())
}

func TestResolveFallsBackToResourceRoot(t *testing.T) {
	dir := t.TempDir()
	spec := Spec{Name: "dendrite", ResourceDir: dir}
	flat := filepath.Join(dir, executableName("dendrite"))
	writeExe(t, flat)

	assert.Equal(t, flat, spec.Resolve())
}

func TestResolveFallsBackToBareName(t *testing.T) {
	spec := Spec{Name: "dendrite", ResourceDir: t.TempDir()}
	assert.Equal(t, "dendrite", spec.Resolve())

	spec.ResourceDir = ""
	assert.Equal(t, "dendrite", spec.Resolve())
	assert.Empty(t, spec.Candidates())
}

func TestResolveIgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sidecar", executableName("dendrite")), 0o755))
	spec := Spec{Name: "dendrite", ResourceDir: dir}
	assert.Equal(t, "dendrite", spec.Resolve())
}

func TestCandidatesOrder(t *testing.T) {
	spec := Spec{Name: "dendrite", ResourceDir: "/res"}
	c := spec.Candidates()
	require.Len(t, c, 2)
	assert.Equal(t, filepath.Join("/res", "sidecar", executableName("dendrite")), c[0])
	assert.Equal(t, filepath.Join("/res", executableName("dendrite")), c[1])
	if runtime.GOOS == "windows" {
		assert.Equal(t, ".exe", filepath.Ext(c[0]))
	}
}
