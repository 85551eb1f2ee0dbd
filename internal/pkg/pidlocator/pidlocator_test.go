// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pidlocator

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestResolveSingleMatch(t *testing.T) {
	dir := t.TempDir()
	podDir := filepath.Join(dir, "abc123")
	assert.NilError(t, os.MkdirAll(podDir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(podDir, "pid"), []byte("4242\n"), 0o644))

	l := &Locator{Globs: []string{filepath.Join(dir, "%s*/pid")}}
	pid, err := l.Resolve("abc")
	assert.NilError(t, err)
	assert.Equal(t, pid, 4242)
}

func TestResolveAmbiguous(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"abc1", "abc2"} {
		podDir := filepath.Join(dir, name)
		assert.NilError(t, os.MkdirAll(podDir, 0o755))
		assert.NilError(t, os.WriteFile(filepath.Join(podDir, "pid"), []byte("1\n"), 0o644))
	}

	l := &Locator{Globs: []string{filepath.Join(dir, "%s*/pid")}}
	_, err := l.Resolve("abc")
	assert.ErrorContains(t, err, "ambiguous")
}

func TestResolveFallsBackToLiteralPid(t *testing.T) {
	l := &Locator{Globs: []string{filepath.Join(t.TempDir(), "%s*/pid")}}
	pid, err := l.Resolve("12345")
	assert.NilError(t, err)
	assert.Equal(t, pid, 12345)
}

func TestResolveNonNumericLiteralIsParseError(t *testing.T) {
	l := &Locator{Globs: []string{filepath.Join(t.TempDir(), "%s*/pid")}}
	_, err := l.Resolve("not-a-pid")
	assert.ErrorContains(t, err, "not a valid pid")
}

func TestResolveEmptyIDIsParseErrorNotAmbiguous(t *testing.T) {
	l := New()
	_, err := l.Resolve("")
	assert.ErrorContains(t, err, "must not be empty")
}
