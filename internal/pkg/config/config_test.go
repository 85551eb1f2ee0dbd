// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseMissingFile(t *testing.T) {
	cfg, err := Parse(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, Default())
}

func TestParseOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashcart.conf")
	body := "# comment line\n" +
		"max loop devices = 8\n" +
		"shared loop devices = yes\n" +
		"crashcart image = /tmp/rescue.img\n" +
		"runtime exec tool = podman\n"
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Parse(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxLoopDevices, uint(8))
	assert.Equal(t, cfg.SharedLoopDevices, true)
	assert.Equal(t, cfg.CrashcartImage, "/tmp/rescue.img")
	assert.Equal(t, cfg.RuntimeExecTool, "podman")
}

func TestParsePidGlobsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashcart.conf")
	body := "pid globs = /a/%s*/pid, /b/%s*/pid\n"
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Parse(path)
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg.PidGlobs, []string{"/a/%s*/pid", "/b/%s*/pid"})
}

func TestParseUnknownDirective(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashcart.conf")
	assert.NilError(t, os.WriteFile(path, []byte("not a real directive = 1\n"), 0o644))

	_, err := Parse(path)
	assert.ErrorContains(t, err, "unknown directive")
}

func TestParseMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashcart.conf")
	assert.NilError(t, os.WriteFile(path, []byte("this line has no equals sign\n"), 0o644))

	_, err := Parse(path)
	assert.ErrorContains(t, err, "malformed directive")
}

func TestCurrentConfig(t *testing.T) {
	assert.Assert(t, GetCurrentConfig() == nil)
	cfg := Default()
	SetCurrentConfig(cfg)
	defer SetCurrentConfig(nil)
	assert.Equal(t, GetCurrentConfig(), cfg)
}
