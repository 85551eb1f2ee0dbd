// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package execsupervisor

import (
	"os/exec"
	"testing"

	"gotest.tools/v3/assert"
)

func TestExitCodeNormalExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	err := cmd.Run()

	code, cerr := exitCode(cmd, err)
	assert.NilError(t, cerr)
	assert.Equal(t, code, 7)
}

func TestExitCodeSignaled(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "kill -TERM $$")
	err := cmd.Run()

	code, cerr := exitCode(cmd, err)
	assert.NilError(t, cerr)
	assert.Equal(t, code, 128+15)
}

func TestDefaultArgv(t *testing.T) {
	assert.Equal(t, DefaultArgv[0], "/dev/crashcart/bin/bash")
	assert.Equal(t, DefaultArgv[len(DefaultArgv)-1], "-i")
}
