// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestSplitIDAndArgsNoDash(t *testing.T) {
	cmd := newRootCmd()
	assert.NilError(t, cmd.ParseFlags([]string{"12345", "echo", "hi"}))

	id, userArgs := splitIDAndArgs(cmd, cmd.Flags().Args())
	assert.Equal(t, id, "12345")
	assert.DeepEqual(t, userArgs, []string{"echo", "hi"})
}

func TestSplitIDAndArgsWithDash(t *testing.T) {
	cmd := newRootCmd()
	assert.NilError(t, cmd.ParseFlags([]string{"12345", "--", "--help"}))

	id, userArgs := splitIDAndArgs(cmd, cmd.Flags().Args())
	assert.Equal(t, id, "12345")
	assert.DeepEqual(t, userArgs, []string{"--help"})
}
