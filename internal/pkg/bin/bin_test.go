// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package bin

import (
	"os/exec"
	"testing"

	"gotest.tools/v3/assert"
)

func TestFindBinKnownOnPath(t *testing.T) {
	truePath, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not on PATH in this environment")
	}

	path, err := FindBin("sh")
	assert.NilError(t, err)
	assert.Equal(t, path, truePath)
}

func TestFindBinUnknown(t *testing.T) {
	_, err := FindBin("not-a-known-binary")
	assert.ErrorContains(t, err, "is not known to FindBin")
}
