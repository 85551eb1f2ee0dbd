// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package devicebroker

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestLoopNumber(t *testing.T) {
	n, err := loopNumber("/dev/loop7")
	assert.NilError(t, err)
	assert.Equal(t, n, 7)

	_, err = loopNumber("/dev/sda1")
	assert.ErrorContains(t, err, "does not look like a loop device")
}

func TestEnsureBoundRequiresRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("EnsureBound requires root to attach loop devices")
	}
	if _, err := os.Stat("/dev/loop-control"); err != nil {
		t.Skip("no /dev/loop-control on this host")
	}

	dir := t.TempDir()
	image := filepath.Join(dir, "crashcart.img")
	f, err := os.Create(image)
	assert.NilError(t, err)
	assert.NilError(t, f.Truncate(8<<20))
	assert.NilError(t, f.Close())

	b := New(256, true)
	n1, err := b.EnsureBound(image)
	assert.NilError(t, err)

	n2, err := b.EnsureBound(image)
	assert.NilError(t, err)
	assert.Equal(t, n1, n2, "a second EnsureBound on the same image must reuse its binding")
}
