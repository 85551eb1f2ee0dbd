// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mountorchestrator

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestIsMountedRoot(t *testing.T) {
	mounted, err := IsMounted("/")
	assert.NilError(t, err)
	assert.Equal(t, mounted, true)
}

func TestIsMountedNonexistent(t *testing.T) {
	mounted, err := IsMounted(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.NilError(t, err)
	assert.Equal(t, mounted, false)
}
