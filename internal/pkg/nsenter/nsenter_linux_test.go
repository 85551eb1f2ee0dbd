// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package nsenter

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"
)

// Entering all of the caller's own namespaces must perform zero setns
// calls and therefore never requires privilege.
func TestEnterOwnNamespacesIsNoop(t *testing.T) {
	err := Enter(os.Getpid(), MaskAll)
	assert.NilError(t, err)
}

func TestMaskForOrder(t *testing.T) {
	seen := Mask(0)
	for _, k := range Order {
		m := maskFor(k)
		assert.Assert(t, m != 0, "kind %s has no mask", k)
		assert.Assert(t, seen&m == 0, "kind %s mask collides with an earlier kind", k)
		seen |= m
	}
	assert.Equal(t, seen, MaskAll)
}
