// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fsidguard

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/oracle/crashcart/pkg/util/namespaces"
)

func TestAcquireIsNoopOutsideUserNamespace(t *testing.T) {
	inUserNS, _ := namespaces.IsInsideUserNamespace(os.Getpid())
	if inUserNS {
		t.Skip("test process unexpectedly already running in a user namespace")
	}

	g, err := Acquire(os.Getpid())
	assert.NilError(t, err)
	assert.Equal(t, g.active, false)

	g.Drop()
}
