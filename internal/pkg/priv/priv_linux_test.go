// Copyright (c) 2024-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package priv

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEscalateRealEffective(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("EscalateRealEffective requires root (saved set-user-ID 0) to run meaningfully")
	}

	r, e, s := unix.Getresuid()
	t.Logf("Before escalation r/e/s: %d/%d/%d", r, e, s)

	drop, err := EscalateRealEffective()
	if err != nil {
		t.Fatal(err)
	}

	r, e, s = unix.Getresuid()
	if r != 0 || e != 0 {
		t.Fatalf("expected escalated real/effective uid 0, got r/e/s %d/%d/%d", r, e, s)
	}

	if err := drop(); err != nil {
		t.Fatal(err)
	}
}
