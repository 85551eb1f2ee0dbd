// Copyright (c) 2018-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package priv provides OS-thread-scoped credential escalation, used by
// MountOrchestrator to run its Mount and Unmount sequences with real and
// effective uid 0.
package priv

import (
	"os"
	"runtime"

	"github.com/oracle/crashcart/internal/pkg/sylog"
	"github.com/oracle/crashcart/pkg/util/namespaces"
	"golang.org/x/sys/unix"
)

// DropPrivsFunc reverses an escalation performed by EscalateRealEffective.
type DropPrivsFunc func() error

// EscalateRealEffective locks the current goroutine to its current OS
// thread, then escalates the real and effective uid of that thread to root
// (uid 0). The previous real uid is kept as the saved set-user-ID. The
// returned DropPrivsFunc must be called to drop privileges and unlock the
// goroutine at the earliest suitable point.
//
// Locking the goroutine to its OS thread here is load-bearing: Go's
// scheduler may otherwise migrate the goroutine to a different thread
// between the escalate and the drop, leaving the escalated thread running
// unattended and the drop operating on the wrong one.
func EscalateRealEffective() (DropPrivsFunc, error) {
	runtime.LockOSThread()
	uid, _, _ := unix.Getresuid()

	if insideUserNs, _ := namespaces.IsInsideUserNamespace(os.Getpid()); insideUserNs {
		sylog.Debugf("calling process is itself inside a user namespace, escalating within that namespace's own root mapping")
	}

	dropPrivsFunc := func() error {
		defer runtime.UnlockOSThread()
		sylog.Debugf("Drop r/e/s: %d/%d/%d", uid, uid, 0)
		return unix.Setresuid(uid, uid, 0)
	}

	sylog.Debugf("Escalate r/e/s: %d/%d/%d", 0, 0, uid)
	// unix.Setresuid makes a direct syscall and so only affects the
	// current OS thread, unlike syscall.Setresuid which is all-thread
	// since Go 1.16.
	return dropPrivsFunc, unix.Setresuid(0, 0, uid)
}
