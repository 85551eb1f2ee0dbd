// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package fsidguard adopts a user-namespaced target's mapped-root
// filesystem identity for the duration of a scope, so operations like
// mknod performed after entering that target's mount namespace are
// attributed to root from the target's point of view rather than to
// whatever unprivileged ID the current user namespace happens to see.
package fsidguard

import (
	"runtime"

	"github.com/moby/sys/capability"
	"github.com/oracle/crashcart/internal/pkg/sylog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/oracle/crashcart/pkg/util/namespaces"
)

// Guard restores the process's filesystem uid/gid to 0 when dropped. A
// Guard obtained for a target that is not in a user namespace (or whose
// uid_map/gid_map both map host root) is a no-op: its fields are zero and
// Drop does nothing beyond unlocking the OS thread it locked on
// acquisition.
type Guard struct {
	active bool
}

// Acquire inspects pid's uid_map and gid_map for a mapped root ID other
// than 0 and, if one is found, adopts it as the process's fsuid/fsgid and
// re-raises the full effective capability set (setfsuid/setfsgid can
// silently drop capabilities such as CAP_MKNOD on an ID transition, and
// the mknod MountOrchestrator performs next needs it back).
//
// Acquire locks the calling goroutine to its OS thread for the duration of
// the guard, since fsuid/fsgid are per-thread attributes in Linux; Drop
// unlocks it.
func Acquire(pid int) (*Guard, error) {
	runtime.LockOSThread()

	uid, err := namespaces.MappedRoot(pid, "uid_map")
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "while reading uid_map")
	}
	gid, err := namespaces.MappedRoot(pid, "gid_map")
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "while reading gid_map")
	}

	if uid == 0 && gid == 0 {
		sylog.Debugf("pid %d has no user namespace remapping, fsid guard is a no-op", pid)
		return &Guard{active: false}, nil
	}

	sylog.Debugf("adopting fsuid/fsgid %d/%d for pid %d", uid, gid, pid)
	unix.Setfsuid(uid)
	unix.Setfsgid(gid)

	if err := reraiseEffectiveCapabilities(); err != nil {
		// best effort to restore before reporting failure
		unix.Setfsuid(0)
		unix.Setfsgid(0)
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "while re-raising capabilities after fsid transition")
	}

	return &Guard{active: true}, nil
}

// Drop restores filesystem uid/gid to 0 and unlocks the OS thread. A
// failure to restore is logged rather than returned, so it never masks
// whatever error the caller is already unwinding with.
func (g *Guard) Drop() {
	defer runtime.UnlockOSThread()

	if !g.active {
		return
	}

	sylog.Debugf("restoring fsuid/fsgid to 0")
	unix.Setfsuid(0)
	unix.Setfsgid(0)
}

// reraiseEffectiveCapabilities sets the process's effective capability set
// back to everything its permitted set allows, undoing any capabilities
// the kernel silently dropped in response to setfsuid/setfsgid moving the
// effective ID away from 0 in the initial user namespace.
func reraiseEffectiveCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return errors.Wrap(err, "while inspecting current capabilities")
	}
	if err := caps.Load(); err != nil {
		return errors.Wrap(err, "while loading current capabilities")
	}

	for _, c := range capability.List() {
		if caps.Get(capability.PERMITTED, c) {
			caps.Set(capability.EFFECTIVE, c)
		}
	}

	if err := caps.Apply(capability.EFFECTIVE); err != nil {
		return errors.Wrap(err, "while applying effective capability set")
	}
	return nil
}
