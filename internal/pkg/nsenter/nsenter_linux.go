// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package nsenter moves the calling OS thread into a subset of a target
// process's namespaces, in the fixed order the kernel expects them to be
// entered, and provides scoped guards that remember how to get back.
//
// Every exported entry point here locks its goroutine to its current OS
// thread before calling setns and leaves it locked for the scoped variants,
// since Go's scheduler is otherwise free to resume the goroutine on a
// different thread that never made the namespace change — a subtlety the
// single-threaded implementation this is modeled on never had to consider.
package nsenter

import (
	"fmt"
	"os"
	"runtime"

	"github.com/oracle/crashcart/internal/pkg/sylog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind identifies one of the seven namespace types crashcart cares about.
type Kind string

const (
	IPC     Kind = "ipc"
	UTS     Kind = "uts"
	NET     Kind = "net"
	PID     Kind = "pid"
	MNT     Kind = "mnt"
	CGroup  Kind = "cgroup"
	User    Kind = "user"
)

// Order is the fixed sequence namespaces must be entered in: pid before
// mnt so a subsequent fork is born into the right pid namespace, user last
// so the uid/gid reset below happens only once every other namespace
// membership is settled.
var Order = []Kind{IPC, UTS, NET, PID, MNT, CGroup, User}

// Mask selects a subset of Order by bit, one bit per kind in Order.
type Mask uint8

const (
	MaskIPC Mask = 1 << iota
	MaskUTS
	MaskNET
	MaskPID
	MaskMNT
	MaskCGroup
	MaskUser
	MaskAll = MaskIPC | MaskUTS | MaskNET | MaskPID | MaskMNT | MaskCGroup | MaskUser
)

func maskFor(k Kind) Mask {
	switch k {
	case IPC:
		return MaskIPC
	case UTS:
		return MaskUTS
	case NET:
		return MaskNET
	case PID:
		return MaskPID
	case MNT:
		return MaskMNT
	case CGroup:
		return MaskCGroup
	case User:
		return MaskUser
	default:
		return 0
	}
}

func cloneFlag(k Kind) int {
	switch k {
	case IPC:
		return unix.CLONE_NEWIPC
	case UTS:
		return unix.CLONE_NEWUTS
	case NET:
		return unix.CLONE_NEWNET
	case PID:
		return unix.CLONE_NEWPID
	case MNT:
		return unix.CLONE_NEWNS
	case CGroup:
		return unix.CLONE_NEWCGROUP
	case User:
		return unix.CLONE_NEWUSER
	default:
		return 0
	}
}

type queuedEntry struct {
	kind Kind
	fd   int
}

// Enter moves the calling OS thread into every namespace kind selected by
// mask that pid belongs to and the caller does not already share, in the
// fixed order of Order. It locks the goroutine to its OS thread so the
// change survives past the current function; callers must arrange exactly
// one matching runtime.UnlockOSThread once the namespace change no longer
// needs to hold. runtime.LockOSThread is counted, not idempotent: calling
// it twice pins the goroutine until two UnlockOSThread calls have run, so
// callers that already locked before calling Enter must not lock again.
//
// Entering the user namespace immediately resets real/effective/saved
// uid and gid to 0 (mapped root), per the design requirement that a
// process landing in a freshly entered user namespace re-assert itself as
// that namespace's root before doing anything else.
func Enter(pid int, mask Mask) error {
	runtime.LockOSThread()

	var queue []queuedEntry
	for _, kind := range Order {
		if mask&maskFor(kind) == 0 {
			continue
		}

		selfPath := fmt.Sprintf("/proc/self/ns/%s", kind)
		targetPath := fmt.Sprintf("/proc/%d/ns/%s", pid, kind)

		selfFd, err := unix.Open(selfPath, unix.O_RDONLY, 0)
		if err != nil {
			if err == unix.ENOENT {
				sylog.Debugf("namespace kind %s not supported by kernel, skipping", kind)
				continue
			}
			return errors.Wrapf(err, "while opening %s", selfPath)
		}

		targetFd, err := unix.Open(targetPath, unix.O_RDONLY, 0)
		if err != nil {
			unix.Close(selfFd)
			if err == unix.ENOENT {
				sylog.Debugf("namespace kind %s not supported by kernel, skipping", kind)
				continue
			}
			return errors.Wrapf(err, "while opening %s", targetPath)
		}

		same, err := sameNamespaceFd(selfFd, targetFd)
		unix.Close(selfFd)
		if err != nil {
			unix.Close(targetFd)
			return err
		}
		if same {
			sylog.Debugf("already in target %s namespace, skipping", kind)
			unix.Close(targetFd)
			continue
		}

		queue = append(queue, queuedEntry{kind: kind, fd: targetFd})
	}

	for _, q := range queue {
		if err := unix.Setns(q.fd, cloneFlag(q.kind)); err != nil {
			unix.Close(q.fd)
			return errors.Wrapf(err, "while entering %s namespace of pid %d", q.kind, pid)
		}
		unix.Close(q.fd)

		if q.kind == User {
			if err := unix.Setresgid(0, 0, 0); err != nil {
				return errors.Wrap(err, "while resetting gid after entering user namespace")
			}
			if err := unix.Setresuid(0, 0, 0); err != nil {
				return errors.Wrap(err, "while resetting uid after entering user namespace")
			}
		}
	}

	return nil
}

func sameNamespaceFd(a, b int) (bool, error) {
	var sa, sb unix.Stat_t
	if err := unix.Fstat(a, &sa); err != nil {
		return false, errors.Wrap(err, "fstat")
	}
	if err := unix.Fstat(b, &sb); err != nil {
		return false, errors.Wrap(err, "fstat")
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino, nil
}

// MountScope is a guard that restores the caller's original mount
// namespace and working directory on Drop.
type MountScope struct {
	originFd int
	cwd      string
}

// EnterMountScope saves the caller's current mount namespace and working
// directory, then enters pid's mount namespace. Enter does the OS thread
// locking; there is no separate lock here to avoid pinning the goroutine
// twice for one logical scope.
func EnterMountScope(pid int) (*MountScope, error) {
	origin, err := unix.Open("/proc/self/ns/mnt", unix.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "while saving origin mnt namespace")
	}

	cwd, err := os.Getwd()
	if err != nil {
		unix.Close(origin)
		return nil, errors.Wrap(err, "while saving working directory")
	}

	if err := Enter(pid, MaskMNT); err != nil {
		unix.Close(origin)
		return nil, err
	}

	return &MountScope{originFd: origin, cwd: cwd}, nil
}

// Drop returns to the saved mount namespace, closes the saved file
// descriptor, and restores the working directory. Failures during unwind
// are logged, not returned, so they never mask whatever error the caller
// is already propagating; the OS thread is always unlocked.
func (m *MountScope) Drop() {
	defer runtime.UnlockOSThread()

	if err := unix.Setns(m.originFd, unix.CLONE_NEWNS); err != nil {
		sylog.Warningf("failed to restore origin mnt namespace: %v", err)
	}
	if err := unix.Close(m.originFd); err != nil {
		sylog.Warningf("failed to close saved mnt namespace fd: %v", err)
	}
	if err := os.Chdir(m.cwd); err != nil {
		sylog.Warningf("failed to restore working directory %s: %v", m.cwd, err)
	}
}

// PIDScope is a guard that restores the caller's original PID namespace on
// Drop. Entering a PID namespace only affects the caller's future
// children, never the caller itself, so there is no working-directory
// analogue to restore here.
type PIDScope struct {
	originFd int
}

// EnterPIDScope saves the caller's current PID namespace, then enters
// pid's PID namespace (affecting only processes subsequently forked by
// the caller). Enter does the OS thread locking; there is no separate
// lock here to avoid pinning the goroutine twice for one logical scope.
func EnterPIDScope(pid int) (*PIDScope, error) {
	origin, err := unix.Open("/proc/self/ns/pid", unix.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "while saving origin pid namespace")
	}

	if err := Enter(pid, MaskPID); err != nil {
		unix.Close(origin)
		return nil, err
	}

	return &PIDScope{originFd: origin}, nil
}

// Drop returns to the saved PID namespace and unlocks the OS thread.
func (p *PIDScope) Drop() {
	defer runtime.UnlockOSThread()

	if err := unix.Setns(p.originFd, unix.CLONE_NEWPID); err != nil {
		sylog.Warningf("failed to restore origin pid namespace: %v", err)
	}
	if err := unix.Close(p.originFd); err != nil {
		sylog.Warningf("failed to close saved pid namespace fd: %v", err)
	}
}
