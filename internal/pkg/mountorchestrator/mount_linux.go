// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mountorchestrator composes DeviceBroker, FsidGuard and NsEnter to
// create and tear down the tmpfs staging area, block-special node, and
// read-only ext3 mount that a rescue shell runs out of inside a target
// container's mount namespace.
package mountorchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/oracle/crashcart/internal/pkg/devicebroker"
	"github.com/oracle/crashcart/internal/pkg/fsidguard"
	"github.com/oracle/crashcart/internal/pkg/loopback"
	"github.com/oracle/crashcart/internal/pkg/nsenter"
	"github.com/oracle/crashcart/internal/pkg/priv"
	"github.com/oracle/crashcart/internal/pkg/sylog"
)

const (
	// tmpfsStaging is the tmpfs mount point holding per-loop block nodes,
	// inside the target mount namespace.
	tmpfsStaging = "/dev/cc-loop"
	// inContainerMount is the read-only ext3 mount point rescue tooling
	// is reached through, inside the target mount namespace.
	inContainerMount = "/dev/crashcart"
)

// Orchestrator ties a DeviceBroker to the mount/unmount sequence.
type Orchestrator struct {
	Broker *devicebroker.Broker
}

// New returns an Orchestrator backed by broker.
func New(broker *devicebroker.Broker) *Orchestrator {
	return &Orchestrator{Broker: broker}
}

// Mount binds image to a loop device and makes it visible read-only at
// /dev/crashcart inside pid's mount namespace. It is idempotent: running it
// twice in succession against the same (pid, image) leaves exactly one
// mount in place and allocates no additional loop device.
func (o *Orchestrator) Mount(pid int, image string) error {
	// When crashcart is installed setuid-root so unprivileged operators can
	// invoke it directly, the real uid starts out unprivileged; escalate
	// real/effective to 0 for the loop-device and mount syscalls below, and
	// drop back to the invoking user once they're done.
	if dropPrivs, err := priv.EscalateRealEffective(); err == nil {
		defer func() {
			if err := dropPrivs(); err != nil {
				sylog.Warningf("failed to drop escalated privileges: %v", err)
			}
		}()
	} else {
		sylog.Debugf("not escalating privileges: %v", err)
	}

	devnr, err := o.Broker.EnsureBound(image)
	if err != nil {
		return errors.Wrap(err, "while binding image to a loop device")
	}

	guard, err := fsidguard.Acquire(pid)
	if err != nil {
		return errors.Wrap(err, "while acquiring fsid guard")
	}
	defer guard.Drop()

	scope, err := nsenter.EnterMountScope(pid)
	if err != nil {
		return errors.Wrapf(err, "while entering mount namespace of pid %d", pid)
	}
	defer scope.Drop()

	if err := ensureTmpfsStaging(); err != nil {
		return err
	}

	// TODO: if /dev inside the target turns out to be mounted read-only,
	// remount it read-write before the mknod below and drop a sentinel so
	// Unmount knows to remount it read-only again afterward.
	if err := ensureLoopNode(devnr); err != nil {
		return err
	}

	if err := ensureCrashcartMount(devnr); err != nil {
		return err
	}

	sylog.Infof("mounted loop%d at %s inside pid %d", devnr, inContainerMount, pid)
	return nil
}

func ensureTmpfsStaging() error {
	mounted, err := mountinfo.Mounted(tmpfsStaging)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "while checking whether %s is mounted", tmpfsStaging)
	}
	if mounted {
		return nil
	}

	if err := os.MkdirAll(tmpfsStaging, 0o755); err != nil {
		return errors.Wrapf(err, "while creating %s", tmpfsStaging)
	}

	if err := unix.Mount("tmpfs", tmpfsStaging, "tmpfs", 0, ""); err != nil {
		if err != unix.EBUSY {
			return errors.Wrapf(err, "while mounting tmpfs on %s", tmpfsStaging)
		}
	}
	return nil
}

func ensureLoopNode(devnr int) error {
	path := filepath.Join(tmpfsStaging, fmt.Sprintf("loop%d", devnr))
	dev := loopback.LoopDev(devnr)

	if err := unix.Mknod(path, unix.S_IFBLK|0o660, int(dev)); err != nil {
		if err != unix.EEXIST {
			return errors.Wrapf(err, "while creating block node %s", path)
		}
	}
	return nil
}

func ensureCrashcartMount(devnr int) error {
	mounted, err := mountinfo.Mounted(inContainerMount)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "while checking whether %s is mounted", inContainerMount)
	}
	if mounted {
		return nil
	}

	if err := os.MkdirAll(inContainerMount, 0o755); err != nil {
		return errors.Wrapf(err, "while creating %s", inContainerMount)
	}

	loopNode := filepath.Join(tmpfsStaging, fmt.Sprintf("loop%d", devnr))
	if err := unix.Mount(loopNode, inContainerMount, "ext3", unix.MS_RDONLY, ""); err != nil {
		if err != unix.EBUSY {
			return errors.Wrapf(err, "while mounting %s on %s", loopNode, inContainerMount)
		}
	}
	return nil
}

// Unmount reverses Mount's effects inside pid's mount namespace: the
// read-only mount, its block node, and the tmpfs staging area are removed.
// The loop device binding and "<image>.link" are intentionally left in
// place, since the loop device may still back a mount in another
// container; reclaiming it is out of scope here.
//
// If image has no recorded binding, or its recorded loop device no longer
// backs image, Unmount treats there being nothing of its own to tear down
// and returns success.
func (o *Orchestrator) Unmount(pid int, image string) error {
	devnr, ok, err := devicebroker.ReadLink(image)
	if err != nil {
		return errors.Wrap(err, "while reading image's loop device link")
	}
	if !ok {
		sylog.Debugf("no loop binding recorded for %s, nothing to unmount", image)
		return nil
	}

	absImage, err := filepath.Abs(image)
	if err != nil {
		return errors.Wrapf(err, "while resolving absolute path of %s", image)
	}
	if !devicebroker.IsBacking(devnr, absImage) {
		sylog.Debugf("loop%d no longer backs %s, assuming it is managed elsewhere", devnr, image)
		return nil
	}

	if dropPrivs, err := priv.EscalateRealEffective(); err == nil {
		defer func() {
			if err := dropPrivs(); err != nil {
				sylog.Warningf("failed to drop escalated privileges: %v", err)
			}
		}()
	} else {
		sylog.Debugf("not escalating privileges: %v", err)
	}

	guard, err := fsidguard.Acquire(pid)
	if err != nil {
		return errors.Wrap(err, "while acquiring fsid guard")
	}
	defer guard.Drop()

	scope, err := nsenter.EnterMountScope(pid)
	if err != nil {
		return errors.Wrapf(err, "while entering mount namespace of pid %d", pid)
	}
	defer scope.Drop()

	if err := unmountTolerant(inContainerMount); err != nil {
		return err
	}
	if err := removeDirTolerant(inContainerMount); err != nil {
		return err
	}

	loopNode := filepath.Join(tmpfsStaging, fmt.Sprintf("loop%d", devnr))
	if err := os.Remove(loopNode); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "while removing %s", loopNode)
	}

	if err := unmountTolerant(tmpfsStaging); err != nil {
		return err
	}
	if err := removeDirTolerant(tmpfsStaging); err != nil {
		return err
	}

	sylog.Infof("unmounted %s inside pid %d", inContainerMount, pid)
	return nil
}

func unmountTolerant(path string) error {
	if err := unix.Unmount(path, 0); err != nil && err != unix.ENOENT && err != unix.EINVAL {
		return errors.Wrapf(err, "while unmounting %s", path)
	}
	return nil
}

func removeDirTolerant(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "while removing %s", path)
	}
	return nil
}

// IsMounted reports whether path is itself a mount point, by comparing its
// device number against its parent's. A nonexistent path is not mounted.
func IsMounted(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return mounted, nil
}
