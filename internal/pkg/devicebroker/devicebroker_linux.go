// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package devicebroker ensures a backing image is bound to a loop device,
// serializing concurrent attempts against the same image with an advisory
// file lock and remembering the binding in a "<image>.link" symlink so
// repeated invocations are idempotent.
package devicebroker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/oracle/crashcart/internal/pkg/loopback"
	"github.com/oracle/crashcart/internal/pkg/sylog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Broker binds backing images to loop devices.
type Broker struct {
	// MaxLoopDevices bounds the /dev/loopN scan performed when a fresh
	// binding is required.
	MaxLoopDevices int
	// Shared allows a fresh bind to reuse a loop device already backing the
	// same image instead of always allocating a new one.
	Shared bool
}

// New returns a Broker with the given loop device scan limit and sharing
// policy.
func New(maxLoopDevices int, shared bool) *Broker {
	return &Broker{MaxLoopDevices: maxLoopDevices, Shared: shared}
}

func linkPath(image string) string { return image + ".link" }
func lockPath(image string) string { return image + ".lock" }

// EnsureBound returns the loop device number backing image, creating and
// recording the binding if one does not already exist. The entire
// detect-or-create sequence runs under an exclusive advisory lock on
// "<image>.lock" so concurrent invocations against the same image never
// race.
//
// The lock file is unlinked once the critical section completes. On a
// contended run this leaves a brief window where a newcomer creates a fresh
// lock file and locks it before the previous holder's unlink completes;
// this is safe (advisory locks apply per-inode, and the two lock files are
// distinct inodes) but means the lock file can churn under contention. That
// churn is accepted rather than engineered away.
func (b *Broker) EnsureBound(image string) (int, error) {
	absImage, err := filepath.Abs(image)
	if err != nil {
		return -1, errors.Wrapf(err, "while resolving absolute path of %s", image)
	}

	lp := lockPath(absImage)
	lk := flock.New(lp)
	if err := lk.Lock(); err != nil {
		return -1, errors.Wrapf(err, "while locking %s", lp)
	}
	defer func() {
		if err := lk.Unlock(); err != nil {
			sylog.Warningf("failed to unlock %s: %v", lp, err)
		}
		if err := os.Remove(lp); err != nil && !os.IsNotExist(err) {
			sylog.Warningf("failed to remove %s: %v", lp, err)
		}
	}()

	link := linkPath(absImage)
	if n, ok, err := b.existingBinding(link, absImage); err != nil {
		return -1, err
	} else if ok {
		return n, nil
	}

	return b.bind(absImage, link)
}

// existingBinding inspects an existing "<image>.link" symlink, returning
// (device, true, nil) if it is still valid. A stale link (one whose target
// no longer backs image) is removed and (0, false, nil) is returned so the
// caller rebinds.
func (b *Broker) existingBinding(link, absImage string) (int, bool, error) {
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "while reading link %s", link)
	}

	n, err := loopNumber(target)
	if err != nil {
		return 0, false, errors.Wrapf(err, "while parsing link target %s", target)
	}

	if IsBacking(n, absImage) {
		return n, true, nil
	}

	sylog.Debugf("stale link %s -> %s, removing", link, target)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return 0, false, errors.Wrapf(err, "while removing stale link %s", link)
	}
	return 0, false, nil
}

// IsBacking reports whether /dev/loop<n>'s backing file canonicalizes to
// absImage. Any error along the way (status ioctl, open, read,
// canonicalize) collapses into "not backing" rather than propagating,
// matching the source tool's policy of treating unexpected I/O failure
// here as equivalent to "no binding" — simpler for callers, at the cost of
// hiding genuinely unexpected failures.
func IsBacking(n int, absImage string) bool {
	loopPath := fmt.Sprintf("/dev/loop%d", n)
	// GetStatusFromPath confirms the node is still a live, attached loop
	// device before trusting sysfs: a detached device can leave a stale
	// backing_file behind.
	if _, err := loopback.GetStatusFromPath(loopPath); err != nil {
		return false
	}

	backingFile := fmt.Sprintf("/sys/block/loop%d/loop/backing_file", n)
	data, err := os.ReadFile(backingFile)
	if err != nil {
		return false
	}
	backing, err := filepath.EvalSymlinks(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	canonImage, err := filepath.EvalSymlinks(absImage)
	if err != nil {
		return false
	}
	return backing == canonImage
}

// ReadLink reports the loop device number recorded in "<image>.link", if
// that link exists. ok is false when the link is absent, which callers
// should treat as "nothing to tear down".
func ReadLink(image string) (n int, ok bool, err error) {
	absImage, err := filepath.Abs(image)
	if err != nil {
		return 0, false, errors.Wrapf(err, "while resolving absolute path of %s", image)
	}

	target, err := os.Readlink(linkPath(absImage))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "while reading link %s", linkPath(absImage))
	}

	n, err = loopNumber(target)
	if err != nil {
		return 0, false, errors.Wrapf(err, "while parsing link target %s", target)
	}
	return n, true, nil
}

func loopNumber(target string) (int, error) {
	const prefix = "/dev/loop"
	if !strings.HasPrefix(target, prefix) {
		return 0, fmt.Errorf("link target %q does not look like a loop device", target)
	}
	return strconv.Atoi(strings.TrimPrefix(target, prefix))
}

// bind attaches absImage to a loop device read-only and records the binding
// in link. When b.Shared is set, a loop device already backing the same
// image with matching flags is reused instead of allocating a fresh one.
func (b *Broker) bind(absImage, link string) (int, error) {
	dev := &loopback.Device{
		MaxLoopDevices: b.MaxLoopDevices,
		Shared:         b.Shared,
		Info:           &unix.LoopInfo64{Flags: unix.LO_FLAGS_READ_ONLY},
	}

	var n int
	if err := dev.AttachFromPath(absImage, os.O_RDONLY, &n); err != nil {
		return -1, errors.Wrapf(err, "while attaching %s to a loop device", absImage)
	}

	loopPath := fmt.Sprintf("/dev/loop%d", n)
	if err := os.Symlink(loopPath, link); err != nil {
		dev.Close()
		return -1, errors.Wrapf(err, "while linking %s to %s", link, loopPath)
	}

	sylog.Debugf("bound %s to %s", absImage, loopPath)
	return n, nil
}
