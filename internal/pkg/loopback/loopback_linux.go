// Copyright (c) 2018-2025, Sylabs Inc. All rights reserved.
// Copyright (c) 2021, Genomics plc.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package loopback wraps the handful of loop-device ioctls DeviceBroker
// needs: finding a free /dev/loopN, attaching a backing file to it, and
// computing the packed device number the kernel uses to identify it.
package loopback

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/oracle/crashcart/internal/pkg/sylog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// scanLockPath serializes the /dev/loopN scan-and-attach sequence across
// concurrent crashcart invocations, independent of any single image's
// <image>.lock (DeviceBroker's critical section is one level up and covers
// more than the scan performed here).
const scanLockPath = "/var/lock/crashcart-loop-scan"

// Device describes a single loop device attachment in progress.
type Device struct {
	// MaxLoopDevices bounds how many /dev/loopN nodes will be probed or
	// created while looking for a free device.
	MaxLoopDevices int
	// Shared allows reuse of a loop device already bound to the same
	// backing file, instead of insisting on an unused one.
	Shared bool
	Info   *unix.LoopInfo64
	fd     *int
}

var errTransientAttach = errors.New("transient error, please retry")

const (
	maxRetries    = 5
	retryInterval = 250 * time.Millisecond
)

// SetBacking invokes the loop "set fd" ioctl, associating imageFd as the
// backing file for the loop device identified by loopFd.
func SetBacking(loopFd, imageFd int) error {
	if err := unix.IoctlSetInt(loopFd, unix.LOOP_SET_FD, imageFd); err != nil {
		return errors.Wrap(err, "LOOP_SET_FD")
	}
	return nil
}

// LoopDev computes the 64-bit packed device number for /dev/loop<n>, major
// 7, using the Linux kernel's split encoding: the low 8 bits of the minor
// occupy bits 0-7, the low 12 bits of the major occupy bits 8-19, the
// remaining minor bits occupy bits 20-31, and the remaining major bits
// occupy bits 32-63.
func LoopDev(n int) uint64 {
	const major = 7
	minor := uint64(n)
	maj := uint64(major)
	return (minor & 0xff) | ((maj & 0xfff) << 8) | ((minor &^ 0xff) << 12) | ((maj &^ 0xfff) << 32)
}

// AttachFromFile finds a usable loop device for image and associates it,
// retrying on transient EAGAIN/EBUSY races with other attachers.
func (d *Device) AttachFromFile(image *os.File, mode int, number *int) error {
	if image == nil {
		return fmt.Errorf("empty file pointer")
	}
	fi, err := image.Stat()
	if err != nil {
		return err
	}

	//nolint:forcetypeassert
	st := fi.Sys().(*syscall.Stat_t)
	imageIno := st.Ino
	imageDev := uint64(st.Dev)

	if d.Shared {
		ok, err := d.shareLoop(imageIno, imageDev, mode, number)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		d.Shared = false
	}

	for i := 0; i < maxRetries; i++ {
		err = d.attachLoop(image, mode, number)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errTransientAttach) {
			return err
		}
		sylog.Debugf("%v", err)
		time.Sleep(retryInterval)
	}
	return fmt.Errorf("failed to attach loop device: %s", err)
}

// shareLoop scans /dev/loopN devices for one already backing the same
// image+offset+flags, so concurrent mounts of the same image can reuse a
// single loop device rather than each allocating their own.
func (d *Device) shareLoop(imageIno, imageDev uint64, mode int, number *int) (ok bool, err error) {
	lk := flock.New(scanLockPath)
	if err := lk.Lock(); err != nil {
		return false, errors.Wrapf(err, "while locking %s", scanLockPath)
	}
	defer lk.Unlock()

	for device := 0; device < d.MaxLoopDevices; device++ {
		*number = device

		loopFd, err := openLoopDev(device, mode, false)
		if err != nil {
			if !os.IsNotExist(err) {
				sylog.Debugf("couldn't open loop device %d: %v", device, err)
			}
			continue
		}

		status, err := GetStatusFromFd(uintptr(loopFd))
		if err != nil {
			syscall.Close(loopFd)
			sylog.Debugf("couldn't get status from loop device %d: %v", device, err)
			continue
		}

		if status.Inode == imageIno && status.Device == imageDev &&
			status.Flags&unix.LO_FLAGS_READ_ONLY == d.Info.Flags&unix.LO_FLAGS_READ_ONLY &&
			status.Offset == d.Info.Offset && status.Sizelimit == d.Info.Sizelimit {
			sylog.Debugf("sharing loop device %d", device)
			d.fd = new(int)
			*d.fd = loopFd
			return true, nil
		}
		syscall.Close(loopFd)
	}
	return false, nil
}

// attachLoop finds a free /dev/loopN device, or creates one, and attaches
// image to it.
func (d *Device) attachLoop(image *os.File, mode int, number *int) error {
	var transientError error

	lk := flock.New(scanLockPath)
	if err := lk.Lock(); err != nil {
		return errors.Wrapf(err, "while locking %s", scanLockPath)
	}
	defer lk.Unlock()

	for device := 0; device < d.MaxLoopDevices; device++ {
		*number = device

		loopFd, err := openLoopDev(device, mode, true)
		if err != nil {
			sylog.Debugf("couldn't open loop device %d: %v", device, err)
			continue
		}

		if err := SetBacking(loopFd, int(image.Fd())); err != nil {
			syscall.Close(loopFd)
			continue
		}

		if _, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(loopFd), syscall.F_SETFD, syscall.FD_CLOEXEC); errno != 0 {
			syscall.Close(loopFd)
			return fmt.Errorf("failed to set close-on-exec on loop device %d: %s", device, errno.Error())
		}

		if err := unix.IoctlLoopSetStatus64(loopFd, d.Info); err != nil {
			unix.IoctlSetInt(loopFd, unix.LOOP_CLR_FD, 0)
			if err == unix.EAGAIN || err == unix.EBUSY {
				syscall.Close(loopFd)
				sylog.Debugf("transient error %v for loop device %d, continuing", err, device)
				transientError = err
				continue
			}
			return fmt.Errorf("failed to set loop flags on loop device: %s", err)
		}

		d.fd = new(int)
		*d.fd = loopFd
		return nil
	}

	if transientError != nil {
		return fmt.Errorf("%w: %v", errTransientAttach, transientError)
	}
	return fmt.Errorf("no loop devices available")
}

// openLoopDev opens /dev/loop<device>, creating the node via
// /dev/loop-control if it is missing and create is true.
func openLoopDev(device, mode int, create bool) (loopFd int, err error) {
	path := fmt.Sprintf("/dev/loop%d", device)
	fi, err := os.Stat(path)

	if os.IsNotExist(err) {
		if !create {
			return -1, err
		}
		if err := addLoopDev(device); err != nil && err != unix.EEXIST {
			return -1, err
		}
	} else if err != nil {
		return -1, fmt.Errorf("could not stat %s: %w", path, err)
	} else if fi.Mode()&os.ModeDevice == 0 {
		return -1, fmt.Errorf("%s is not a block device", path)
	}

	loopFd, err = syscall.Open(path, mode, 0o600)
	if err != nil {
		return -1, fmt.Errorf("could not open %s: %w", path, err)
	}
	return loopFd, nil
}

// addLoopDev creates /dev/loop<device> via /dev/loop-control, falling back
// to mknod with the packed device number if the kernel-created node isn't
// visible (e.g. when /dev didn't propagate a new node into a container).
func addLoopDev(device int) error {
	const loopControl = "/dev/loop-control"

	lc, err := os.OpenFile(loopControl, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("while opening loop-control device: %w", err)
	}
	defer lc.Close()

	sylog.Debugf("LOOP_CTL_ADD for loop device %d", device)
	if err := unix.IoctlSetInt(int(lc.Fd()), unix.LOOP_CTL_ADD, device); err != nil {
		return err
	}

	path := fmt.Sprintf("/dev/loop%d", device)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		sylog.Debugf("expected loop device %d is not visible, creating with mknod", device)
		if err := syscall.Mknod(path, syscall.S_IFBLK|0o660, int(LoopDev(device))); err != nil {
			return err
		}
		return nil
	} else if err != nil {
		return err
	}
	return nil
}

// AttachFromPath opens image and attaches it to a loop device, storing the
// resulting file descriptor on d.
func (d *Device) AttachFromPath(image string, mode int, number *int) error {
	file, err := os.OpenFile(image, mode, 0o600)
	if err != nil {
		return err
	}
	return d.AttachFromFile(file, mode, number)
}

// Close closes the loop device file descriptor, if one was attached.
func (d *Device) Close() error {
	if d.fd != nil {
		return syscall.Close(*d.fd)
	}
	return nil
}

// GetStatusFromFd returns loop status for an already-open loop device fd.
func GetStatusFromFd(fd uintptr) (*unix.LoopInfo64, error) {
	info, err := unix.IoctlLoopGetStatus64(int(fd))
	if err != nil {
		return nil, fmt.Errorf("failed to get loop flags for loop device: %s", err)
	}
	return info, nil
}

// GetStatusFromPath returns loop status for a loop device identified by
// path, e.g. "/dev/loop3".
func GetStatusFromPath(path string) (*unix.LoopInfo64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop device %s: %s", path, err)
	}
	defer f.Close()
	return GetStatusFromFd(f.Fd())
}
