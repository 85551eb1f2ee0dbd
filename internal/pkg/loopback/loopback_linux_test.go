// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package loopback

import (
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestLoopDevMatchesKernelEncoding(t *testing.T) {
	cases := []struct {
		n    int
		want uint64
	}{
		{0, unix.Mkdev(7, 0)},
		{1, unix.Mkdev(7, 1)},
		{255, unix.Mkdev(7, 255)},
		{256, unix.Mkdev(7, 256)},
		{1 << 20, unix.Mkdev(7, 1<<20)},
	}
	for _, tc := range cases {
		got := LoopDev(tc.n)
		assert.Equal(t, got, tc.want, "LoopDev(%d)", tc.n)
	}
}

func TestAttachFromPathRequiresRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("loop device attach requires root")
	}

	tmp, err := os.CreateTemp(t.TempDir(), "crashcart-loop-*.img")
	assert.NilError(t, err)
	assert.NilError(t, tmp.Truncate(1<<20))
	assert.NilError(t, tmp.Close())

	dev := &Device{
		MaxLoopDevices: 8,
		Info:           &unix.LoopInfo64{Flags: unix.LO_FLAGS_READ_ONLY},
	}
	var n int
	assert.NilError(t, dev.AttachFromPath(tmp.Name(), os.O_RDONLY, &n))
	defer dev.Close()

	status, err := GetStatusFromPath(fmt.Sprintf("/dev/loop%d", n))
	assert.NilError(t, err)
	assert.Assert(t, status.Flags&unix.LO_FLAGS_READ_ONLY != 0)
}
