// Copyright (c) 2019-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package bin resolves the external binaries crashcart shells out to.
package bin

import (
	"fmt"
	"os/exec"
)

// FindBin returns the path to the named binary, or an error if it is not
// found on PATH. crashcart never bundles or configures alternate locations
// for these tools — everything it needs is expected to already be
// installed on the host.
func FindBin(name string) (string, error) {
	switch name {
	// the default interactive shell launched inside the target's mounted
	// image by ExecSupervisor's default argument vector
	case "bash", "sh":
		return findOnPath(name)
	// external runtime-exec fallback tools; the config's "runtime exec
	// tool" directive picks one of these by name
	case "docker", "podman", "nerdctl", "crictl":
		return findOnPath(name)
	default:
		return "", fmt.Errorf("executable name %q is not known to FindBin", name)
	}
}

func findOnPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s is not on PATH: %w", name, err)
	}
	return path, nil
}
