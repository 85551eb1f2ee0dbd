// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package pidlocator resolves a container ID prefix (or a literal PID) to
// the init PID of the corresponding container, by glob-matching the
// runtime-specific "pid" files a handful of container runtimes leave behind.
//
// A cgroup-tasks-file based lookup was considered as an alternative
// resolution strategy for runtimes that don't drop a pid file in a
// predictable location, but is not implemented here — only glob patterns are
// searched: DefaultGlobs below, unless a Locator is given its own list (as
// the "pid globs" configuration directive does).
package pidlocator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultGlobs are searched, in order, for every candidate ID.
var DefaultGlobs = []string{
	"/var/run/docker/libcontainerd/containerd/%s*/init/pid",
	"/var/lib/rkt/pods/run/%s*/pid",
}

// Locator resolves container IDs to PIDs using a configurable set of glob
// patterns.
type Locator struct {
	Globs []string
}

// New returns a Locator using DefaultGlobs.
func New() *Locator {
	return &Locator{Globs: DefaultGlobs}
}

// Resolve finds the init PID for id. Each glob pattern in l.Globs is
// expanded with id substituted for "%s" (the default patterns follow "%s"
// with "*", so id matches as a prefix); if a pattern
// yields exactly one match, that match's contents are parsed as the PID. If
// a pattern yields more than one match, Resolve fails with an ambiguous-ID
// error. If no pattern matches anything, id itself is parsed as a literal
// PID.
func (l *Locator) Resolve(id string) (int, error) {
	if id == "" {
		return 0, errors.New("id must not be empty")
	}

	for _, pattern := range l.Globs {
		glob := fmt.Sprintf(pattern, id)
		matches, err := filepath.Glob(glob)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid glob pattern %q", glob)
		}
		if len(matches) > 1 {
			return 0, errors.Errorf("id %s is ambiguous", id)
		}
		if len(matches) == 1 {
			return readPidFile(matches[0])
		}
	}

	// No pattern matched anything; treat id as a literal PID.
	pid, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
	if err != nil {
		return 0, errors.Errorf("%q is not a valid pid", id)
	}
	return int(pid), nil
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "while reading %s", path)
	}
	pid, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, errors.Errorf("%s does not contain a valid pid", path)
	}
	return int(pid), nil
}
