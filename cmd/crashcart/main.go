// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"os"

	"github.com/oracle/crashcart/cmd/internal/cli"
	"github.com/oracle/crashcart/internal/pkg/execsupervisor"
)

func main() {
	// Must run before any flag parsing: if this process is actually the
	// re-executed nsenter-and-exec child role, Init runs it to completion:
	// the child execs over itself on success and exits with status 1 on
	// failure, so Init returns (false) only in the normal CLI role.
	if execsupervisor.Init() {
		return
	}

	os.Exit(cli.Execute())
}
