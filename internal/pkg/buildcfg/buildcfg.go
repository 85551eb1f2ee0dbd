// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package buildcfg holds the handful of values the linker overwrites at
// build time via -ldflags.
package buildcfg

// PackageName is the program name reported by -V.
const PackageName = "crashcart"

// PackageVersion is overwritten at build time with:
//
//	-ldflags "-X github.com/oracle/crashcart/internal/pkg/buildcfg.PackageVersion=1.2.3"
//
// Left as "dev" for unreleased builds.
var PackageVersion = "dev"
