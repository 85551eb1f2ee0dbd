// Copyright (c) 2018-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sylog provides crashcart's process-wide structured logger, a thin
// wrapper around logrus that keeps the Debugf/Infof/Warningf/Errorf/Fatalf
// call-site shape used throughout this codebase regardless of which backend
// sits behind it.
package sylog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    false,
	})
}

// SetVerbose raises the logger to debug level when v is true, matching the
// effect of the CLI's -v/--verbose flag.
func SetVerbose(v bool) {
	if v {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// Debugf logs a message only visible with -v.
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Infof logs a routine, user-visible message.
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warningf logs a recoverable problem: a scoped-release step failed during
// unwind, a benign errno was swallowed, and so on.
func Warningf(format string, args ...interface{}) {
	log.Warningf(format, args...)
}

// Errorf logs a non-fatal error the caller is still able to recover from or
// report upward.
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// Fatalf logs a fatal error and terminates the process with exit status 1.
// Its only caller is execsupervisor's re-executed child entry point, which
// has no caller to return an error to; the CLI's top-level handler logs
// with Errorf and returns exit status 1 instead.
func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
