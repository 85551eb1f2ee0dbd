// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package execsupervisor runs the operator's command inside a target
// container's namespaces, or falls back to an external container runtime's
// own exec tool.
//
// Native mode enters the target's PID namespace in the calling process
// (which only ever affects children born after that point, never the
// caller itself) and then re-executes the crashcart binary through
// github.com/moby/sys/reexec so the remaining namespace entries and the
// final exec happen in a genuinely fresh child process image. A raw
// fork(2) followed by setns(2) calls from Go is not viable: the Go runtime
// assumes multiple OS threads keep running across a fork, and only the
// thread that called fork survives in the child, so anything beyond
// async-signal-safe syscalls is unsafe until exec replaces the process
// image. Self-reexec sidesteps this the same way it does for dockerd's own
// namespace-entering test helpers.
package execsupervisor

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/moby/sys/reexec"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/oracle/crashcart/internal/pkg/bin"
	"github.com/oracle/crashcart/internal/pkg/nsenter"
	"github.com/oracle/crashcart/internal/pkg/shell"
	"github.com/oracle/crashcart/internal/pkg/sylog"
)

// reexecKey identifies the registered nsenter-and-exec entry point to
// moby/sys/reexec. It is never a real external command name, only the
// argv[0] this binary recognizes as "re-exec into the child role".
const reexecKey = "crashcart-nsenter-exec"

// DefaultArgv is used when the operator supplies no command of their own.
var DefaultArgv = []string{"/dev/crashcart/bin/bash", "--rcfile", "/dev/crashcart/.crashcartrc", "-i"}

// forwardedSignals are relayed from the parent to the child process.
var forwardedSignals = []os.Signal{
	syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT,
	syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
}

func init() {
	reexec.Register(reexecKey, reexecChild)
}

// Init must be called at the very top of main, before any flag parsing: it
// detects whether the current process is actually the re-executed child
// role and, if so, runs it and returns true. main should return immediately
// when Init returns true.
func Init() bool {
	return reexec.Init()
}

// childPID holds the forwarding target, written exactly once by Run before
// its signal-relay goroutine starts, using release/acquire ordering so the
// relay never observes a torn or stale value. Go delivers signals to a
// dedicated goroutine rather than a true async-signal-safe interrupt
// handler, but the write-before-install discipline from the design is kept
// anyway since it costs nothing and documents the invariant.
var childPID atomic.Int64

// Run enters pid's PID namespace in the calling process, then re-execs into
// a child that joins the remaining namespaces and execs argv (or
// DefaultArgv if argv is empty). It forwards SIGTERM/SIGQUIT/SIGINT/SIGHUP/
// SIGUSR1/SIGUSR2 to the child until it exits, and returns the child's exit
// code: the code it exited with, or 128+signal if it died by signal.
func Run(pid int, argv []string) (int, error) {
	if len(argv) == 0 {
		argv = DefaultArgv
	}

	scope, err := nsenter.EnterPIDScope(pid)
	if err != nil {
		return 1, errors.Wrapf(err, "while entering pid namespace of pid %d", pid)
	}
	defer scope.Drop()

	reexecArgs := append([]string{reexecKey, strconv.Itoa(pid)}, argv...)
	cmd := reexec.Command(reexecArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	sylog.Debugf("exec vector: %s", shell.ArgsQuoted(argv))

	if err := cmd.Start(); err != nil {
		return 1, errors.Wrap(err, "while starting nsenter child")
	}

	// Write-then-install: the forwarding target is recorded before the
	// signal channel is armed, so the relay loop below never reads a PID
	// for a signal that arrived before the child existed.
	childPID.Store(int64(cmd.Process.Pid))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, forwardedSignals...)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	var waitErr error
	g.Go(func() error {
		defer cancel()
		// cmd.Wait (via os.Process.Wait) retries internally on EINTR;
		// there is no caller-visible retry loop needed here.
		waitErr = cmd.Wait()
		return waitErr
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-sigCh:
				target := int(childPID.Load())
				sig, ok := s.(syscall.Signal)
				if !ok {
					continue
				}
				if err := syscall.Kill(target, sig); err != nil {
					sylog.Debugf("failed to forward signal %s to pid %d: %v", s, target, err)
				}
			}
		}
	})

	_ = g.Wait()
	childPID.Store(0)
	return exitCode(cmd, waitErr)
}

// LastChildPID returns the PID of the most recently started nsenter child,
// or 0 if none is currently running. The top-level error handler uses this
// to send a SIGTERM to a still-running child when a fatal error surfaces
// outside of Run's own signal-forwarding loop.
func LastChildPID() int {
	return int(childPID.Load())
}

// Terminate sends SIGTERM to pid. It is a thin wrapper so callers outside
// this package don't need to import syscall just to forward one signal.
func Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// exitCode derives Run's return value from cmd.Wait's result: the child's
// own exit code on normal exit, or 128+signal if it died by signal.
func exitCode(cmd *exec.Cmd, waitErr error) (int, error) {
	if waitErr == nil {
		return cmd.ProcessState.ExitCode(), nil
	}

	var exitErr *exec.ExitError
	if stderrors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}

	return 1, errors.Wrap(waitErr, "while waiting for nsenter child")
}

// RuntimeExec execs tool ("exec", "-it", id, userArgs...) in place of the
// current process, falling back to the external container runtime's own
// exec support instead of crashcart's native namespace entry. userArgs
// defaults to DefaultArgv when the operator supplies no command, the same
// as Run. On success this call never returns; the calling process image is
// replaced.
func RuntimeExec(tool, id string, userArgs []string) error {
	if len(userArgs) == 0 {
		userArgs = DefaultArgv
	}

	path, err := bin.FindBin(tool)
	if err != nil {
		return errors.Wrapf(err, "while locating runtime-exec tool %q", tool)
	}

	argv := append([]string{tool, "exec", "-it", id}, userArgs...)
	sylog.Debugf("runtime exec vector: %s", shell.ArgsQuoted(argv))

	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return errors.Wrapf(err, "while exec-ing %s", path)
	}
	return nil
}

// reexecChild is the moby/sys/reexec-registered entry point. os.Args[1] is
// the target PID (already entered by the parent, and therefore this
// process's own PID namespace); os.Args[2:] is the command to exec after
// joining the remaining namespace kinds.
func reexecChild() {
	if len(os.Args) < 2 {
		sylog.Fatalf("crashcart nsenter child invoked without a target pid")
	}
	pid, err := strconv.Atoi(os.Args[1])
	if err != nil {
		sylog.Fatalf("crashcart nsenter child: invalid target pid %q: %v", os.Args[1], err)
	}

	argv := os.Args[2:]
	if len(argv) == 0 {
		argv = DefaultArgv
	}

	const remaining = nsenter.MaskUser | nsenter.MaskIPC | nsenter.MaskUTS |
		nsenter.MaskMNT | nsenter.MaskCGroup | nsenter.MaskNET
	if err := nsenter.Enter(pid, remaining); err != nil {
		sylog.Fatalf("while entering remaining namespaces of pid %d: %v", pid, err)
	}

	if err := unix.Exec(argv[0], argv, os.Environ()); err != nil {
		sylog.Fatalf("while exec-ing %s: %v", argv[0], err)
	}
}
