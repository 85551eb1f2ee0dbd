// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cli implements crashcart's single cobra command: argument routing
// across mount-only, unmount-only, runtime-exec, and the default
// mount+exec+unmount cycle.
package cli

import (
	"fmt"
	"os"

	"github.com/ccoveille/go-safecast"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/oracle/crashcart/internal/pkg/buildcfg"
	"github.com/oracle/crashcart/internal/pkg/config"
	"github.com/oracle/crashcart/internal/pkg/devicebroker"
	"github.com/oracle/crashcart/internal/pkg/execsupervisor"
	"github.com/oracle/crashcart/internal/pkg/mountorchestrator"
	"github.com/oracle/crashcart/internal/pkg/pidlocator"
	"github.com/oracle/crashcart/internal/pkg/sylog"
)

var (
	imageFlag       string
	configFlag      string
	mountOnlyFlag   bool
	unmountOnlyFlag bool
	runtimeExecFlag bool
	verboseFlag     bool
	versionFlag     bool
)

// exitCode carries the process exit status out of RunE for main to use,
// since a successful run of the default mount+exec+unmount cycle exits
// with the executed command's own code rather than 0.
var exitCode int

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashcart [options] ID [--] [CMD...]",
		Short: "attach rescue tooling to a running container",
		Long: "crashcart attaches a pre-built filesystem image containing diagnostic\n" +
			"binaries into the mount namespace of an already-running container\n" +
			"process, then optionally runs a command inside that container's\n" +
			"namespaces. ID is either a literal PID or a container-ID prefix\n" +
			"resolved against a handful of container-runtime-specific pid files.",
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		SilenceErrors:         true,
		Args:                  cobra.ArbitraryArgs,
		RunE:                  runRoot,
	}

	flags := cmd.Flags()
	flags.StringVarP(&imageFlag, "image", "i", "", "backing image to attach (default from config, else crashcart.img)")
	flags.StringVarP(&configFlag, "config", "c", "/etc/crashcart.conf", "path to the crashcart directive file")
	flags.BoolVarP(&mountOnlyFlag, "mount", "m", false, "mount only, do not run a command or unmount")
	flags.BoolVarP(&unmountOnlyFlag, "unmount", "u", false, "unmount only")
	flags.BoolVarP(&runtimeExecFlag, "runtime-exec", "e", false, "shell out to an external container runtime's own exec support, treating ID as a runtime container ID")
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&versionFlag, "version", "V", false, "print version and exit")

	return cmd
}

// Execute runs the crashcart CLI and returns the process exit code: the
// executed command's own code on success, 1 on any fatal error, or
// 128+signal if the command died by signal.
func Execute() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		if verboseFlag && os.Getenv("CRASHCART_DEBUG") == "1" {
			sylog.Errorf("%+v", err)
		} else {
			sylog.Errorf("%v", err)
		}
		if pid := execsupervisor.LastChildPID(); pid != 0 {
			sylog.Debugf("sending SIGTERM to spawned child %d after fatal error", pid)
			_ = execsupervisor.Terminate(pid)
		}
		return 1
	}
	return exitCode
}

func runRoot(cmd *cobra.Command, args []string) error {
	sylog.SetVerbose(verboseFlag)

	if versionFlag {
		fmt.Printf("%s version %s\n", buildcfg.PackageName, buildcfg.PackageVersion)
		return nil
	}

	if len(args) == 0 {
		return errors.New("ID is required")
	}
	if mountOnlyFlag && unmountOnlyFlag {
		return errors.New("cannot combine -m and -u")
	}
	if runtimeExecFlag && (mountOnlyFlag || unmountOnlyFlag) {
		return errors.New("-e cannot be combined with -m or -u")
	}

	id, userArgs := splitIDAndArgs(cmd, args)

	cfg, err := config.Parse(configFlag)
	if err != nil {
		return err
	}
	config.SetCurrentConfig(cfg)
	if imageFlag == "" {
		imageFlag = cfg.CrashcartImage
	}

	locator := &pidlocator.Locator{Globs: cfg.PidGlobs}
	pid, err := locator.Resolve(id)
	if err != nil {
		return errors.Wrapf(err, "while resolving %q to a pid", id)
	}

	maxLoopDevices, err := safecast.ToInt(cfg.MaxLoopDevices)
	if err != nil {
		return errors.Wrap(err, "while converting max loop devices directive")
	}
	broker := devicebroker.New(maxLoopDevices, cfg.SharedLoopDevices)
	orchestrator := mountorchestrator.New(broker)

	switch {
	case mountOnlyFlag:
		if err := orchestrator.Mount(pid, imageFlag); err != nil {
			return err
		}
		exitCode = 0
		return nil

	case unmountOnlyFlag:
		if err := orchestrator.Unmount(pid, imageFlag); err != nil {
			return err
		}
		exitCode = 0
		return nil

	case runtimeExecFlag:
		if err := orchestrator.Mount(pid, imageFlag); err != nil {
			return err
		}
		// RuntimeExec replaces this process on success and never returns.
		return execsupervisor.RuntimeExec(cfg.RuntimeExecTool, id, userArgs)

	default:
		if err := orchestrator.Mount(pid, imageFlag); err != nil {
			return err
		}

		code, runErr := execsupervisor.Run(pid, userArgs)

		if uErr := orchestrator.Unmount(pid, imageFlag); uErr != nil {
			sylog.Warningf("failed to unmount after running command: %v", uErr)
		}

		if runErr != nil {
			return runErr
		}
		exitCode = code
		return nil
	}
}

// splitIDAndArgs separates the positional ID from the trailing command
// vector, honoring an explicit "--" separator when the caller used one.
func splitIDAndArgs(cmd *cobra.Command, args []string) (string, []string) {
	id := args[0]
	if dash := cmd.Flags().ArgsLenAtDash(); dash >= 0 {
		return id, args[dash:]
	}
	return id, args[1:]
}

