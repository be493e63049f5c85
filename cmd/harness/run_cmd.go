// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"

	"github.com/nya3jp/harness/internal/command"
	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/logging"
	"github.com/nya3jp/harness/internal/runner"
)

const (
	fullLogName = "full.txt" // file in the results directory containing full output

	// exitFaulted is the exit status for runs that could not produce a
	// verdict, e.g. because the server failed to start.
	exitFaulted subcommands.ExitStatus = 3
)

type modeInfo struct {
	name     string
	synopsis string
	desc     string
}

var modeInfos = map[config.Mode]modeInfo{
	config.SinglePassMode: {"run", "run the payload once", `Starts the server, runs the payload once on every host and exits.
    A blocking dialog in any host fails the run immediately.`},
	config.CIMode: {"ci", "run the payload once with CI output", `Like run, but hosts are never visible and results are written as
    TeamCity service messages. Every host is run to completion, even if
    another host is blocked by a dialog.`},
	config.ContinuousMode: {"watch", "rerun the payload whenever it changes", `Keeps the server up and runs the payload again whenever a file in the
    payload directory changes. Stops on interrupt.`},
	config.ServerOnlyMode: {"serve", "only serve the payload", `Starts the server without launching hosts, so that hosts can be
    started by hand. Stops on interrupt.`},
	config.RemoteMode: {"remote", "run on remotely hosted hosts (unsupported)", `Remotely hosted runs are not supported by this harness.`},
}

// runCmd implements subcommands.Command for one run mode.
type runCmd struct {
	cfg     *config.MutableConfig
	wrapper runWrapper // can be set by tests to stub out the controller
	out     io.Writer  // results output
	// handleSignals is false in tests.
	handleSignals bool
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd(mode config.Mode) *runCmd {
	return &runCmd{
		cfg:           config.NewMutableConfig(mode),
		wrapper:       realRunWrapper{},
		out:           os.Stdout,
		handleSignals: true,
	}
}

func (r *runCmd) Name() string     { return modeInfos[r.cfg.Mode].name }
func (r *runCmd) Synopsis() string { return modeInfos[r.cfg.Mode].synopsis }
func (r *runCmd) Usage() string {
	return `Usage: ` + r.Name() + ` [flag]...

Description:
    ` + modeInfos[r.cfg.Mode].desc + `

    Exits with 0 if the run passed, 1 if it failed (test failures, a blocking
    dialog or a communication timeout), 2 for usage errors and 3 if the run
    faulted.

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	r.cfg.SetFlags(f)
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() > 0 {
		logging.Info(ctx, "Unexpected arguments.\n\n"+r.Usage())
		return subcommands.ExitUsageError
	}

	if r.cfg.ConfigFile != "" {
		explicit := make(map[string]bool)
		f.Visit(func(fl *flag.Flag) { explicit[fl.Name] = true })
		if err := r.cfg.MergeFile(r.cfg.ConfigFile, explicit); err != nil {
			logging.Info(ctx, "Failed to load config: ", err)
			return subcommands.ExitUsageError
		}
	}
	if err := r.cfg.Validate(); err != nil {
		logging.Info(ctx, "Bad configuration: ", err)
		return subcommands.ExitUsageError
	}
	cfg := r.cfg.Freeze()
	// Refuse unsupported modes before anything is written to disk.
	if _, err := runner.PolicyFor(cfg.Mode()); err != nil {
		logging.Info(ctx, "Failed to run: ", err)
		return subcommands.ExitUsageError
	}

	if cfg.Mode() == config.CIMode {
		// Keep stdout for service messages only.
		ctx = logging.AttachLoggerNoPropagation(ctx, logging.NewWriterLogger(os.Stderr, logging.LevelInfo, false))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Timeout() > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, cfg.Timeout())
		defer tcancel()
	}
	if r.handleSignals {
		command.InstallSignalHandler(os.Stderr, func(os.Signal) { cancel() })
	}

	if dir := cfg.ResDir(); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Info(ctx, err)
			return subcommands.ExitFailure
		}
		// Log the full output of the command to disk.
		fullLog, err := os.Create(filepath.Join(dir, fullLogName))
		if err != nil {
			logging.Info(ctx, err)
			return subcommands.ExitFailure
		}
		defer fullLog.Close()
		ctx = logging.AttachLogger(ctx, logging.NewWriterLogger(fullLog, logging.LevelDebug, true))
		logging.Info(ctx, "Writing results to ", dir)
	}

	logging.Info(ctx, "Command line: ", strings.Join(os.Args, " "))
	logging.Debug(ctx, "Config: ", cfg)

	res, err := r.wrapper.run(ctx, cfg, r.out)
	if err != nil {
		logging.Infof(ctx, "Failed to run: %v", err)
		if errors.Is(err, runner.ErrConfiguration) || errors.Is(err, runner.ErrUnsupportedMode) {
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}
	return exitStatus(ctx, res)
}

// exitStatus maps the result of a run to the exit status.
func exitStatus(ctx context.Context, res *runner.Result) subcommands.ExitStatus {
	err := res.Err()
	switch {
	case err == nil:
		return subcommands.ExitSuccess
	case errors.Is(err, runner.ErrFaulted):
		logging.Infof(ctx, "Run faulted: %v", err)
		return exitFaulted
	default:
		logging.Infof(ctx, "Run failed: %v", err)
		return subcommands.ExitFailure
	}
}
