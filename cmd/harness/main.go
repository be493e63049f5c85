// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the harness executable, which serves a test
// payload and drives host processes running it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/logging"
)

// Version is the version info of this command. It is filled in at build time.
var Version = "<unknown>"

// newLogger creates a logging.Logger based on the supplied command-line flags.
func newLogger(verbose, logTime bool) logging.Logger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	return logging.NewWriterLogger(os.Stderr, level, logTime)
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newRunCmd(config.SinglePassMode), "run")
	subcommands.Register(newRunCmd(config.CIMode), "run")
	subcommands.Register(newRunCmd(config.ContinuousMode), "run")
	subcommands.Register(newRunCmd(config.ServerOnlyMode), "run")
	subcommands.Register(newRunCmd(config.RemoteMode), "run")
	subcommands.Register(&historyCmd{out: os.Stdout}, "")

	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "use verbose logging")
	logTime := flag.Bool("logtime", true, "include date/time headers in logs")
	flag.Parse()

	if *version {
		fmt.Printf("harness version %s\n", Version)
		return 0
	}

	ctx := logging.AttachLogger(context.Background(), newLogger(*verbose, *logTime))
	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
