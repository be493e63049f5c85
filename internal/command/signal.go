// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var selfName = filepath.Base(os.Args[0])

// InstallSignalHandler installs a handler for SIGINT and SIGTERM.
//
// On the first signal, callback is called so that the caller can unwind
// gracefully (stop hosts, stop the server). If a second signal arrives before
// the process exits, all child processes are terminated and the process exits
// immediately. out is the output stream to write messages to (typically
// stderr).
func InstallSignalHandler(out io.Writer, callback func(sig os.Signal)) {
	ch := make(chan os.Signal, 2)
	go func() {
		sig := <-ch
		fmt.Fprintf(out, "\n%s: Caught %v signal; stopping\n", selfName, sig)
		callback(sig)

		sig = <-ch
		fmt.Fprintf(out, "\n%s: Caught %v signal again; exiting\n", selfName, sig)
		TerminateChildren(out)
		os.Exit(1)
	}()
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
}

// TerminateChildren sends SIGTERM to all direct child processes of the
// current process. Host processes launched by the harness are its children,
// so this releases them even if teardown never ran.
func TerminateChildren(out io.Writer) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		fmt.Fprintf(out, "Failed to terminate subprocesses: %v\n", err)
		return
	}
	children, err := self.Children()
	if err != nil {
		// ErrorNoChildren is the common case.
		return
	}
	for _, child := range children {
		child.Terminate()
	}
}
