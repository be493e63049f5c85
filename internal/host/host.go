// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package host launches and owns the external host processes that execute
// the test payload.
package host

import (
	"context"
	"fmt"
)

// Host is the capability the harness requires from a host process, e.g. a
// browser instance or a containerized browser.
type Host interface {
	// Start launches the host. It returns once the host process exists; it
	// does not wait for the payload to report progress.
	Start(ctx context.Context) error
	// Stop terminates the host. Stopping a host that already exited is not an
	// error.
	Stop(ctx context.Context) error
	// IsAlive reports whether the host process is still running.
	IsAlive() bool
	// ProcessID returns the native process ID if it is known.
	ProcessID() (pid int, ok bool)
	// QueryBlockingArtifact looks for a UI artifact (modal dialog, assertion
	// popup) that blocks the host. It returns the artifact's message and true
	// if one is found.
	QueryBlockingArtifact(ctx context.Context) (msg string, found bool, err error)
}

// ArtifactDismisser is implemented by hosts that can clear the artifact last
// reported by QueryBlockingArtifact.
type ArtifactDismisser interface {
	DismissBlockingArtifact(ctx context.Context) error
}

// LaunchParams are the parameters a host is launched with.
type LaunchParams struct {
	// HostID identifies the host in events.
	HostID string
	// Address is the test-entry address the host loads.
	Address string
	// Visible shows the host window if true.
	Visible bool
	// ForceStart bypasses "already running" checks.
	ForceStart bool
	// Peers is the number of hosts launched in the same run, including this one.
	Peers int
}

// Multi reports whether the host shares the run with other hosts.
func (p LaunchParams) Multi() bool {
	return p.Peers > 1
}

// Factory creates a Host for params. It must not start the host.
type Factory func(params LaunchParams) (Host, error)

// AddressFunc returns the test-entry address for a host. multi is true when
// more than one host is launched, in which case the address must be
// distinguishable per host.
type AddressFunc func(hostID string, multi bool) string

// HostID returns the ID of the i-th host (0-based) in a run.
func HostID(i int) string {
	return fmt.Sprintf("host-%d", i+1)
}
