// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/errors"
)

// Policy is the per-mode behavior layered on the controller's state machine.
type Policy struct {
	// LaunchHosts is false if the run stops once the server is up.
	LaunchHosts bool
	// AbortOnDialog stops the whole run on the first blocking dialog. If
	// false, a dialog only resolves the affected host and the run continues
	// until every host is resolved.
	AbortOnDialog bool
	// PersistServer keeps the server running across cycles. The server is
	// then stopped after the last cycle, or by Shutdown.
	PersistServer bool
	// Loop starts a new cycle on every trigger instead of returning.
	Loop bool
	// HideHosts forces hosts to be hidden regardless of configuration.
	HideHosts bool
}

var policies = map[config.Mode]Policy{
	config.SinglePassMode: {LaunchHosts: true, AbortOnDialog: true},
	config.ContinuousMode: {LaunchHosts: true, AbortOnDialog: true, PersistServer: true, Loop: true},
	config.CIMode:         {LaunchHosts: true, HideHosts: true},
	config.ServerOnlyMode: {PersistServer: true},
}

// PolicyFor returns the policy of mode.
func PolicyFor(mode config.Mode) (Policy, error) {
	if mode == config.RemoteMode {
		return Policy{}, withKind(ErrUnsupportedMode, errors.Errorf("%v mode is not implemented", mode))
	}
	p, ok := policies[mode]
	if !ok {
		return Policy{}, configErrorf("unknown mode %d", int(mode))
	}
	return p, nil
}
