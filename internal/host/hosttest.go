// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"sync"
)

// Fake is an in-memory Host for tests and dry runs. Its state is driven by
// the owner through SetArtifact and Crash.
type Fake struct {
	Params   LaunchParams
	StartErr error
	StopErr  error
	// HangQuery makes QueryBlockingArtifact block until its context is done.
	HangQuery bool

	mu        sync.Mutex
	alive     bool
	starts    int
	stops     int
	artifact  string
	dismissed int
}

var _ Host = &Fake{}
var _ ArtifactDismisser = &Fake{}

// NewFakeFactory returns a Factory creating Fake hosts and a function that
// returns the hosts created so far, in creation order.
func NewFakeFactory() (Factory, func() []*Fake) {
	var mu sync.Mutex
	var fakes []*Fake
	factory := func(params LaunchParams) (Host, error) {
		f := &Fake{Params: params}
		mu.Lock()
		fakes = append(fakes, f)
		mu.Unlock()
		return f, nil
	}
	list := func() []*Fake {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Fake(nil), fakes...)
	}
	return factory, list
}

// Start marks the host alive unless StartErr is set.
func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.StartErr != nil {
		return f.StartErr
	}
	f.alive = true
	return nil
}

// Stop marks the host dead.
func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.alive = false
	return f.StopErr
}

// IsAlive reports whether the host is alive.
func (f *Fake) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

// ProcessID is unknown for fakes.
func (f *Fake) ProcessID() (int, bool) { return 0, false }

// QueryBlockingArtifact reports the artifact set by SetArtifact.
func (f *Fake) QueryBlockingArtifact(ctx context.Context) (string, bool, error) {
	if f.HangQuery {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifact, f.artifact != "", nil
}

// DismissBlockingArtifact clears the artifact.
func (f *Fake) DismissBlockingArtifact(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifact = ""
	f.dismissed++
	return nil
}

// SetArtifact makes the host report a blocking artifact with msg.
func (f *Fake) SetArtifact(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifact = msg
}

// Crash makes the host dead without a Stop call.
func (f *Fake) Crash() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// Counts returns the number of Start, Stop and DismissBlockingArtifact calls.
func (f *Fake) Counts() (starts, stops, dismissed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.dismissed
}
