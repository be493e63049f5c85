// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/host"
	"github.com/nya3jp/harness/internal/provider"
	"github.com/nya3jp/harness/internal/server"
)

var fullTransitions = []State{ServerStarting, HostsLaunching, Running, Completing, Stopped}

func TestSingleHostPasses(t *testing.T) {
	e := newEnv(t, config.SinglePassMode, envOptions{})
	done := e.runAsync()

	sid := e.waitFor(events.HostLaunched).SessionID
	publishAll(e.ctrl.Bus(), sid, "host-1", events.RunStarted, events.SuiteStarted, events.TestStarted, events.TestPassed, events.SuiteFinished)
	// The host reports completion through the server protocol.
	ev, err := server.Message{Kind: "RunCompleted", HostID: "host-1", SessionID: sid}.Event()
	if err != nil {
		t.Fatal(err)
	}
	e.ctrl.Bus().Publish(ev)

	res := e.wait(done)
	if diff := cmp.Diff(res.Outcome, events.PassedOutcome()); diff != "" {
		t.Errorf("Outcome mismatch (-got +want):\n%s", diff)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v; want nil", res.Err())
	}
	if res.State != Stopped || res.Cycles != 1 || res.Address != fakeBase || res.SessionID != sid {
		t.Errorf("Unexpected result %+v", res)
	}
	if diff := cmp.Diff(e.ctrl.Transitions(), fullTransitions); diff != "" {
		t.Errorf("Transitions mismatch (-got +want):\n%s", diff)
	}

	evs := e.remaining()
	if n := countKind(evs, events.RunCompleted); n != 1 {
		t.Errorf("Consumer got %d RunCompleted; want 1", n)
	}
	if last := evs[len(evs)-1]; last.Kind != events.RunCompleted || last.SessionID != sid {
		t.Errorf("Last event = %v; want RunCompleted of the session", last)
	}

	if starts, stops := e.srv.counts(); starts != 1 || stops != 1 {
		t.Errorf("Server started %d and stopped %d times; want 1, 1", starts, stops)
	}
	for _, f := range e.fakes() {
		if starts, stops, _ := f.Counts(); starts != 1 || stops != 1 {
			t.Errorf("%s started %d and stopped %d times; want 1, 1", f.Params.HostID, starts, stops)
		}
		if !f.Params.Visible {
			t.Errorf("%s hidden in single-pass mode", f.Params.HostID)
		}
	}

	// Teardown is idempotent.
	if err := e.ctrl.Shutdown(e.ctx); err != nil {
		t.Error("Shutdown failed: ", err)
	}
	if _, stops := e.srv.counts(); stops != 1 {
		t.Errorf("Server stopped %d times after Shutdown; want 1", stops)
	}
	if s := e.ctrl.State(); s != Stopped {
		t.Errorf("State after Shutdown = %v; want Stopped", s)
	}
}

func TestTestFailures(t *testing.T) {
	e := newEnv(t, config.SinglePassMode, envOptions{})
	done := e.runAsync()

	sid := e.waitFor(events.HostLaunched).SessionID
	publishAll(e.ctrl.Bus(), sid, "", events.RunStarted, events.TestStarted, events.TestFailed, events.TestStarted, events.TestFailed)
	e.ctrl.Bus().Publish(events.Event{Kind: events.HostCompleted, SessionID: sid})

	res := e.wait(done)
	want := events.FailedOutcome(events.TestFailures, "2 tests failed")
	if diff := cmp.Diff(res.Outcome, want); diff != "" {
		t.Errorf("Outcome mismatch (-got +want):\n%s", diff)
	}
	if !errors.Is(res.Err(), ErrTestFailures) {
		t.Errorf("Err() = %v; want ErrTestFailures", res.Err())
	}
}

func TestBlockedByDialog(t *testing.T) {
	const msg = "Assertion Failed: value was nil"
	var fakes []*host.Fake
	factory := func(p host.LaunchParams) (host.Host, error) {
		f := &host.Fake{Params: p}
		f.SetArtifact(msg)
		fakes = append(fakes, f)
		return f, nil
	}
	e := newEnv(t, config.SinglePassMode, envOptions{factory: factory})
	done := e.runAsync()

	sid := e.waitFor(events.HostLaunched).SessionID
	publishAll(e.ctrl.Bus(), sid, "host-1", events.RunStarted, events.TestStarted)
	res := e.advanceUntilDone(done, pollInterval)

	want := events.FailedOutcome(events.BlockedByDialog, msg)
	if diff := cmp.Diff(res.Outcome, want); diff != "" {
		t.Errorf("Outcome mismatch (-got +want):\n%s", diff)
	}
	if !errors.Is(res.Err(), ErrBlockedByDialog) {
		t.Errorf("Err() = %v; want ErrBlockedByDialog", res.Err())
	}
	if diff := cmp.Diff(e.ctrl.Transitions(), fullTransitions); diff != "" {
		t.Errorf("Transitions mismatch (-got +want):\n%s", diff)
	}
	if _, stops, dismissed := fakes[0].Counts(); stops != 1 || dismissed != 1 {
		t.Errorf("Host stopped %d times and dismissed %d dialogs; want 1, 1", stops, dismissed)
	}
	if n := countKind(e.remaining(), events.DialogBlocked); n != 1 {
		t.Errorf("Got %d DialogBlocked events after launch; want 1", n)
	}
}

func TestCommunicationTimeoutWithOneHostDone(t *testing.T) {
	e := newEnv(t, config.CIMode, envOptions{hosts: 2})
	done := e.runAsync()

	sid := e.waitFor(events.HostLaunched).SessionID
	e.waitFor(events.HostLaunched)
	publishAll(e.ctrl.Bus(), sid, "host-1", events.RunStarted, events.SuiteStarted, events.TestStarted, events.TestPassed, events.SuiteFinished)
	e.ctrl.Bus().Publish(events.Event{Kind: events.HostCompleted, HostID: "host-1", SessionID: sid, Passed: true})
	// host-2 never reports.

	res := e.advanceUntilDone(done, commTimeout+commTick)
	if res.Outcome.Verdict != events.Failed || res.Outcome.Reason != events.CommunicationTimeout {
		t.Errorf("Outcome = %v; want failed (communication timeout)", res.Outcome)
	}
	if !errors.Is(res.Err(), ErrCommunicationTimeout) {
		t.Errorf("Err() = %v; want ErrCommunicationTimeout", res.Err())
	}
	evs := e.remaining()
	if n := countKind(evs, events.CommunicationTimedOut); n != 1 {
		t.Errorf("Got %d CommunicationTimedOut events; want 1", n)
	}
	for _, f := range e.fakes() {
		if f.Params.Visible {
			t.Errorf("%s visible in CI mode", f.Params.HostID)
		}
		if _, stops, _ := f.Counts(); stops != 1 {
			t.Errorf("%s stopped %d times; want 1", f.Params.HostID, stops)
		}
	}
}

func TestCommunicationTimeoutWithHungDialogQuery(t *testing.T) {
	hung := make(chan *host.Fake, 1)
	factory := func(p host.LaunchParams) (host.Host, error) {
		f := &host.Fake{Params: p, HangQuery: true}
		hung <- f
		return f, nil
	}
	e := newEnv(t, config.SinglePassMode, envOptions{factory: factory})
	done := e.runAsync()

	e.waitFor(events.HostLaunched)

	res := e.advanceUntilDone(done, commTimeout+commTick)
	if res.Outcome.Verdict != events.Failed || res.Outcome.Reason != events.CommunicationTimeout {
		t.Errorf("Outcome = %v; want failed (communication timeout)", res.Outcome)
	}
	if _, stops, _ := (<-hung).Counts(); stops != 1 {
		t.Errorf("Host stopped %d times; want 1", stops)
	}
}

func TestCIModeDialogResolvesOnlyOneHost(t *testing.T) {
	factory := func(p host.LaunchParams) (host.Host, error) {
		f := &host.Fake{Params: p}
		if p.HostID == "host-1" {
			f.SetArtifact("Unhandled Exception")
		}
		return f, nil
	}
	e := newEnv(t, config.CIMode, envOptions{hosts: 2, factory: factory})
	done := e.runAsync()

	sid := e.waitFor(events.HostLaunched).SessionID
	e.waitFor(events.HostLaunched)

	// The run continues after host-1 is blocked.
	e.clk.WaitForNWatchersAndIncrement(pollInterval, 3)
	blocked := e.waitFor(events.DialogBlocked)
	if blocked.HostID != "host-1" {
		t.Fatalf("DialogBlocked for %s; want host-1", blocked.HostID)
	}
	select {
	case r := <-done:
		t.Fatalf("Run ended before every host resolved: %+v", r.res)
	case <-time.After(100 * time.Millisecond):
	}

	publishAll(e.ctrl.Bus(), sid, "host-2", events.RunStarted, events.TestPassed)
	e.ctrl.Bus().Publish(events.Event{Kind: events.HostCompleted, HostID: "host-2", SessionID: sid, Passed: true})

	res := e.wait(done)
	want := events.FailedOutcome(events.BlockedByDialog, "Unhandled Exception")
	if diff := cmp.Diff(res.Outcome, want); diff != "" {
		t.Errorf("Outcome mismatch (-got +want):\n%s", diff)
	}
}

func TestServerOnlyMode(t *testing.T) {
	e := newEnv(t, config.ServerOnlyMode, envOptions{})
	res, err := e.ctrl.Run(e.ctx)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if res.Address != fakeBase || res.State != ServerStarting || res.Cycles != 0 {
		t.Errorf("Unexpected result %+v", res)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v; want nil", res.Err())
	}
	if n := len(e.fakes()); n != 0 {
		t.Errorf("%d hosts launched in server-only mode", n)
	}
	if n := e.clk.WatcherCount(); n != 0 {
		t.Errorf("%d timers active in server-only mode", n)
	}
	if diff := cmp.Diff(e.ctrl.Transitions(), []State{ServerStarting}); diff != "" {
		t.Errorf("Transitions mismatch (-got +want):\n%s", diff)
	}
	if starts, stops := e.srv.counts(); starts != 1 || stops != 0 {
		t.Errorf("Server started %d and stopped %d times; want 1, 0", starts, stops)
	}

	for i := 0; i < 2; i++ {
		if err := e.ctrl.Shutdown(e.ctx); err != nil {
			t.Error("Shutdown failed: ", err)
		}
	}
	if _, stops := e.srv.counts(); stops != 1 {
		t.Errorf("Server stopped %d times; want 1", stops)
	}
	if s := e.ctrl.State(); s != Stopped {
		t.Errorf("State = %v; want Stopped", s)
	}
}

func TestRemoteModeUnsupported(t *testing.T) {
	e := newEnv(t, config.RemoteMode, envOptions{})
	_, err := e.ctrl.Run(e.ctx)
	if !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("Run returned %v; want ErrUnsupportedMode", err)
	}
	if starts, _ := e.srv.counts(); starts != 0 {
		t.Errorf("Server started %d times", starts)
	}
	if n := len(e.ctrl.Transitions()); n != 0 {
		t.Errorf("Controller made %d transitions", n)
	}
}

func TestConfigurationErrors(t *testing.T) {
	// No logger on the context.
	e := newEnv(t, config.SinglePassMode, envOptions{})
	if _, err := e.ctrl.Run(context.Background()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Run without logger returned %v; want ErrConfiguration", err)
	}

	if _, err := New(Params{}).Run(e.ctx); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Run without config returned %v; want ErrConfiguration", err)
	}

	// Continuous mode needs a trigger.
	e = newEnv(t, config.ContinuousMode, envOptions{})
	if _, err := e.ctrl.Run(e.ctx); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Run without trigger returned %v; want ErrConfiguration", err)
	}
	if starts, _ := e.srv.counts(); starts != 0 {
		t.Errorf("Server started %d times", starts)
	}
}

func TestHostLaunchError(t *testing.T) {
	var fakes []*host.Fake
	factory := func(p host.LaunchParams) (host.Host, error) {
		f := &host.Fake{Params: p, StartErr: errors.New("display not found")}
		fakes = append(fakes, f)
		return f, nil
	}
	e := newEnv(t, config.SinglePassMode, envOptions{factory: factory})
	res := e.wait(e.runAsync())

	if res.Outcome.Verdict != events.Failed || res.Outcome.Reason != events.HostLaunchError {
		t.Errorf("Outcome = %v; want failed (host launch error)", res.Outcome)
	}
	if !errors.Is(res.Err(), ErrHostLaunch) {
		t.Errorf("Err() = %v; want ErrHostLaunch", res.Err())
	}
	if diff := cmp.Diff(e.ctrl.Transitions(), []State{ServerStarting, HostsLaunching, Completing, Stopped}); diff != "" {
		t.Errorf("Transitions mismatch (-got +want):\n%s", diff)
	}
	if _, stops, _ := fakes[0].Counts(); stops != 1 {
		t.Errorf("Failed host stopped %d times; want 1", stops)
	}
	if _, stops := e.srv.counts(); stops != 1 {
		t.Errorf("Server stopped %d times; want 1", stops)
	}
}

func TestProviderFault(t *testing.T) {
	p := &provider.Static{Units: []provider.Unit{{Name: "A"}, {Name: "A"}}}
	e := newEnv(t, config.SinglePassMode, envOptions{provider: p})
	res := e.wait(e.runAsync())

	if res.State != Faulted || res.Outcome.Verdict != events.Faulted {
		t.Errorf("Result = %+v; want faulted", res)
	}
	if !errors.Is(res.Err(), ErrFaulted) {
		t.Errorf("Err() = %v; want ErrFaulted", res.Err())
	}
	if starts, _ := e.srv.counts(); starts != 0 {
		t.Errorf("Server started %d times", starts)
	}
	if n := countKind(e.remaining(), events.RunCompleted); n != 1 {
		t.Errorf("Got %d RunCompleted events; want 1", n)
	}
}

func TestServerStartFault(t *testing.T) {
	e := newEnv(t, config.CIMode, envOptions{startErr: errors.New("address in use")})
	res := e.wait(e.runAsync())
	if res.State != Faulted || res.Outcome.Verdict != events.Faulted {
		t.Errorf("Result = %+v; want faulted", res)
	}
	if n := len(e.fakes()); n != 0 {
		t.Errorf("%d hosts launched after server failure", n)
	}
}

func TestExternalStop(t *testing.T) {
	e := newEnv(t, config.SinglePassMode, envOptions{})
	done := e.runAsync()
	e.waitFor(events.HostLaunched)
	e.cancel()

	res := e.wait(done)
	if res.Outcome.Verdict != events.Faulted || res.Outcome.Message != context.Canceled.Error() {
		t.Errorf("Outcome = %v; want faulted by cancellation", res.Outcome)
	}
	if res.State != Stopped {
		t.Errorf("State = %v; want Stopped", res.State)
	}
	for _, f := range e.fakes() {
		if f.IsAlive() {
			t.Errorf("%s still alive after stop", f.Params.HostID)
		}
	}
}

func TestHostExitIsReported(t *testing.T) {
	e := newEnv(t, config.SinglePassMode, envOptions{})
	done := e.runAsync()
	sid := e.waitFor(events.HostLaunched).SessionID

	e.fakes()[0].Crash()
	e.clk.WaitForNWatchersAndIncrement(pollInterval, 3)
	deadline := time.Now().Add(waitTimeout)
	for !hasLog(e.logger, "host-1 exited before completing") {
		if time.Now().After(deadline) {
			t.Fatal("Host exit was not logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.ctrl.Bus().Publish(events.Event{Kind: events.HostCompleted, HostID: "host-1", SessionID: sid, Passed: true})
	if res := e.wait(done); res.Outcome.Verdict != events.Passed {
		t.Errorf("Outcome = %v; want passed", res.Outcome)
	}
}

func TestContinuousMode(t *testing.T) {
	trigger := make(chan struct{})
	e := newEnv(t, config.ContinuousMode, envOptions{trigger: trigger})
	done := e.runAsync()

	var sids []string
	for cycle := 0; cycle < 2; cycle++ {
		if cycle > 0 {
			trigger <- struct{}{}
		}
		sid := e.waitFor(events.HostLaunched).SessionID
		sids = append(sids, sid)
		e.ctrl.Bus().Publish(events.Event{Kind: events.HostCompleted, HostID: "host-1", SessionID: sid, Passed: true})
		if rc := e.waitFor(events.RunCompleted); rc.SessionID != sid || rc.Outcome.Verdict != events.Passed {
			t.Errorf("Cycle %d: RunCompleted = %v", cycle, rc)
		}
		// The server persists across cycles.
		if _, stops := e.srv.counts(); stops != 0 {
			t.Errorf("Cycle %d: server stopped %d times", cycle, stops)
		}
	}
	close(trigger)

	res := e.wait(done)
	if res.Cycles != 2 || res.State != Stopped {
		t.Errorf("Result = %+v; want 2 cycles, Stopped", res)
	}
	if sids[0] == sids[1] {
		t.Error("Cycles share a session ID")
	}
	if starts, stops := e.srv.counts(); starts != 1 || stops != 1 {
		t.Errorf("Server started %d and stopped %d times; want 1, 1", starts, stops)
	}
	if n := len(e.fakes()); n != 2 {
		t.Errorf("Launched %d hosts; want 2", n)
	}
}

func TestRunTwice(t *testing.T) {
	e := newEnv(t, config.ServerOnlyMode, envOptions{})
	if _, err := e.ctrl.Run(e.ctx); err != nil {
		t.Fatal("Run failed: ", err)
	}
	defer e.ctrl.Shutdown(e.ctx)
	if _, err := e.ctrl.Run(e.ctx); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Second Run returned %v; want ErrConfiguration", err)
	}
}
