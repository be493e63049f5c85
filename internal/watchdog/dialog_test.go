// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"

	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/host"
)

func startedFakes(t *testing.T, n int) []*host.Fake {
	t.Helper()
	var fs []*host.Fake
	for i := 0; i < n; i++ {
		f := &host.Fake{Params: host.LaunchParams{HostID: host.HostID(i)}}
		if err := f.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		fs = append(fs, f)
	}
	return fs
}

func TestDialogWatchdogTracksEveryHost(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	bus := events.NewBus(clk)
	defer bus.Close()

	w := NewDialogWatchdog(clk, bus, "s1", 2*time.Second)
	fakes := startedFakes(t, 3)
	for _, f := range fakes {
		w.Add(f.Params.HostID, f)
	}
	fakes[1].SetArtifact("Assertion failed")

	w.Poll(context.Background())
	w.Poll(context.Background())

	got := w.Entries()
	for i := range got {
		got[i].Last.Time = time.Time{}
	}
	want := []DialogEntry{
		{HostID: "host-1", Polls: 2},
		{HostID: "host-2", Polls: 1, Blocked: true, Last: PollResult{Found: true, Message: "Assertion failed"}},
		{HostID: "host-3", Polls: 2},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Entries mismatch (-got +want):\n%s", diff)
	}
	if _, _, dismissed := fakes[1].Counts(); dismissed != 1 {
		t.Errorf("Dialog dismissed %d times; want 1", dismissed)
	}
}

func TestDialogWatchdogPublishesOncePerHost(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	bus := events.NewBus(clk)
	defer bus.Close()
	blocked := watch(t, bus, events.DialogBlocked)

	const interval = 2 * time.Second
	w := NewDialogWatchdog(clk, bus, "s1", interval)
	fakes := startedFakes(t, 1)
	w.Add("host-1", fakes[0])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	fakes[0].SetArtifact("Unhandled exception")
	clk.WaitForWatcherAndIncrement(interval)

	ev := receive(t, blocked)
	if ev.HostID != "host-1" || ev.Text != "Unhandled exception" || ev.SessionID != "s1" {
		t.Errorf("Got %+v; want DialogBlocked for host-1", ev)
	}

	// A reappearing dialog on the same host is not reported again.
	fakes[0].SetArtifact("Unhandled exception")
	clk.Increment(interval)
	clk.Increment(interval)
	expectNone(t, blocked)
}

func TestDialogWatchdogSkipsDeadHosts(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	bus := events.NewBus(clk)
	defer bus.Close()

	w := NewDialogWatchdog(clk, bus, "s1", time.Second)
	fakes := startedFakes(t, 1)
	w.Add("host-1", fakes[0])
	fakes[0].SetArtifact("Alert")
	fakes[0].Crash()

	w.Poll(context.Background())
	if es := w.Entries(); es[0].Polls != 0 || es[0].Blocked {
		t.Errorf("Dead host was polled: %+v", es[0])
	}
}

func TestDialogWatchdogRemove(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	bus := events.NewBus(clk)
	defer bus.Close()

	w := NewDialogWatchdog(clk, bus, "s1", time.Second)
	for _, f := range startedFakes(t, 2) {
		w.Add(f.Params.HostID, f)
	}
	w.Remove("host-1")
	w.Remove("host-9")
	if es := w.Entries(); len(es) != 1 || es[0].HostID != "host-2" {
		t.Errorf("Entries after Remove = %+v; want only host-2", es)
	}
}

func TestDialogWatchdogStopIdempotent(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	bus := events.NewBus(clk)
	defer bus.Close()

	// Stop before Start must not block.
	NewDialogWatchdog(clk, bus, "s1", time.Second).Stop()

	w := NewDialogWatchdog(clk, bus, "s1", time.Second)
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}

func TestDialogWatchdogStopCancelsHungQuery(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	bus := events.NewBus(clk)
	defer bus.Close()

	const interval = 2 * time.Second
	w := NewDialogWatchdog(clk, bus, "s1", interval)
	fakes := startedFakes(t, 1)
	fakes[0].HangQuery = true
	w.Add("host-1", fakes[0])

	w.Start(context.Background())
	clk.WaitForWatcherAndIncrement(interval)
	// The ticker plus the query timer.
	for deadline := time.Now().Add(waitTimeout); clk.WatcherCount() < 2; time.Sleep(time.Millisecond) {
		if time.Now().After(deadline) {
			t.Fatal("Query was not started")
		}
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Stop blocked on a hung query")
	}
}

func TestDialogWatchdogAbandonsSlowQuery(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	bus := events.NewBus(clk)
	defer bus.Close()

	const interval = 2 * time.Second
	w := NewDialogWatchdog(clk, bus, "s1", interval)
	fakes := startedFakes(t, 2)
	fakes[0].HangQuery = true
	fakes[1].SetArtifact("Alert")
	for _, f := range fakes {
		w.Add(f.Params.HostID, f)
	}

	polled := make(chan struct{})
	go func() {
		w.Poll(context.Background())
		close(polled)
	}()
	for deadline := time.After(waitTimeout); ; {
		select {
		case <-polled:
		case <-deadline:
			t.Fatal("Poll did not return after the query timeout")
		case <-time.After(10 * time.Millisecond):
			clk.Increment(interval)
			continue
		}
		break
	}

	es := w.Entries()
	if !errors.Is(es[0].Last.Err, errQueryTimeout) {
		t.Errorf("host-1 last error = %v; want %v", es[0].Last.Err, errQueryTimeout)
	}
	if !es[1].Blocked {
		t.Error("host-2 not blocked although a dialog was shown")
	}
}
