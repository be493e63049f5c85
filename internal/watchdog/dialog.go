// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package watchdog implements background monitors that turn host hangs into
// events on the bus.
package watchdog

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/exp/slices"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/host"
	"github.com/nya3jp/harness/internal/logging"
)

// PollResult is the result of one blocking-artifact query.
type PollResult struct {
	Time    time.Time
	Found   bool
	Message string
	Err     error
}

// DialogEntry is a snapshot of the per-host state of a DialogWatchdog.
type DialogEntry struct {
	HostID  string
	Polls   int
	Last    PollResult
	Blocked bool
}

type dialogEntry struct {
	DialogEntry
	host host.Host
}

// DialogWatchdog periodically asks every registered host for a blocking
// artifact. When one is found it is dismissed if the host supports it and a
// DialogBlocked event is published. Each host is reported at most once.
//
// The watchdog never ends a run by itself.
type DialogWatchdog struct {
	clk       clock.Clock
	bus       *events.Bus
	sessionID string
	interval  time.Duration

	mu      sync.Mutex
	entries []*dialogEntry

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
}

// errQueryTimeout is recorded for a host whose query did not return within
// one poll interval.
var errQueryTimeout = errors.New("blocking artifact query timed out")

// NewDialogWatchdog creates a DialogWatchdog polling every interval.
// A query that takes longer than interval is abandoned.
// Published events are tagged with sessionID.
func NewDialogWatchdog(clk clock.Clock, bus *events.Bus, sessionID string, interval time.Duration) *DialogWatchdog {
	return &DialogWatchdog{
		clk:       clk,
		bus:       bus,
		sessionID: sessionID,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Add registers h under hostID. Adding an ID twice replaces the host.
func (w *DialogWatchdog) Add(hostID string, h host.Host) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i := w.index(hostID); i >= 0 {
		w.entries[i].host = h
		return
	}
	w.entries = append(w.entries, &dialogEntry{DialogEntry: DialogEntry{HostID: hostID}, host: h})
}

// Remove stops polling hostID.
func (w *DialogWatchdog) Remove(hostID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i := w.index(hostID); i >= 0 {
		w.entries = slices.Delete(w.entries, i, i+1)
	}
}

func (w *DialogWatchdog) index(hostID string) int {
	return slices.IndexFunc(w.entries, func(e *dialogEntry) bool { return e.HostID == hostID })
}

// Entries returns a snapshot of the tracked hosts in registration order.
func (w *DialogWatchdog) Entries() []DialogEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var es []DialogEntry
	for _, e := range w.entries {
		es = append(es, e.DialogEntry)
	}
	return es
}

// Start starts polling in the background until Stop is called or ctx is
// done. Calling Start more than once has no effect.
func (w *DialogWatchdog) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		go w.loop(ctx)
	})
}

func (w *DialogWatchdog) loop(ctx context.Context) {
	defer close(w.done)
	ticker := w.clk.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			w.Poll(ctx)
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops polling and waits for the loop to exit. Queries in flight are
// canceled. It is safe to call Stop multiple times, and before Start.
func (w *DialogWatchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		started := true
		w.startOnce.Do(func() { started = false })
		if started {
			w.cancel()
			<-w.done
		}
	})
}

// Poll queries every live, not yet blocked host once. Hosts are queried
// concurrently so that a slow host does not delay the others.
func (w *DialogWatchdog) Poll(ctx context.Context) {
	w.mu.Lock()
	targets := make([]*dialogEntry, 0, len(w.entries))
	for _, e := range w.entries {
		if !e.Blocked {
			targets = append(targets, e)
		}
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range targets {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pollOne(ctx, e)
		}()
	}
	wg.Wait()
}

func (w *DialogWatchdog) pollOne(ctx context.Context, e *dialogEntry) {
	w.mu.Lock()
	h := e.host
	w.mu.Unlock()
	if !h.IsAlive() {
		return
	}

	msg, found, err := w.query(ctx, h)
	if ctx.Err() != nil {
		return
	}
	res := PollResult{Time: w.clk.Now(), Found: found, Message: msg, Err: err}

	w.mu.Lock()
	e.Polls++
	e.Last = res
	report := found && !e.Blocked
	if report {
		e.Blocked = true
	}
	w.mu.Unlock()

	if err != nil {
		logging.Debugf(ctx, "Dialog query for %s failed: %v", e.HostID, err)
		return
	}
	if !report {
		return
	}

	logging.Infof(ctx, "%s is blocked by a dialog: %s", e.HostID, msg)
	if d, ok := h.(host.ArtifactDismisser); ok {
		if err := d.DismissBlockingArtifact(ctx); err != nil {
			logging.Infof(ctx, "Failed to dismiss dialog on %s: %v", e.HostID, err)
		}
	}
	ev := events.NewDialogBlocked(e.HostID, msg)
	ev.SessionID = w.sessionID
	w.bus.Publish(ev)
}

type queryResult struct {
	msg   string
	found bool
	err   error
}

// query runs h.QueryBlockingArtifact bounded by one poll interval on the
// watchdog clock. A host that ignores cancellation leaves its goroutine
// behind, but never blocks the caller.
func (w *DialogWatchdog) query(ctx context.Context, h host.Host) (string, bool, error) {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan queryResult, 1)
	go func() {
		msg, found, err := h.QueryBlockingArtifact(qctx)
		ch <- queryResult{msg, found, err}
	}()

	timer := w.clk.NewTimer(w.interval)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.msg, r.found, r.err
	case <-timer.C():
		select {
		case r := <-ch:
			return r.msg, r.found, r.err
		default:
			return "", false, errQueryTimeout
		}
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}
