// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/logging"
)

// CommWatchdog detects silence from all hosts of a run. It keeps a single
// last-progress timestamp that every progress event resets, and publishes
// CommunicationTimedOut once the silence exceeds the threshold. After firing
// it stops ticking and ignores further progress.
type CommWatchdog struct {
	clk       clock.Clock
	bus       *events.Bus
	sessionID string
	tick      time.Duration
	threshold time.Duration

	mu    sync.Mutex
	last  time.Time
	fired bool
	sub   *events.Subscription

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewCommWatchdog creates a CommWatchdog checking every tick for silence
// longer than threshold. Only progress events of sessionID are counted;
// events without a session ID are counted as well.
func NewCommWatchdog(clk clock.Clock, bus *events.Bus, sessionID string, tick, threshold time.Duration) *CommWatchdog {
	return &CommWatchdog{
		clk:       clk,
		bus:       bus,
		sessionID: sessionID,
		tick:      tick,
		threshold: threshold,
		last:      clk.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start resets the last-progress timestamp, subscribes to the bus and starts
// ticking. Calling Start more than once has no effect.
func (w *CommWatchdog) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.last = w.clk.Now()
		w.mu.Unlock()
		w.sub = w.bus.SubscribeAll(func(ev events.Event) {
			if ev.Kind.IsProgress() && (ev.SessionID == "" || ev.SessionID == w.sessionID) {
				w.touchAt(ev.Time)
			}
		})
		go w.loop(ctx)
	})
}

func (w *CommWatchdog) loop(ctx context.Context) {
	defer close(w.done)
	ticker := w.clk.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if w.check(ctx) {
				return
			}
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Touch records progress now. It has no effect once the watchdog fired.
func (w *CommWatchdog) Touch() {
	w.touchAt(w.clk.Now())
}

// touchAt records progress made at t, the publish time of a progress event.
// Events delivered late by a backlogged bus therefore do not extend the
// silence window, and an older time never moves the timestamp back.
func (w *CommWatchdog) touchAt(t time.Time) {
	if t.IsZero() {
		t = w.clk.Now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.fired && t.After(w.last) {
		w.last = t
	}
}

// LastProgress returns the last-progress timestamp.
func (w *CommWatchdog) LastProgress() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Fired reports whether CommunicationTimedOut was published.
func (w *CommWatchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// check publishes CommunicationTimedOut if the threshold is exceeded and
// reports whether the watchdog has fired.
func (w *CommWatchdog) check(ctx context.Context) bool {
	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return true
	}
	silence := w.clk.Now().Sub(w.last)
	if silence <= w.threshold {
		w.mu.Unlock()
		return false
	}
	w.fired = true
	w.mu.Unlock()

	text := fmt.Sprintf("no progress from hosts for %v (threshold %v)", silence.Round(time.Second), w.threshold)
	logging.Info(ctx, "Communication timeout: ", text)
	ev := events.NewCommunicationTimedOut(text)
	ev.SessionID = w.sessionID
	w.bus.Publish(ev)
	return true
}

// Stop stops ticking and unsubscribes from the bus. It is safe to call Stop
// multiple times, and before Start.
func (w *CommWatchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		started := true
		w.startOnce.Do(func() { started = false })
		if !started {
			return
		}
		<-w.done
		w.bus.Unsubscribe(w.sub)
	})
}
