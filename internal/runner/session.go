// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/logging"
)

// hostRecord is the session's view of one host's contribution.
type hostRecord struct {
	id        string
	completed bool
	passed    bool
	blocked   bool
	dialog    string
	failures  int
	exited    bool
}

func (h *hostRecord) resolved() bool {
	return h.completed || h.blocked
}

// Session is the aggregate of one run cycle. Its state changes only through
// events applied by the controller, and its outcome is assigned exactly once.
type Session struct {
	ID     string
	Config *config.Config
	Start  time.Time

	mu      sync.Mutex
	order   []string
	hosts   map[string]*hostRecord
	dialogs []string // messages of blocked hosts, in detection order
	closed  bool
	outcome *events.Outcome
}

func newSession(cfg *config.Config, start time.Time) *Session {
	return &Session{
		ID:     uuid.NewString(),
		Config: cfg,
		Start:  start,
		hosts:  make(map[string]*hostRecord),
	}
}

func (s *Session) addHost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[id]; ok {
		return
	}
	s.order = append(s.order, id)
	s.hosts[id] = &hostRecord{id: id}
}

// lookup returns the record of id. Events without a host ID are attributed
// to the only host of single-host sessions.
func (s *Session) lookup(id string) *hostRecord {
	if id == "" && len(s.order) == 1 {
		return s.hosts[s.order[0]]
	}
	return s.hosts[id]
}

// apply updates the session with ev and reports whether the cycle should
// stop, and why. Events arriving after close are logged and dropped.
func (s *Session) apply(ctx context.Context, ev events.Event, abortOnDialog bool) (stopCause, bool) {
	if ev.SessionID != "" && ev.SessionID != s.ID {
		logging.Debugf(ctx, "Dropping %v from session %s", ev, ev.SessionID)
		return stopCause{}, false
	}
	switch ev.Kind {
	case events.CommunicationTimedOut, events.TestFailed, events.HostCompleted, events.DialogBlocked:
	default:
		return stopCause{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		logging.Debugf(ctx, "Dropping late event %v", ev)
		return stopCause{}, false
	}
	if ev.Kind == events.CommunicationTimedOut {
		return stopCause{kind: causeCommTimeout, msg: ev.Text}, true
	}

	h := s.lookup(ev.HostID)
	if h == nil {
		logging.Debugf(ctx, "Dropping %v from unknown host", ev)
		return stopCause{}, false
	}
	if h.resolved() {
		logging.Debugf(ctx, "Ignoring %v for resolved %s", ev, h.id)
		return stopCause{}, false
	}

	switch ev.Kind {
	case events.TestFailed:
		h.failures++
	case events.HostCompleted:
		h.completed = true
		h.passed = ev.Passed
	case events.DialogBlocked:
		h.blocked = true
		h.dialog = ev.Text
		s.dialogs = append(s.dialogs, ev.Text)
		if abortOnDialog {
			return stopCause{kind: causeDialog, msg: ev.Text}, true
		}
	}
	if s.allResolved() {
		return stopCause{kind: causeCompleted}, true
	}
	return stopCause{}, false
}

func (s *Session) allResolved() bool {
	for _, h := range s.hosts {
		if !h.resolved() {
			return false
		}
	}
	return true
}

// markExited records that a host process exited. It reports whether this is
// the first report for an unresolved host.
func (s *Session) markExited(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hosts[id]
	if h == nil || h.exited || h.resolved() || s.closed {
		return false
	}
	h.exited = true
	return true
}

// close stops the session from accepting state-changing events.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// resolve computes the outcome for c and assigns it. If an outcome was
// already assigned, it is returned unchanged.
func (s *Session) resolve(c stopCause) events.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.outcome != nil {
		return *s.outcome
	}

	var o events.Outcome
	switch c.kind {
	case causeCommTimeout:
		o = events.FailedOutcome(events.CommunicationTimeout, c.msg)
	case causeLaunch:
		o = events.FailedOutcome(events.HostLaunchError, c.err.Error())
	case causeCanceled:
		o = events.FaultedOutcome(c.err)
	default:
		o = s.verdict()
	}
	s.outcome = &o
	return o
}

// verdict derives the outcome from per-host results. A blocked host takes
// precedence over test failures.
func (s *Session) verdict() events.Outcome {
	if len(s.dialogs) > 0 {
		return events.FailedOutcome(events.BlockedByDialog, s.dialogs[0])
	}
	failures := 0
	var failedHosts []string
	for _, id := range s.order {
		h := s.hosts[id]
		failures += h.failures
		if h.completed && !h.passed && h.failures == 0 {
			failedHosts = append(failedHosts, id)
		}
	}
	switch {
	case failures == 1:
		return events.FailedOutcome(events.TestFailures, "1 test failed")
	case failures > 1:
		return events.FailedOutcome(events.TestFailures, fmt.Sprintf("%d tests failed", failures))
	case len(failedHosts) > 0:
		return events.FailedOutcome(events.TestFailures, fmt.Sprintf("%v reported failure", failedHosts))
	}
	return events.PassedOutcome()
}

// Outcome returns the assigned outcome, if any.
func (s *Session) Outcome() (events.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return events.Outcome{}, false
	}
	return *s.outcome, true
}
