// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"time"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/events"
)

// Message is an inbound progress callback sent by a host as JSON.
type Message struct {
	// Kind is the name of an event kind, e.g. "TestPassed".
	Kind      string    `json:"kind"`
	HostID    string    `json:"hostId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Suite     string    `json:"suite,omitempty"`
	Test      string    `json:"test,omitempty"`
	Text      string    `json:"text,omitempty"`
	Passed    *bool     `json:"passed,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

// hostCompletedKind is the name hosts use to report that their payload
// finished.
const hostCompletedKind = "RunCompleted"

// Event translates m into a bus event. A host's "RunCompleted" becomes
// HostCompleted; only the controller publishes RunCompleted on the bus.
func (m Message) Event() (events.Event, error) {
	var kind events.Kind
	if m.Kind == hostCompletedKind {
		kind = events.HostCompleted
	} else {
		k, ok := events.ParseKind(m.Kind)
		if !ok {
			return events.Event{}, errors.Errorf("unknown event kind %q", m.Kind)
		}
		kind = k
	}

	switch kind {
	case events.HostLaunched, events.CommunicationTimedOut:
		return events.Event{}, errors.Errorf("hosts may not send %v", kind)
	case events.DialogBlocked:
		if m.HostID == "" {
			return events.Event{}, errors.New("DialogBlocked requires a host ID")
		}
	}

	ev := events.Event{
		Kind:      kind,
		Time:      m.Time,
		HostID:    m.HostID,
		SessionID: m.SessionID,
		Suite:     m.Suite,
		Test:      m.Test,
		Text:      m.Text,
	}
	if kind == events.HostCompleted {
		ev.Passed = m.Passed == nil || *m.Passed
	}
	return ev, nil
}
