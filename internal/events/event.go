// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package events defines the lifecycle events exchanged between harness
// components and the Bus that carries them.
package events

import (
	"fmt"
	"time"
)

// Kind identifies the type of an Event.
type Kind int

const (
	// RunStarted is sent by a host when its test payload begins executing.
	RunStarted Kind = iota
	// HostLaunched is published by the controller after a host process starts.
	HostLaunched
	// SuiteStarted marks the beginning of a test suite on a host.
	SuiteStarted
	// TestStarted marks the beginning of a test on a host.
	TestStarted
	// TestPassed reports a passed test.
	TestPassed
	// TestFailed reports a failed test. Text carries the failure message.
	TestFailed
	// TestIgnored reports a test that was not run.
	TestIgnored
	// SuiteFinished marks the end of a test suite on a host.
	SuiteFinished
	// HostCompleted is published when a host reports that its payload
	// finished. Passed tells whether the host saw no failures.
	HostCompleted
	// RunCompleted is published by the controller exactly once per session
	// with the final Outcome. It is the end-of-stream signal for consumers.
	RunCompleted
	// DialogBlocked reports a blocking UI artifact found in a host.
	// Text carries the artifact's message.
	DialogBlocked
	// CommunicationTimedOut reports that no progress was seen for too long.
	CommunicationTimedOut
	// DebugMessage carries free-form diagnostic text.
	DebugMessage

	numKinds
)

var kindNames = [numKinds]string{
	RunStarted:            "RunStarted",
	HostLaunched:          "HostLaunched",
	SuiteStarted:          "SuiteStarted",
	TestStarted:           "TestStarted",
	TestPassed:            "TestPassed",
	TestFailed:            "TestFailed",
	TestIgnored:           "TestIgnored",
	SuiteFinished:         "SuiteFinished",
	HostCompleted:         "HostCompleted",
	RunCompleted:          "RunCompleted",
	DialogBlocked:         "DialogBlocked",
	CommunicationTimedOut: "CommunicationTimedOut",
	DebugMessage:          "DebugMessage",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// IsProgress reports whether events of kind k show that a host is still
// making forward progress.
func (k Kind) IsProgress() bool {
	switch k {
	case RunStarted, SuiteStarted, TestStarted, TestPassed, TestFailed, TestIgnored, SuiteFinished, HostCompleted:
		return true
	}
	return false
}

// Event is a lifecycle message. Events are values and are never modified
// after being published.
type Event struct {
	Kind Kind
	// Seq is assigned by the Bus at publication and increases monotonically.
	Seq uint64
	// Time is the publication time. The Bus fills it in if zero.
	Time time.Time
	// HostID identifies the host the event originated from, if any.
	HostID string
	// SessionID identifies the RunSession the event belongs to, if known.
	SessionID string

	Suite string
	Test  string
	// Text is the failure message, dialog message or debug text.
	Text string
	// Passed is meaningful for HostCompleted only.
	Passed bool
	// Outcome is set for RunCompleted only.
	Outcome *Outcome
}

func (e Event) String() string {
	s := e.Kind.String()
	if e.HostID != "" {
		s += "[" + e.HostID + "]"
	}
	switch {
	case e.Outcome != nil:
		s += " " + e.Outcome.String()
	case e.Test != "":
		s += " " + e.Test
	case e.Suite != "":
		s += " " + e.Suite
	}
	if e.Text != "" && e.Outcome == nil {
		s += ": " + e.Text
	}
	return s
}

// NewHostLaunched returns a HostLaunched event.
func NewHostLaunched(hostID string) Event {
	return Event{Kind: HostLaunched, HostID: hostID}
}

// NewRunCompleted returns a RunCompleted event carrying o.
func NewRunCompleted(o Outcome) Event {
	return Event{Kind: RunCompleted, Outcome: &o}
}

// NewDialogBlocked returns a DialogBlocked event.
func NewDialogBlocked(hostID, message string) Event {
	return Event{Kind: DialogBlocked, HostID: hostID, Text: message}
}

// NewCommunicationTimedOut returns a CommunicationTimedOut event.
func NewCommunicationTimedOut(text string) Event {
	return Event{Kind: CommunicationTimedOut, Text: text}
}

// NewDebugMessage returns a DebugMessage event.
func NewDebugMessage(format string, args ...interface{}) Event {
	return Event{Kind: DebugMessage, Text: fmt.Sprintf(format, args...)}
}
