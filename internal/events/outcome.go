// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package events

import "fmt"

// Verdict is the top-level classification of an Outcome.
type Verdict int

const (
	// Passed means every host completed without failures.
	Passed Verdict = iota
	// Failed means the run finished with a Reason.
	Failed
	// Faulted means the harness itself could not carry out the run.
	Faulted
)

func (v Verdict) String() string {
	switch v {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Reason explains a Failed outcome.
type Reason int

const (
	// NoReason is used for Passed and Faulted outcomes.
	NoReason Reason = iota
	// BlockedByDialog means a host was blocked by a modal UI artifact.
	BlockedByDialog
	// CommunicationTimeout means hosts stopped reporting progress.
	CommunicationTimeout
	// HostLaunchError means a host could not be started.
	HostLaunchError
	// TestFailures means tests ran and some of them failed.
	TestFailures
)

func (r Reason) String() string {
	switch r {
	case NoReason:
		return "none"
	case BlockedByDialog:
		return "blocked by dialog"
	case CommunicationTimeout:
		return "communication timeout"
	case HostLaunchError:
		return "host launch error"
	case TestFailures:
		return "test failures"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Outcome is the terminal verdict of a run.
type Outcome struct {
	Verdict Verdict
	Reason  Reason
	// Message is a human-readable detail, e.g. a dialog's text or the cause
	// of a fault.
	Message string
}

// PassedOutcome returns a Passed outcome.
func PassedOutcome() Outcome {
	return Outcome{Verdict: Passed}
}

// FailedOutcome returns a Failed outcome with reason and message.
func FailedOutcome(reason Reason, message string) Outcome {
	return Outcome{Verdict: Failed, Reason: reason, Message: message}
}

// FaultedOutcome returns a Faulted outcome caused by err.
func FaultedOutcome(err error) Outcome {
	return Outcome{Verdict: Faulted, Message: err.Error()}
}

// String returns a human-readable reason string.
func (o Outcome) String() string {
	switch {
	case o.Verdict == Failed && o.Message != "":
		return fmt.Sprintf("failed (%v): %s", o.Reason, o.Message)
	case o.Verdict == Failed:
		return fmt.Sprintf("failed (%v)", o.Reason)
	case o.Verdict == Faulted:
		return "faulted: " + o.Message
	default:
		return o.Verdict.String()
	}
}
