// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"fmt"
	"sync"
)

// State is a state of the controller's state machine.
type State int

// Controller states, in the order a run normally passes through them.
const (
	NotStarted State = iota
	ServerStarting
	HostsLaunching
	Running
	Completing
	Stopped
	Faulted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case ServerStarting:
		return "ServerStarting"
	case HostsLaunching:
		return "HostsLaunching"
	case Running:
		return "Running"
	case Completing:
		return "Completing"
	case Stopped:
		return "Stopped"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type causeKind int

const (
	causeCompleted causeKind = iota
	causeDialog
	causeCommTimeout
	causeLaunch
	causeCanceled
)

// stopCause is the reason a cycle stopped.
type stopCause struct {
	kind causeKind
	msg  string
	err  error
}

// stopSignal is the single stop signal of a cycle. The first trigger wins;
// later triggers are ignored.
type stopSignal struct {
	once sync.Once
	ch   chan struct{}
	c    stopCause
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

// trigger fires the signal with c and reports whether it was the first call.
func (s *stopSignal) trigger(c stopCause) bool {
	first := false
	s.once.Do(func() {
		s.c = c
		close(s.ch)
		first = true
	})
	return first
}

func (s *stopSignal) done() <-chan struct{} {
	return s.ch
}

// cause returns the cause passed to the first trigger. It must be called
// after done is closed.
func (s *stopSignal) cause() stopCause {
	<-s.ch
	return s.c
}
