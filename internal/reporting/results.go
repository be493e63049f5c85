// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package reporting provides result consumers that render the event stream
// of a run.
package reporting

import (
	"time"

	"github.com/nya3jp/harness/internal/events"
)

// Consumer renders events. Handle is called serially in publication order by
// the bus, and RunCompleted marks the end of a session's stream.
type Consumer interface {
	Handle(ev events.Event)
}

// Status is the status of a test result.
type Status string

// Statuses of test results.
const (
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusIgnored    Status = "ignored"
	StatusIncomplete Status = "incomplete"
)

// Result is the result of one test on one host.
type Result struct {
	HostID  string    `json:"hostId,omitempty"`
	Suite   string    `json:"suite,omitempty"`
	Name    string    `json:"name"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end,omitempty"`
}

// FullName returns the suite-qualified test name.
func (r *Result) FullName() string {
	if r.Suite == "" {
		return r.Name
	}
	return r.Suite + "." + r.Name
}

type testKey struct {
	hostID string
	suite  string
	name   string
}

// tracker assembles test results from interleaved events of multiple hosts.
type tracker struct {
	open    map[testKey]*Result
	results []*Result
}

func newTracker() *tracker {
	return &tracker{open: make(map[testKey]*Result)}
}

// handle updates the tracker with ev and returns the result it touched, if
// any. done is true if the result is final.
func (t *tracker) handle(ev events.Event) (res *Result, done bool) {
	key := testKey{ev.HostID, ev.Suite, ev.Test}
	switch ev.Kind {
	case events.TestStarted:
		res = &Result{HostID: ev.HostID, Suite: ev.Suite, Name: ev.Test, Status: StatusIncomplete, Start: ev.Time}
		t.open[key] = res
		t.results = append(t.results, res)
		return res, false
	case events.TestPassed, events.TestFailed, events.TestIgnored:
		res = t.open[key]
		if res == nil {
			// Hosts may report a result without announcing the start.
			res = &Result{HostID: ev.HostID, Suite: ev.Suite, Name: ev.Test, Start: ev.Time}
			t.results = append(t.results, res)
		}
		delete(t.open, key)
		res.End = ev.Time
		res.Message = ev.Text
		switch ev.Kind {
		case events.TestPassed:
			res.Status = StatusPassed
		case events.TestFailed:
			res.Status = StatusFailed
		default:
			res.Status = StatusIgnored
		}
		return res, true
	}
	return nil, false
}

// reset forgets all results, e.g. at the end of a session.
func (t *tracker) reset() {
	t.open = make(map[testKey]*Result)
	t.results = nil
}

type counts struct {
	passed, failed, ignored, incomplete int
}

func (t *tracker) counts() counts {
	var c counts
	for _, r := range t.results {
		switch r.Status {
		case StatusPassed:
			c.passed++
		case StatusFailed:
			c.failed++
		case StatusIgnored:
			c.ignored++
		default:
			c.incomplete++
		}
	}
	return c
}
