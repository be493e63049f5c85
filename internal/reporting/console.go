// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"fmt"
	"io"

	"github.com/nya3jp/harness/internal/events"
)

// Console writes human-readable result lines and a summary per session.
type Console struct {
	w io.Writer
	t *tracker
}

var _ Consumer = &Console{}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, t: newTracker()}
}

// Handle writes the lines for ev.
func (c *Console) Handle(ev events.Event) {
	if res, done := c.t.handle(ev); done {
		switch res.Status {
		case StatusPassed:
			c.printf(ev.HostID, "PASS %s", res.FullName())
		case StatusFailed:
			c.printf(ev.HostID, "FAIL %s: %s", res.FullName(), res.Message)
		case StatusIgnored:
			c.printf(ev.HostID, "SKIP %s", res.FullName())
		}
		return
	}

	switch ev.Kind {
	case events.HostLaunched:
		c.printf(ev.HostID, "Launched")
	case events.DialogBlocked:
		c.printf(ev.HostID, "Blocked by dialog: %s", ev.Text)
	case events.CommunicationTimedOut:
		c.printf("", "Communication timed out: %s", ev.Text)
	case events.RunCompleted:
		n := c.t.counts()
		fmt.Fprintf(c.w, "--------------------------------------------------------------------------------\n")
		fmt.Fprintf(c.w, "%d passed, %d failed, %d ignored", n.passed, n.failed, n.ignored)
		if n.incomplete > 0 {
			fmt.Fprintf(c.w, ", %d incomplete", n.incomplete)
		}
		fmt.Fprintf(c.w, "\nResult: %v\n", ev.Outcome)
		c.t.reset()
	}
}

func (c *Console) printf(hostID, format string, args ...interface{}) {
	prefix := ""
	if hostID != "" {
		prefix = "[" + hostID + "] "
	}
	fmt.Fprintf(c.w, prefix+format+"\n", args...)
}
