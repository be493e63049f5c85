// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/nya3jp/harness/internal/events"
)

// TeamCity writes TeamCity service messages. Messages of each host carry the
// host ID as flowId, so interleaved hosts are reported as parallel flows.
type TeamCity struct {
	w io.Writer
}

var _ Consumer = &TeamCity{}

// NewTeamCity returns a TeamCity writing to w.
func NewTeamCity(w io.Writer) *TeamCity {
	return &TeamCity{w: w}
}

var teamCityEscaper = strings.NewReplacer(
	"|", "||",
	"'", "|'",
	"\n", "|n",
	"\r", "|r",
	"[", "|[",
	"]", "|]",
)

type attr struct {
	key, value string
}

func (t *TeamCity) write(name string, attrs ...attr) {
	var sb strings.Builder
	sb.WriteString("##teamcity[")
	sb.WriteString(name)
	for _, a := range attrs {
		if a.value == "" && a.key != "name" {
			continue
		}
		fmt.Fprintf(&sb, " %s='%s'", a.key, teamCityEscaper.Replace(a.value))
	}
	sb.WriteString("]\n")
	io.WriteString(t.w, sb.String())
}

func testName(ev events.Event) string {
	if ev.Suite == "" {
		return ev.Test
	}
	return ev.Suite + "." + ev.Test
}

// Handle writes the service messages for ev.
func (t *TeamCity) Handle(ev events.Event) {
	flow := attr{"flowId", ev.HostID}
	switch ev.Kind {
	case events.SuiteStarted:
		t.write("testSuiteStarted", attr{"name", ev.Suite}, flow)
	case events.SuiteFinished:
		t.write("testSuiteFinished", attr{"name", ev.Suite}, flow)
	case events.TestStarted:
		t.write("testStarted", attr{"name", testName(ev)}, flow)
	case events.TestPassed:
		t.write("testFinished", attr{"name", testName(ev)}, flow)
	case events.TestFailed:
		t.write("testFailed", attr{"name", testName(ev)}, attr{"message", ev.Text}, flow)
		t.write("testFinished", attr{"name", testName(ev)}, flow)
	case events.TestIgnored:
		t.write("testIgnored", attr{"name", testName(ev)}, attr{"message", ev.Text}, flow)
	case events.DialogBlocked:
		t.write("buildProblem", attr{"description", fmt.Sprintf("%s blocked by dialog: %s", ev.HostID, ev.Text)})
	case events.CommunicationTimedOut:
		t.write("buildProblem", attr{"description", "communication timeout: " + ev.Text})
	case events.DebugMessage:
		t.write("message", attr{"text", ev.Text}, attr{"status", "NORMAL"})
	case events.RunCompleted:
		status := "SUCCESS"
		if ev.Outcome.Verdict != events.Passed {
			status = "FAILURE"
		}
		t.write("buildStatus", attr{"status", status}, attr{"text", ev.Outcome.String()})
	}
}
