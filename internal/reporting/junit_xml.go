// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"golang.org/x/exp/slices"

	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/logging"
)

// JUnitXMLFilename is a file name to be used with JUnitWriter.
const JUnitXMLFilename = "results.xml"

type testSuites struct {
	XMLName   xml.Name
	Name      string       `xml:"name,attr,omitempty"`
	TestSuite []*testSuite `xml:"testsuite"`
}

// testSuite holds the results of one host.
type testSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	TestCase []*testCase `xml:"testcase"`
}

type testCase struct {
	Name      string `xml:"name,attr"`
	ClassName string `xml:"classname,attr,omitempty"`
	Status    string `xml:"status,attr"`         // run or notrun
	Result    string `xml:"result,attr"`         // more detailed result
	Timestamp string `xml:"timestamp,attr"`      // start time, in ISO8601
	Time      string `xml:"time,attr,omitempty"` // duration, in seconds (with a decimal point)

	Failure *failure `xml:"failure,omitempty"`
	Skipped *skipped `xml:"skipped,omitempty"`
}

type failure struct {
	Message string `xml:"message,attr,omitempty"`
	Details string `xml:",cdata"`
}

type skipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// WriteJUnitXMLResults saves results to path in the JUnit XML format, one
// test suite per host. name names the whole report, e.g. the session ID.
func WriteJUnitXMLResults(path, name string, results []*Result) error {
	suites := testSuites{XMLName: xml.Name{Local: "testsuites"}, Name: name}
	byHost := make(map[string]*testSuite)
	for _, r := range results {
		suite := byHost[r.HostID]
		if suite == nil {
			suite = &testSuite{Name: r.HostID}
			byHost[r.HostID] = suite
			suites.TestSuite = append(suites.TestSuite, suite)
		}
		tc := &testCase{
			Name:      r.Name,
			ClassName: r.Suite,
			Timestamp: r.Start.UTC().Format(time.RFC3339),
		}
		if !r.End.IsZero() {
			// Decimal point is needed for distinguishing it from nanoseconds notation.
			tc.Time = fmt.Sprintf("%.1f", r.End.Sub(r.Start).Seconds())
		}
		switch r.Status {
		case StatusIgnored:
			tc.Status = "notrun"
			tc.Result = "skipped"
			tc.Skipped = &skipped{Message: r.Message}
			suite.Skipped++
		case StatusFailed:
			tc.Status = "run"
			tc.Result = "completed"
			tc.Failure = &failure{Message: r.Message, Details: r.Message}
			suite.Failures++
		case StatusIncomplete:
			tc.Status = "run"
			tc.Result = "incomplete"
			tc.Failure = &failure{Message: "test did not finish"}
			suite.Failures++
		default:
			tc.Status = "run"
			tc.Result = "completed"
		}
		suite.Tests++
		suite.TestCase = append(suite.TestCase, tc)
	}
	slices.SortStableFunc(suites.TestSuite, func(a, b *testSuite) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(xml.Header), data...), 0644)
}

// JUnitWriter collects results and writes them as JUnit XML at the end of
// every session.
type JUnitWriter struct {
	ctx  context.Context // for logging write errors
	path string
	t    *tracker
}

var _ Consumer = &JUnitWriter{}

// NewJUnitWriter returns a JUnitWriter writing to path. Each session
// overwrites the file.
func NewJUnitWriter(ctx context.Context, path string) *JUnitWriter {
	return &JUnitWriter{ctx: ctx, path: path, t: newTracker()}
}

// Handle records ev and writes the file on RunCompleted.
func (w *JUnitWriter) Handle(ev events.Event) {
	if ev.Kind != events.RunCompleted {
		w.t.handle(ev)
		return
	}
	if err := WriteJUnitXMLResults(w.path, ev.SessionID, w.t.results); err != nil {
		logging.Infof(w.ctx, "Failed to write %s: %v", w.path, err)
	}
	w.t.reset()
}
