// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nya3jp/harness/internal/logging"
	"github.com/nya3jp/harness/internal/logging/loggingtest"
)

func TestAttachLoggerPropagates(t *testing.T) {
	parent := loggingtest.NewLogger(t, logging.LevelDebug)
	child := loggingtest.NewLogger(t, logging.LevelInfo)

	ctx := logging.AttachLogger(context.Background(), parent)
	ctx = logging.AttachLogger(ctx, child)

	logging.Debug(ctx, "debug")
	logging.Infof(ctx, "info %d", 1)

	if diff := cmp.Diff(parent.Logs(), []string{"debug", "info 1"}); diff != "" {
		t.Errorf("Parent logs mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(child.Logs(), []string{"info 1"}); diff != "" {
		t.Errorf("Child logs mismatch (-got +want):\n%s", diff)
	}
}

func TestNoPropagation(t *testing.T) {
	parent := loggingtest.NewLogger(t, logging.LevelDebug)
	child := loggingtest.NewLogger(t, logging.LevelDebug)

	ctx := logging.AttachLogger(context.Background(), parent)
	ctx = logging.AttachLoggerNoPropagation(ctx, child)
	logging.Info(ctx, "hello")

	if logs := parent.Logs(); len(logs) != 0 {
		t.Errorf("Parent got %q; want nothing", logs)
	}
	if !logging.HasLogger(ctx) {
		t.Error("HasLogger = false")
	}
}

func TestWriterLogger(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewWriterLogger(&buf, logging.LevelInfo, true)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	l.Log(logging.LevelDebug, ts, "dropped")
	l.Log(logging.LevelInfo, ts, "kept")
	l.Log(logging.LevelInfo, ts, "host-1 stderr:\nline 1\nline 2\n")

	const want = "2024-01-02T03:04:05.000006Z kept\n" +
		"2024-01-02T03:04:05.000006Z host-1 stderr:\n" +
		"                            line 1\n" +
		"                            line 2\n"
	if got := buf.String(); got != want {
		t.Errorf("Output = %q; want %q", got, want)
	}
}

func TestWriterLoggerNoTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewWriterLogger(&buf, logging.LevelDebug, false)
	l.Log(logging.LevelDebug, time.Now(), "a\nb")

	if got, want := buf.String(), "a\n  b\n"; got != want {
		t.Errorf("Output = %q; want %q", got, want)
	}
}

func TestAttachLoggerChain(t *testing.T) {
	loggers := []*loggingtest.Logger{
		loggingtest.NewLogger(t, logging.LevelDebug),
		loggingtest.NewLogger(t, logging.LevelDebug),
		loggingtest.NewLogger(t, logging.LevelDebug),
	}
	ctx := context.Background()
	for _, l := range loggers {
		ctx = logging.AttachLogger(ctx, l)
	}
	logging.Info(ctx, "x")

	for i, l := range loggers {
		if diff := cmp.Diff(l.Logs(), []string{"x"}); diff != "" {
			t.Errorf("Logger %d logs mismatch (-got +want):\n%s", i, diff)
		}
	}
}
