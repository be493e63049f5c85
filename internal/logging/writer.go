// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"io"
	"strings"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000000Z "

// WriterLogger writes logs to an io.Writer, one entry per line. Continuation
// lines of a multi-line message are indented so that every entry of a log
// file starts at column zero. Writes are synchronized.
type WriterLogger struct {
	w         io.Writer
	level     Level
	timestamp bool

	mu sync.Mutex
}

// NewWriterLogger returns a WriterLogger writing logs of level or above to w,
// each prefixed by its UTC timestamp if timestamp is true.
func NewWriterLogger(w io.Writer, level Level, timestamp bool) *WriterLogger {
	return &WriterLogger{w: w, level: level, timestamp: timestamp}
}

// Log writes msg unless level is below the logger's level.
func (l *WriterLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	var sb strings.Builder
	indent := "  "
	if l.timestamp {
		sb.WriteString(ts.UTC().Format(timestampFormat))
		indent = strings.Repeat(" ", len(timestampFormat))
	}
	sb.WriteString(strings.ReplaceAll(strings.TrimRight(msg, "\n"), "\n", "\n"+indent))
	sb.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, sb.String())
}
