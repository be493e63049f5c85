// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging carries harness diagnostics through context.Context.
// Components log with Info and Debug on the context they were given, and the
// command line decides where the logs end up by attaching loggers.
package logging

import "time"

// Level is the severity of a log. Larger is more important.
type Level int

const (
	// LevelDebug is for details useful when diagnosing a run, such as host
	// command lines and polling results.
	LevelDebug Level = iota
	// LevelInfo is for progress shown to the user by default.
	LevelInfo
)

// Logger consumes logs sent to a context it is attached to, and to every
// context derived from it.
type Logger interface {
	Log(level Level, ts time.Time, msg string)
}

// teeLogger sends logs to a context's own logger and then to the logger of
// its parent context.
type teeLogger struct {
	own, parent Logger
}

func (l teeLogger) Log(level Level, ts time.Time, msg string) {
	l.own.Log(level, ts, msg)
	l.parent.Log(level, ts, msg)
}
