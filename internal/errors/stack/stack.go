// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stack provides a utility to capture and format a stack trace.
// Use the errors package instead of this one.
package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	maxDepth = 8 // maximum number of stack frames to record

	ellipsis = "\t..." // trailing marker line added if stack trace is too long
)

// Stack holds a snapshot of program counters.
type Stack []uintptr

// New captures a stack trace. skip specifies the number of frames to skip from
// a stack trace. skip=0 records stack.New call as the innermost frame.
func New(skip int) Stack {
	pc := make([]uintptr, maxDepth+1)
	pc = pc[:runtime.Callers(skip+2, pc)]
	return Stack(pc)
}

// String formats a stack trace to a human-friendly text.
func (s Stack) String() string {
	var lines []string
	cf := runtime.CallersFrames(s)
	for {
		f, more := cf.Next()
		lines = append(lines, fmt.Sprintf("\tat %s (%s:%d)", f.Function, filepath.Base(f.File), f.Line))
		if !more {
			break
		}
		if len(lines) >= maxDepth {
			lines = append(lines, ellipsis)
			break
		}
	}
	return strings.Join(lines, "\n")
}
