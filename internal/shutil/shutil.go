// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil renders command lines for logs so that they can be pasted
// into a shell.
package shutil

import "strings"

// isSafe reports whether c can appear unquoted in a shell word. '=' is only
// safe after the first character since a leading '=' expands in zsh.
func isSafe(c rune, first bool) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case strings.ContainsRune("-_@%+:,./", c):
		return true
	case c == '=':
		return !first
	}
	return false
}

// Quote returns s quoted for a POSIX shell. s is returned as is if it needs
// no quoting.
func Quote(s string) string {
	safe := s != ""
	for i, c := range s {
		if !isSafe(c, i == 0) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes each of args and joins them into one command line.
func Join(args ...string) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(Quote(a))
	}
	return sb.String()
}
