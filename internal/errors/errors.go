// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package errors provides basic utilities to construct errors.
//
// To construct new errors or wrap other errors, use this package rather than
// standard libraries (errors.New, fmt.Errorf). This package records stack
// traces and chained errors so that a run failure can be traced back to the
// component that detected it.
//
// To construct a new error, use New or Errorf.
//
//	errors.New("host not alive")
//	errors.Errorf("host %s exited with status %d", id, code)
//
// To construct an error by adding context to an existing error, use Wrap or
// Wrapf.
//
//	errors.Wrap(err, "failed to start server")
//	errors.Wrapf(err, "failed to launch host %s", id)
//
// A stack trace can be printed by formatting an error with the "%+v" verb.
package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nya3jp/harness/internal/errors/stack"
)

// E is the error implementation used by this package.
type E struct {
	msg   string      // error message to be prepended to cause
	stk   stack.Stack // stack trace where this error was created
	cause error       // original error that caused this error if non-nil
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
}

// Unwrap returns the error that caused e, or nil.
func (e *E) Unwrap() error {
	return e.cause
}

// formatChain formats an error chain.
func formatChain(err error) string {
	var chain []string
	for err != nil {
		if e, ok := err.(*E); !ok {
			chain = append(chain, fmt.Sprintf("%s\n\tat ???", err.Error()))
			err = nil
		} else {
			chain = append(chain, fmt.Sprintf("%s\n%v", e.msg, e.stk))
			err = e.cause
		}
	}
	return strings.Join(chain, "\n")
}

// Format implements the fmt.Formatter interface.
// In particular, it is supported to format an error chain by "%+v" verb.
func (e *E) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
	} else {
		io.WriteString(s, e.Error())
	}
}

// New creates a new error with the given message.
// This is similar to the standard errors.New, but also records the location
// where it was called.
func New(msg string) *E {
	s := stack.New(1)
	return &E{msg, s, nil}
}

// Errorf creates a new error with the given message.
// This is similar to the standard fmt.Errorf, but also records the location
// where it was called.
func Errorf(format string, args ...interface{}) *E {
	s := stack.New(1)
	msg := fmt.Sprintf(format, args...)
	return &E{msg, s, nil}
}

// Wrap creates a new error with the given message, wrapping another error.
// This function also records the location where it was called.
// If cause is nil, this is the same as New.
func Wrap(cause error, msg string) *E {
	s := stack.New(1)
	return &E{msg, s, cause}
}

// Wrapf creates a new error with the given message, wrapping another error.
// This function also records the location where it was called.
// If cause is nil, this is the same as Errorf.
func Wrapf(cause error, format string, args ...interface{}) *E {
	s := stack.New(1)
	msg := fmt.Sprintf(format, args...)
	return &E{msg, s, cause}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
