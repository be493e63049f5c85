// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/events"
)

// Sentinel errors classifying run failures. Use errors.Is to match them.
var (
	// ErrConfiguration is returned before any resource is acquired when a
	// required input is missing or invalid.
	ErrConfiguration = errors.New("configuration error")
	// ErrUnsupportedMode is returned for the remote-hosted mode.
	ErrUnsupportedMode = errors.New("unsupported mode")
	// ErrHostLaunch classifies runs whose hosts failed to start.
	ErrHostLaunch = errors.New("host launch error")
	// ErrBlockedByDialog classifies runs stopped by a blocking dialog.
	ErrBlockedByDialog = errors.New("blocked by dialog")
	// ErrCommunicationTimeout classifies runs whose hosts went silent.
	ErrCommunicationTimeout = errors.New("communication timeout")
	// ErrTestFailures classifies runs that completed with failed tests.
	ErrTestFailures = errors.New("test failures")
	// ErrFaulted classifies runs that ended because of an internal fault or
	// an external stop request.
	ErrFaulted = errors.New("faulted")
)

// kindError attaches a sentinel kind to an error without hiding its chain.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() error { return e.err }

func (e *kindError) Is(target error) bool { return target == e.kind }

func withKind(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

func configErrorf(format string, args ...interface{}) error {
	return withKind(ErrConfiguration, errors.Errorf(format, args...))
}

// outcomeError returns the error describing o, or nil if o passed.
func outcomeError(o events.Outcome) error {
	if o.Verdict == events.Passed {
		return nil
	}
	msg := o.Message
	if msg == "" {
		msg = o.String()
	}
	kind := ErrFaulted
	if o.Verdict == events.Failed {
		switch o.Reason {
		case events.BlockedByDialog:
			kind = ErrBlockedByDialog
		case events.CommunicationTimeout:
			kind = ErrCommunicationTimeout
		case events.HostLaunchError:
			kind = ErrHostLaunch
		default:
			kind = ErrTestFailures
		}
	}
	return withKind(kind, errors.New(msg))
}
