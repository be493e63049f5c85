// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/host"
	"github.com/nya3jp/harness/internal/logging"
	"github.com/nya3jp/harness/internal/logging/loggingtest"
	"github.com/nya3jp/harness/internal/provider"
)

const (
	waitTimeout  = 10 * time.Second
	pollInterval = 2 * time.Second
	commTick     = 3 * time.Second
	commTimeout  = 5 * time.Minute
	fakeBase     = "http://127.0.0.1:9999"
)

var epoch = time.Unix(1700000000, 0)

type fakeServer struct {
	startErr error

	mu       sync.Mutex
	starts   int
	stops    int
	sessions []string
}

func (s *fakeServer) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return "", s.startErr
	}
	return fakeBase, nil
}

func (s *fakeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeServer) EntryAddress(sessionID, query string) host.AddressFunc {
	s.mu.Lock()
	s.sessions = append(s.sessions, sessionID)
	s.mu.Unlock()
	return func(hostID string, multi bool) string {
		return fakeBase + "/run?sessionId=" + sessionID + "&hostId=" + hostID
	}
}

func (s *fakeServer) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// env is a controller wired to fakes.
type env struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	logger *loggingtest.Logger
	clk    *fakeclock.FakeClock
	srv    *fakeServer
	ctrl   *Controller
	fakes  func() []*host.Fake
	evs    chan events.Event
}

type envOptions struct {
	hosts    int
	factory  host.Factory
	trigger  chan struct{}
	provider provider.Provider
	startErr error
}

func newEnv(t *testing.T, mode config.Mode, opts envOptions) *env {
	t.Helper()
	mcfg := config.NewMutableConfig(mode)
	if opts.hosts > 0 {
		mcfg.HostCount = opts.hosts
	}
	mcfg.DialogPollInterval = pollInterval
	mcfg.CommTick = commTick
	mcfg.CommTimeout = commTimeout

	factory, fakes := host.NewFakeFactory()
	if opts.factory != nil {
		factory = opts.factory
	}
	logger := loggingtest.NewLogger(t, logging.LevelDebug)
	ctx, cancel := context.WithCancel(logging.AttachLogger(context.Background(), logger))
	t.Cleanup(cancel)

	clk := fakeclock.NewFakeClock(epoch)
	srv := &fakeServer{startErr: opts.startErr}
	evs := make(chan events.Event, 1000)
	p := Params{
		Config:    mcfg.Freeze(),
		Server:    srv,
		Provider:  opts.provider,
		Hosts:     factory,
		Consumers: []events.Listener{func(ev events.Event) { evs <- ev }},
		Clock:     clk,
	}
	if opts.trigger != nil {
		p.Trigger = opts.trigger
	}
	return &env{t: t, ctx: ctx, cancel: cancel, logger: logger, clk: clk, srv: srv, ctrl: New(p), fakes: fakes, evs: evs}
}

type runResult struct {
	res *Result
	err error
}

func (e *env) runAsync() <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		res, err := e.ctrl.Run(e.ctx)
		done <- runResult{res, err}
	}()
	return done
}

// waitFor reads consumer events until one of kind arrives.
func (e *env) waitFor(kind events.Kind) events.Event {
	e.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-e.evs:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			e.t.Fatalf("Timed out waiting for %v", kind)
		}
	}
}

// advanceUntilDone moves the fake clock forward by step until the run ends.
func (e *env) advanceUntilDone(done <-chan runResult, step time.Duration) *Result {
	e.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case r := <-done:
			if r.err != nil {
				e.t.Fatal("Run failed: ", r.err)
			}
			return r.res
		case <-deadline:
			e.t.Fatal("Timed out waiting for the run to finish")
		case <-time.After(10 * time.Millisecond):
			e.clk.Increment(step)
		}
	}
}

func (e *env) wait(done <-chan runResult) *Result {
	e.t.Helper()
	select {
	case r := <-done:
		if r.err != nil {
			e.t.Fatal("Run failed: ", r.err)
		}
		return r.res
	case <-time.After(waitTimeout):
		e.t.Fatal("Timed out waiting for the run to finish")
		return nil
	}
}

// remaining returns the consumer events not read yet.
func (e *env) remaining() []events.Event {
	var evs []events.Event
	for {
		select {
		case ev := <-e.evs:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func publishAll(bus *events.Bus, sessionID, hostID string, kinds ...events.Kind) {
	for _, k := range kinds {
		bus.Publish(events.Event{Kind: k, HostID: hostID, SessionID: sessionID, Suite: "MathTests", Test: "Adds"})
	}
}

func countKind(evs []events.Event, kind events.Kind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func hasLog(l *loggingtest.Logger, substr string) bool {
	return strings.Contains(l.String(), substr)
}
