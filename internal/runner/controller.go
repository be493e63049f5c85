// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runner implements the run-mode controller that sequences server
// startup, host launch, watchdogs and teardown.
package runner

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/history"
	"github.com/nya3jp/harness/internal/host"
	"github.com/nya3jp/harness/internal/logging"
	"github.com/nya3jp/harness/internal/provider"
	"github.com/nya3jp/harness/internal/watchdog"
)

// teardownTimeout bounds stopping hosts and the server.
const teardownTimeout = 30 * time.Second

// Server is the capability of the local server used by the controller.
type Server interface {
	// Start starts serving and returns the base address.
	Start(ctx context.Context) (string, error)
	// Stop stops serving. It must be safe to call multiple times.
	Stop(ctx context.Context) error
	// EntryAddress returns the function computing each host's test-entry
	// address for a session.
	EntryAddress(sessionID, query string) host.AddressFunc
}

// Recorder stores finished sessions.
type Recorder interface {
	Record(ctx context.Context, r history.Record) error
}

// Params holds the collaborators of a Controller.
type Params struct {
	Config   *config.Config
	Server   Server
	Provider provider.Provider // optional
	Hosts    host.Factory      // required unless only the server is started
	// Consumers receive every event published during Run. They are attached
	// before any host is launched.
	Consumers []events.Listener
	Bus       *events.Bus // optional
	Clock     clock.Clock // optional
	// Trigger starts a new cycle in continuous mode. Closing it ends the run.
	Trigger <-chan struct{}
	History Recorder // optional
}

// Result is the result of Controller.Run.
type Result struct {
	// State is the final state of the controller.
	State State
	// Outcome is the outcome of the last cycle. It is zero in server-only
	// mode.
	Outcome events.Outcome
	// Address is the server's base address.
	Address string
	// SessionID is the ID of the last session.
	SessionID string
	// Cycles is the number of completed cycles.
	Cycles int
}

// Err returns nil if the run passed. Otherwise it returns an error matching
// one of the sentinel errors of this package.
func (r *Result) Err() error {
	if r.Cycles == 0 && r.State == ServerStarting {
		return nil
	}
	return outcomeError(r.Outcome)
}

// Controller runs one harness invocation.
type Controller struct {
	p   Params
	clk clock.Clock
	bus *events.Bus

	mu       sync.Mutex
	ran      bool
	state    State
	trans    []State
	session  *Session
	serverUp bool
}

// New creates a Controller. Params are validated by Run.
func New(p Params) *Controller {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	bus := p.Bus
	if bus == nil {
		bus = events.NewBus(clk)
	}
	if p.Provider == nil {
		p.Provider = &provider.Static{}
	}
	return &Controller{p: p, clk: clk, bus: bus}
}

// Bus returns the bus events are published on.
func (c *Controller) Bus() *events.Bus { return c.bus }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transitions returns the states entered so far, in order.
func (c *Controller) Transitions() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.trans...)
}

// Session returns the current or last session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) setState(ctx context.Context, s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.trans = append(c.trans, s)
	c.mu.Unlock()
	logging.Debugf(ctx, "Controller state: %v -> %v", prev, s)
}

func (c *Controller) validate(ctx context.Context) (Policy, error) {
	if c.p.Config == nil {
		return Policy{}, configErrorf("no configuration")
	}
	pol, err := PolicyFor(c.p.Config.Mode())
	if err != nil {
		return Policy{}, err
	}
	if !logging.HasLogger(ctx) {
		return Policy{}, configErrorf("no logger attached to context")
	}
	if c.p.Server == nil {
		return Policy{}, configErrorf("no server")
	}
	if pol.LaunchHosts && c.p.Hosts == nil {
		return Policy{}, configErrorf("no host factory")
	}
	if pol.Loop && c.p.Trigger == nil {
		return Policy{}, configErrorf("%v mode needs a trigger", c.p.Config.Mode())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ran {
		return Policy{}, configErrorf("controller already ran")
	}
	c.ran = true
	return pol, nil
}

// Run runs the harness in the configured mode.
//
// An error is returned only if the run could not begin; in that case no
// resources were acquired. Otherwise the outcome is reported in Result.
// In server-only mode Run returns as soon as the server is up; call Shutdown
// to stop it.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	pol, err := c.validate(ctx)
	if err != nil {
		return nil, err
	}

	debugSub := c.bus.Subscribe(events.DebugMessage, func(ev events.Event) {
		logging.Debug(ctx, ev.Text)
	})
	defer c.bus.Unsubscribe(debugSub)

	// Consumers are detached last, so they see every RunCompleted.
	var consumerSubs []*events.Subscription
	for _, l := range c.p.Consumers {
		consumerSubs = append(consumerSubs, c.bus.SubscribeAll(l))
	}
	defer func() {
		for _, s := range consumerSubs {
			c.bus.Unsubscribe(s)
		}
	}()

	res := &Result{}
	c.setState(ctx, ServerStarting)
	if err := c.p.Provider.Initialize(ctx); err != nil {
		return c.fault(ctx, res, errors.Wrap(err, "failed to initialize test provider")), nil
	}
	base, err := c.p.Server.Start(ctx)
	if err != nil {
		tctx, cancel := teardownContext(ctx)
		defer cancel()
		if err := c.p.Provider.Cleanup(tctx); err != nil {
			logging.Infof(ctx, "Failed to clean up test provider: %v", err)
		}
		return c.fault(ctx, res, errors.Wrap(err, "failed to start server")), nil
	}
	c.mu.Lock()
	c.serverUp = true
	c.mu.Unlock()
	res.Address = base

	if !pol.LaunchHosts {
		logging.Infof(ctx, "Server is up at %s", base)
		res.State = c.State()
		return res, nil
	}

	for {
		res.Outcome = c.runCycle(ctx, pol, res)
		res.Cycles++
		if !pol.Loop || ctx.Err() != nil {
			break
		}
		logging.Info(ctx, "Waiting for changes to run again")
		var ok bool
		select {
		case _, ok = <-c.p.Trigger:
		case <-ctx.Done():
		}
		if !ok {
			break
		}
	}

	if pol.PersistServer {
		tctx, cancel := teardownContext(ctx)
		defer cancel()
		if err := c.releaseServer(tctx); err != nil {
			logging.Infof(ctx, "Failed to stop server: %v", err)
			c.setState(ctx, Faulted)
		}
	}
	res.State = c.State()
	return res, nil
}

// runCycle runs hosts once and returns the cycle's outcome. The outcome is
// published as RunCompleted before runCycle returns.
func (c *Controller) runCycle(ctx context.Context, pol Policy, res *Result) events.Outcome {
	cfg := c.p.Config
	sess := newSession(cfg, c.clk.Now())
	for i := 0; i < cfg.HostCount(); i++ {
		sess.addHost(host.HostID(i))
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	res.SessionID = sess.ID
	logging.Infof(ctx, "Starting session %s with %d host(s)", sess.ID, cfg.HostCount())

	c.setState(ctx, HostsLaunching)
	stop := newStopSignal()
	handlerSub := c.bus.SubscribeAll(func(ev events.Event) {
		if cause, ok := sess.apply(ctx, ev, pol.AbortOnDialog); ok {
			stop.trigger(cause)
		}
	})
	dialogs := watchdog.NewDialogWatchdog(c.clk, c.bus, sess.ID, cfg.DialogPollInterval())
	comm := watchdog.NewCommWatchdog(c.clk, c.bus, sess.ID, cfg.CommTick(), cfg.CommTimeout())
	pool := host.NewPool(c.p.Hosts)

	visible := cfg.Visible() && !pol.HideHosts
	addr := c.p.Server.EntryAddress(sess.ID, cfg.QueryString())
	handles, err := pool.Launch(ctx, cfg.HostCount(), visible, cfg.ForceStart(), addr)
	for _, h := range handles {
		if h.Alive() {
			ev := events.NewHostLaunched(h.ID)
			ev.SessionID = sess.ID
			c.bus.Publish(ev)
		}
	}
	if err != nil {
		logging.Infof(ctx, "Failed to launch hosts: %v", err)
		stop.trigger(stopCause{kind: causeLaunch, err: withKind(ErrHostLaunch, err)})
	} else {
		for _, h := range handles {
			dialogs.Add(h.ID, h.Host())
		}
		dialogs.Start(ctx)
		comm.Start(ctx)
		c.setState(ctx, Running)
		c.await(ctx, stop, pool, sess)
	}

	c.setState(ctx, Completing)
	cause := stop.cause()
	sess.close()
	dialogs.Stop()
	comm.Stop()

	tctx, cancel := teardownContext(ctx)
	defer cancel()
	var teardownErr error
	if err := pool.StopAll(tctx); err != nil {
		teardownErr = err
	}
	if !pol.PersistServer {
		if err := c.releaseServer(tctx); err != nil && teardownErr == nil {
			teardownErr = err
		}
	}

	outcome := sess.resolve(cause)
	c.bus.Unsubscribe(handlerSub)
	ev := events.NewRunCompleted(outcome)
	ev.SessionID = sess.ID
	c.bus.Publish(ev)
	logging.Infof(ctx, "Session %s %v", sess.ID, outcome)
	c.record(ctx, sess, outcome)

	if teardownErr != nil {
		logging.Infof(ctx, "Teardown failed: %v", teardownErr)
		c.setState(ctx, Faulted)
	} else {
		c.setState(ctx, Stopped)
	}
	return outcome
}

// await blocks until stop fires or ctx is done, reporting hosts that exit
// early in the meantime.
func (c *Controller) await(ctx context.Context, stop *stopSignal, pool *host.Pool, sess *Session) {
	ticker := c.clk.NewTicker(c.p.Config.DialogPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop.done():
			return
		case <-ctx.Done():
			stop.trigger(stopCause{kind: causeCanceled, err: ctx.Err()})
			return
		case <-ticker.C():
			live := make(map[string]bool)
			for _, h := range pool.Live() {
				live[h.ID] = true
			}
			for _, h := range pool.Handles() {
				if !live[h.ID] && sess.markExited(h.ID) {
					ev := events.NewDebugMessage("%s exited before completing", h.ID)
					ev.HostID = h.ID
					ev.SessionID = sess.ID
					c.bus.Publish(ev)
				}
			}
		}
	}
}

// fault ends a run that failed before hosts were launched.
func (c *Controller) fault(ctx context.Context, res *Result, err error) *Result {
	logging.Infof(ctx, "Run faulted: %v", err)
	o := events.FaultedOutcome(err)
	c.bus.Publish(events.NewRunCompleted(o))
	c.setState(ctx, Faulted)
	res.Outcome = o
	res.State = Faulted
	return res
}

// releaseServer stops the server and cleans up the provider once.
func (c *Controller) releaseServer(ctx context.Context) error {
	c.mu.Lock()
	up := c.serverUp
	c.serverUp = false
	c.mu.Unlock()
	if !up {
		return nil
	}

	var firstErr error
	if err := c.p.Server.Stop(ctx); err != nil {
		firstErr = errors.Wrap(err, "failed to stop server")
	}
	if err := c.p.Provider.Cleanup(ctx); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "failed to clean up test provider")
	}
	return firstErr
}

// Shutdown releases the server kept alive by server-only or continuous mode.
// It is safe to call multiple times, and after Run tore everything down.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.releaseServer(ctx); err != nil {
		c.setState(ctx, Faulted)
		return err
	}
	if c.State() == ServerStarting {
		c.setState(ctx, Stopped)
	}
	return nil
}

func (c *Controller) record(ctx context.Context, sess *Session, o events.Outcome) {
	if c.p.History == nil {
		return
	}
	r := history.Record{
		SessionID: sess.ID,
		Mode:      sess.Config.Mode().String(),
		Hosts:     sess.Config.HostCount(),
		Start:     sess.Start,
		End:       c.clk.Now(),
		Verdict:   o.Verdict.String(),
		Message:   o.Message,
	}
	if o.Verdict == events.Failed {
		r.Reason = o.Reason.String()
	}
	if err := c.p.History.Record(ctx, r); err != nil {
		logging.Infof(ctx, "Failed to record session %s: %v", sess.ID, err)
	}
}

// teardownContext returns a context for releasing resources that outlives
// cancellation of ctx but keeps its values.
func teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
}
