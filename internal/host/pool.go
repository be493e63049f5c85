// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/logging"
)

// Handle is the per-instance record of a launched host.
type Handle struct {
	ID     string
	Params LaunchParams

	host Host

	mu      sync.Mutex
	started bool
	alive   bool
	stopped bool
}

// Host returns the underlying Host.
func (h *Handle) Host() Host { return h.host }

// Alive returns the liveness flag as of the last refresh by the Pool.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// ProcessID returns the native process ID of the host, if known.
func (h *Handle) ProcessID() (int, bool) {
	if h.host == nil {
		return 0, false
	}
	return h.host.ProcessID()
}

// Pool owns the host instances of a run. Only the Pool mutates Handle
// liveness flags.
type Pool struct {
	factory Factory

	mu      sync.Mutex
	handles []*Handle
}

// NewPool creates a Pool that creates hosts with factory.
func NewPool(factory Factory) *Pool {
	return &Pool{factory: factory}
}

// Launch creates and starts count hosts concurrently. addr provides each
// host's test-entry address. Handles of all hosts, including those that failed
// to start, are retained so that StopAll releases them.
//
// If any host fails to start, an error is returned; no retry is attempted.
func (p *Pool) Launch(ctx context.Context, count int, visible, forceStart bool, addr AddressFunc) ([]*Handle, error) {
	multi := count > 1
	hs := make([]*Handle, count)
	for i := range hs {
		id := HostID(i)
		hs[i] = &Handle{
			ID: id,
			Params: LaunchParams{
				HostID:     id,
				Address:    addr(id, multi),
				Visible:    visible,
				ForceStart: forceStart,
				Peers:      count,
			},
		}
	}

	p.mu.Lock()
	p.handles = append(p.handles, hs...)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hs {
		h := h
		g.Go(func() error {
			hst, err := p.factory(h.Params)
			if err != nil {
				return errors.Wrapf(err, "failed to create %s", h.ID)
			}
			h.mu.Lock()
			h.host = hst
			h.mu.Unlock()

			logging.Debugf(gctx, "Launching %s at %s", h.ID, h.Params.Address)
			if err := hst.Start(gctx); err != nil {
				return errors.Wrapf(err, "failed to start %s", h.ID)
			}
			h.mu.Lock()
			h.started = true
			h.alive = true
			h.mu.Unlock()
			if pid, ok := hst.ProcessID(); ok {
				logging.Debugf(gctx, "%s started as process %d", h.ID, pid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return hs, err
	}
	return hs, nil
}

// Handles returns all handles owned by the pool.
func (p *Pool) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Handle(nil), p.handles...)
}

// Live refreshes liveness flags and returns the handles whose hosts are
// still running.
func (p *Pool) Live() []*Handle {
	var live []*Handle
	for _, h := range p.Handles() {
		h.mu.Lock()
		if h.alive && !h.stopped && h.host != nil && !h.host.IsAlive() {
			h.alive = false
		}
		alive := h.alive && !h.stopped
		h.mu.Unlock()
		if alive {
			live = append(live, h)
		}
	}
	return live
}

// StopAll stops every host owned by the pool. It is safe to call multiple
// times; hosts that already terminated are skipped silently.
func (p *Pool) StopAll(ctx context.Context) error {
	var firstErr error
	for _, h := range p.Handles() {
		h.mu.Lock()
		if h.stopped || h.host == nil {
			h.stopped = true
			h.mu.Unlock()
			continue
		}
		h.stopped = true
		h.alive = false
		hst := h.host
		h.mu.Unlock()

		if err := hst.Stop(ctx); err != nil {
			if !hst.IsAlive() {
				logging.Debugf(ctx, "Ignoring stop error of terminated %s: %v", h.ID, err)
				continue
			}
			logging.Infof(ctx, "Failed to stop %s: %v", h.ID, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to stop %s", h.ID)
			}
		}
	}
	return firstErr
}

// Reset forgets all handles so that the pool can launch a new set of hosts.
// Hosts should be stopped with StopAll first.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles = nil
}
