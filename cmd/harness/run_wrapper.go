// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/nya3jp/harness/internal/config"
	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/history"
	"github.com/nya3jp/harness/internal/host"
	"github.com/nya3jp/harness/internal/logging"
	"github.com/nya3jp/harness/internal/provider"
	"github.com/nya3jp/harness/internal/reporting"
	"github.com/nya3jp/harness/internal/runner"
	"github.com/nya3jp/harness/internal/server"
)

// payloadDebounce is how long the payload directory must stay unchanged
// before watch mode starts a new session.
const payloadDebounce = 500 * time.Millisecond

// runWrapper is a wrapper that allows the controller to be stubbed out for
// testing.
type runWrapper interface {
	// run runs the harness with cfg, writing results to out.
	run(ctx context.Context, cfg *config.Config, out io.Writer) (*runner.Result, error)
}

// realRunWrapper is a runWrapper implementation that wires up the real
// server, hosts and consumers.
type realRunWrapper struct{}

func (realRunWrapper) run(ctx context.Context, cfg *config.Config, out io.Writer) (*runner.Result, error) {
	clk := clock.NewClock()
	bus := events.NewBus(clk)
	defer bus.Close()

	var prov provider.Provider = &provider.Static{}
	if path := cfg.ManifestPath(); path != "" {
		prov = provider.NewManifest(path)
	}
	srv := server.New(bus, server.Options{
		ListenAddr: cfg.ListenAddr(),
		PayloadDir: cfg.PayloadDir(),
		Provider:   prov,
	})

	p := runner.Params{
		Config:   cfg,
		Server:   srv,
		Provider: prov,
		Bus:      bus,
		Clock:    clk,
	}

	if cfg.Mode() != config.ServerOnlyMode && cfg.Mode() != config.RemoteMode {
		factory, closeFactory, err := newHostFactory(cfg)
		if err != nil {
			return nil, err
		}
		defer closeFactory()
		p.Hosts = factory
	}

	consumers, closeConsumers, err := newConsumers(ctx, cfg, out)
	if err != nil {
		return nil, err
	}
	defer closeConsumers()
	for _, c := range consumers {
		p.Consumers = append(p.Consumers, c.Handle)
	}

	if path := cfg.HistoryDB(); path != "" {
		st, err := history.Open(path)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		p.History = st
	}

	if cfg.Mode() == config.ContinuousMode {
		if cfg.PayloadDir() == "" {
			return nil, errors.Wrap(runner.ErrConfiguration, "continuous mode needs a payload directory to watch")
		}
		trigger, err := watchPayload(ctx, clk, cfg.PayloadDir(), payloadDebounce)
		if err != nil {
			return nil, err
		}
		p.Trigger = trigger
	}

	ctrl := runner.New(p)
	res, err := ctrl.Run(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Mode() == config.ServerOnlyMode && res.State != runner.Faulted {
		logging.Info(ctx, "Serving until interrupted")
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := ctrl.Shutdown(sctx); err != nil {
			logging.Infof(ctx, "Failed to shut down: %v", err)
		}
		res.State = ctrl.State()
	}
	return res, nil
}

// newHostFactory returns the factory for the configured host kind and a
// function releasing it.
func newHostFactory(cfg *config.Config) (host.Factory, func(), error) {
	switch cfg.HostKind() {
	case config.ContainerHost:
		f, err := host.NewContainerFactory(cfg.ContainerImage())
		if err != nil {
			return nil, nil, err
		}
		return f.New, func() { f.Close() }, nil
	default:
		f, err := host.NewBrowserFactory(host.BrowserOptions{
			Path:         cfg.BrowserPath(),
			ExtraArgs:    cfg.BrowserArgs(),
			DialogTitles: cfg.DialogTitles(),
		})
		if err != nil {
			return nil, nil, errors.Wrap(runner.ErrConfiguration, err.Error())
		}
		return f, func() {}, nil
	}
}

// newConsumers returns the result consumers for cfg. CI mode writes TeamCity
// service messages to out instead of console lines. Files are written to the
// results directory if one is configured.
func newConsumers(ctx context.Context, cfg *config.Config, out io.Writer) ([]reporting.Consumer, func(), error) {
	var cs []reporting.Consumer
	if cfg.Mode() == config.CIMode {
		cs = append(cs, reporting.NewTeamCity(out))
	} else {
		cs = append(cs, reporting.NewConsole(out))
	}
	if cfg.ResDir() == "" {
		return cs, func() {}, nil
	}

	sw, err := reporting.NewStreamedWriter(ctx, filepath.Join(cfg.ResDir(), reporting.StreamedResultsFilename))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create streamed results")
	}
	cs = append(cs, sw, reporting.NewJUnitWriter(ctx, filepath.Join(cfg.ResDir(), reporting.JUnitXMLFilename)))
	return cs, func() { sw.Close() }, nil
}
