// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config defines the configuration snapshot of a harness invocation.
package config

import (
	"flag"
	"net/url"
	"strings"
	"time"

	"github.com/nya3jp/harness/internal/command"
	"github.com/nya3jp/harness/internal/errors"
)

// Mode selects a run-mode policy.
type Mode int

const (
	// SinglePassMode runs the suite once and exits.
	SinglePassMode Mode = iota
	// ContinuousMode reruns the suite every time the payload changes.
	ContinuousMode
	// CIMode runs once with hidden hosts and CI service-message output.
	CIMode
	// ServerOnlyMode only starts the server for manual exercising.
	ServerOnlyMode
	// RemoteMode runs against a remotely hosted test page. Unsupported.
	RemoteMode
)

func (m Mode) String() string {
	switch m {
	case SinglePassMode:
		return "single-pass"
	case ContinuousMode:
		return "continuous"
	case CIMode:
		return "ci"
	case ServerOnlyMode:
		return "server-only"
	case RemoteMode:
		return "remote"
	default:
		return "unknown"
	}
}

// HostKind selects the implementation used to launch hosts.
type HostKind int

const (
	// BrowserHost launches a local browser executable.
	BrowserHost HostKind = iota
	// ContainerHost runs a headless browser image through Docker.
	ContainerHost
)

var hostKindNames = map[string]int{
	"browser":   int(BrowserHost),
	"container": int(ContainerHost),
}

const (
	defaultHostCount          = 1
	defaultCommTimeout        = 5 * time.Minute
	defaultCommTick           = 3 * time.Second
	defaultDialogPollInterval = 2 * time.Second
	defaultListenAddr         = "127.0.0.1:0"
	defaultBrowserPath        = "chromium"
	defaultContainerImage     = "harness/headless-chromium:latest"
)

// DefaultDialogTitles are window-title patterns of common blocking dialogs.
var DefaultDialogTitles = []string{
	`^Assertion Failed`,
	`^Alert$`,
	`^Confirm$`,
	`[Mm]essage from webpage`,
	`^Script Error`,
	`^Unhandled Exception`,
}

// MutableConfig is similar to Config, but its fields are mutable.
// Call Freeze to obtain a Config from MutableConfig.
type MutableConfig struct {
	// See Config for descriptions of these fields.

	Mode     Mode
	HostKind HostKind

	HostCount  int
	ForceStart bool
	Visible    bool

	CommTimeout        time.Duration
	CommTick           time.Duration
	DialogPollInterval time.Duration
	Timeout            time.Duration

	QueryParams []string
	ListenAddr  string

	PayloadDir   string
	ManifestPath string

	BrowserPath    string
	BrowserArgs    []string
	ContainerImage string
	DialogTitles   []string

	ResDir    string
	HistoryDB string

	ConfigFile string
}

// NewMutableConfig returns a MutableConfig with default values for mode.
func NewMutableConfig(mode Mode) *MutableConfig {
	return &MutableConfig{
		Mode:               mode,
		HostKind:           BrowserHost,
		HostCount:          defaultHostCount,
		Visible:            mode != CIMode,
		CommTimeout:        defaultCommTimeout,
		CommTick:           defaultCommTick,
		DialogPollInterval: defaultDialogPollInterval,
		ListenAddr:         defaultListenAddr,
		BrowserPath:        defaultBrowserPath,
		ContainerImage:     defaultContainerImage,
		DialogTitles:       append([]string(nil), DefaultDialogTitles...),
	}
}

// SetFlags adds common run-related flags to f that store values in c.
func (c *MutableConfig) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config", "", "YAML file with defaults for these flags")
	kf := command.NewEnumFlag(hostKindNames, func(v int) { c.HostKind = HostKind(v) }, "browser")
	f.Var(kf, "hostkind", "host implementation; valid values are "+kf.QuotedValues())
	f.IntVar(&c.HostCount, "hosts", c.HostCount, "number of concurrent host instances")
	f.BoolVar(&c.ForceStart, "forcestart", false, "start hosts even if an instance is already running")
	f.BoolVar(&c.Visible, "visible", c.Visible, "show host windows (ignored in ci mode)")
	f.Var(command.NewDurationFlag(time.Second, &c.CommTimeout, c.CommTimeout), "commtimeout", "seconds without progress before the run is declared dead")
	f.Var(command.NewDurationFlag(time.Millisecond, &c.CommTick, c.CommTick), "commtick", "milliseconds between communication timeout checks")
	f.Var(command.NewDurationFlag(time.Millisecond, &c.DialogPollInterval, c.DialogPollInterval), "dialogpoll", "milliseconds between blocking dialog checks")
	f.Var(command.NewDurationFlag(time.Second, &c.Timeout, 0), "timeout", "overall timeout in seconds; 0 for none")
	f.Var(command.NewListFlag("&", func(v []string) { c.QueryParams = v }, nil), "query", "query parameters appended to the test-entry address, e.g. \"tag=smoke&trace=1\"")
	f.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address the local server listens on")
	f.StringVar(&c.PayloadDir, "payload", "", "directory holding the hosted test payload")
	f.StringVar(&c.ManifestPath, "manifest", "", "YAML manifest listing test units")
	f.StringVar(&c.BrowserPath, "browser", c.BrowserPath, "browser executable for the browser host kind")
	f.Var(command.NewListFlag(",", func(v []string) { c.BrowserArgs = v }, nil), "browserargs", "comma-separated extra browser arguments")
	f.StringVar(&c.ContainerImage, "image", c.ContainerImage, "image for the container host kind")
	f.Var(command.NewListFlag(",", func(v []string) { c.DialogTitles = v }, nil), "dialogtitles", "comma-separated regexps matching blocking dialog window titles")
	f.StringVar(&c.ResDir, "resultsdir", "", "directory for results files; empty to skip writing them")
	f.StringVar(&c.HistoryDB, "history", "", "SQLite database recording run outcomes; empty to disable")
}

// Validate checks that c is usable.
func (c *MutableConfig) Validate() error {
	if c.HostCount < 1 {
		return errors.Errorf("host count must be positive, got %d", c.HostCount)
	}
	if c.CommTimeout <= 0 {
		return errors.New("communication timeout must be positive")
	}
	if c.CommTick <= 0 || c.DialogPollInterval <= 0 {
		return errors.New("watchdog intervals must be positive")
	}
	for _, p := range c.QueryParams {
		if _, err := url.ParseQuery(p); err != nil {
			return errors.Wrapf(err, "bad query parameter %q", p)
		}
	}
	return nil
}

// Freeze returns a frozen configuration object.
func (c *MutableConfig) Freeze() *Config {
	m := *c
	m.QueryParams = append([]string(nil), c.QueryParams...)
	m.BrowserArgs = append([]string(nil), c.BrowserArgs...)
	m.DialogTitles = append([]string(nil), c.DialogTitles...)
	return &Config{m: &m}
}

// Config contains the configuration snapshot of one harness invocation.
// All Config values are frozen and cannot be altered after construction.
type Config struct {
	m *MutableConfig
}

// Mode is the run mode.
func (c *Config) Mode() Mode { return c.m.Mode }

// HostKind is the host implementation.
func (c *Config) HostKind() HostKind { return c.m.HostKind }

// HostCount is the number of hosts launched concurrently.
func (c *Config) HostCount() int { return c.m.HostCount }

// ForceStart bypasses "already running" checks when launching hosts.
func (c *Config) ForceStart() bool { return c.m.ForceStart }

// Visible tells whether host windows should be shown.
func (c *Config) Visible() bool { return c.m.Visible }

// CommTimeout is the maximum silence from all hosts before the run is dead.
func (c *Config) CommTimeout() time.Duration { return c.m.CommTimeout }

// CommTick is the interval between communication timeout checks.
func (c *Config) CommTick() time.Duration { return c.m.CommTick }

// DialogPollInterval is the interval between blocking dialog checks.
func (c *Config) DialogPollInterval() time.Duration { return c.m.DialogPollInterval }

// Timeout bounds the whole invocation. Zero means no timeout.
func (c *Config) Timeout() time.Duration { return c.m.Timeout }

// QueryString returns the encoded query parameters to append to the
// test-entry address.
func (c *Config) QueryString() string {
	vals := url.Values{}
	for _, p := range c.m.QueryParams {
		q, _ := url.ParseQuery(p) // validated already
		for k, vs := range q {
			vals[k] = append(vals[k], vs...)
		}
	}
	return vals.Encode()
}

// ListenAddr is the address the local server listens on.
func (c *Config) ListenAddr() string { return c.m.ListenAddr }

// PayloadDir is the directory holding the hosted test payload.
func (c *Config) PayloadDir() string { return c.m.PayloadDir }

// ManifestPath is the path to the test unit manifest.
func (c *Config) ManifestPath() string { return c.m.ManifestPath }

// BrowserPath is the browser executable.
func (c *Config) BrowserPath() string { return c.m.BrowserPath }

// BrowserArgs are extra browser arguments.
func (c *Config) BrowserArgs() []string { return append([]string(nil), c.m.BrowserArgs...) }

// ContainerImage is the image run by container hosts.
func (c *Config) ContainerImage() string { return c.m.ContainerImage }

// DialogTitles are regexps matching blocking dialog window titles.
func (c *Config) DialogTitles() []string { return append([]string(nil), c.m.DialogTitles...) }

// ResDir is the results directory. Empty means results files are skipped.
func (c *Config) ResDir() string { return c.m.ResDir }

// HistoryDB is the path to the SQLite run-history database, if any.
func (c *Config) HistoryDB() string { return c.m.HistoryDB }

// String describes the parts of the configuration relevant to logs.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("mode=" + c.m.Mode.String())
	for _, kv := range [][2]string{
		{"hosts", itoa(c.m.HostCount)},
		{"forcestart", btoa(c.m.ForceStart)},
		{"visible", btoa(c.m.Visible)},
		{"commtimeout", c.m.CommTimeout.String()},
		{"dialogpoll", c.m.DialogPollInterval.String()},
	} {
		sb.WriteString(" " + kv[0] + "=" + kv[1])
	}
	return sb.String()
}
