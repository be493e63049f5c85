// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/nya3jp/harness/internal/errors"
)

// fileConfig is the YAML representation of a config file. Keys are the same
// as the corresponding flag names. Unset keys are nil.
type fileConfig struct {
	HostKind     *string        `yaml:"hostkind"`
	Hosts        *int           `yaml:"hosts"`
	ForceStart   *bool          `yaml:"forcestart"`
	Visible      *bool          `yaml:"visible"`
	CommTimeout  *time.Duration `yaml:"commtimeout"`
	CommTick     *time.Duration `yaml:"commtick"`
	DialogPoll   *time.Duration `yaml:"dialogpoll"`
	Timeout      *time.Duration `yaml:"timeout"`
	Query        []string       `yaml:"query"`
	Listen       *string        `yaml:"listen"`
	Payload      *string        `yaml:"payload"`
	Manifest     *string        `yaml:"manifest"`
	Browser      *string        `yaml:"browser"`
	BrowserArgs  []string       `yaml:"browserargs"`
	Image        *string        `yaml:"image"`
	DialogTitles []string       `yaml:"dialogtitles"`
	ResultsDir   *string        `yaml:"resultsdir"`
	History      *string        `yaml:"history"`
}

// MergeFile reads the YAML file at path and copies its values into c.
// Keys named in explicit (typically flags set on the command line) are
// left untouched so that command-line flags take precedence.
func (c *MutableConfig) MergeFile(path string, explicit map[string]bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	var fc fileConfig
	if err := yaml.UnmarshalStrict(b, &fc); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}

	set := func(name string) bool { return !explicit[name] }

	if fc.HostKind != nil && set("hostkind") {
		v, ok := hostKindNames[*fc.HostKind]
		if !ok {
			return errors.Errorf("%s: unknown hostkind %q", path, *fc.HostKind)
		}
		c.HostKind = HostKind(v)
	}
	if fc.Hosts != nil && set("hosts") {
		c.HostCount = *fc.Hosts
	}
	if fc.ForceStart != nil && set("forcestart") {
		c.ForceStart = *fc.ForceStart
	}
	if fc.Visible != nil && set("visible") {
		c.Visible = *fc.Visible
	}
	if fc.CommTimeout != nil && set("commtimeout") {
		c.CommTimeout = *fc.CommTimeout
	}
	if fc.CommTick != nil && set("commtick") {
		c.CommTick = *fc.CommTick
	}
	if fc.DialogPoll != nil && set("dialogpoll") {
		c.DialogPollInterval = *fc.DialogPoll
	}
	if fc.Timeout != nil && set("timeout") {
		c.Timeout = *fc.Timeout
	}
	if fc.Query != nil && set("query") {
		c.QueryParams = fc.Query
	}
	if fc.Listen != nil && set("listen") {
		c.ListenAddr = *fc.Listen
	}
	if fc.Payload != nil && set("payload") {
		c.PayloadDir = *fc.Payload
	}
	if fc.Manifest != nil && set("manifest") {
		c.ManifestPath = *fc.Manifest
	}
	if fc.Browser != nil && set("browser") {
		c.BrowserPath = *fc.Browser
	}
	if fc.BrowserArgs != nil && set("browserargs") {
		c.BrowserArgs = fc.BrowserArgs
	}
	if fc.Image != nil && set("image") {
		c.ContainerImage = *fc.Image
	}
	if fc.DialogTitles != nil && set("dialogtitles") {
		c.DialogTitles = fc.DialogTitles
	}
	if fc.ResultsDir != nil && set("resultsdir") {
		c.ResDir = *fc.ResultsDir
	}
	if fc.History != nil && set("history") {
		c.HistoryDB = *fc.History
	}
	return nil
}

func itoa(n int) string  { return strconv.Itoa(n) }
func btoa(b bool) string { return strconv.FormatBool(b) }
