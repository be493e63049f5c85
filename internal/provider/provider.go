// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package provider defines the test-provider capability consumed by the
// harness and a YAML manifest implementation of it.
package provider

import (
	"context"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/logging"
)

// Unit describes a single test unit known to the provider.
type Unit struct {
	Suite   string `yaml:"suite" json:"suite"`
	Name    string `yaml:"name" json:"name"`
	Ignored bool   `yaml:"ignored,omitempty" json:"ignored,omitempty"`
}

// FullName returns the suite-qualified name of u.
func (u Unit) FullName() string {
	if u.Suite == "" {
		return u.Name
	}
	return u.Suite + "." + u.Name
}

// Provider is the capability of a test-framework adapter.
type Provider interface {
	// Initialize prepares the provider. It is called before the server starts.
	Initialize(ctx context.Context) error
	// Cleanup releases resources held by the provider. It is called during
	// teardown and must be safe to call more than once.
	Cleanup(ctx context.Context) error
	// EnumerateTestUnits returns the test units to run.
	EnumerateTestUnits() ([]Unit, error)
}

type manifestFile struct {
	Tests []Unit `yaml:"tests"`
}

// Manifest is a Provider reading test units from a YAML file:
//
//	tests:
//	- suite: MathTests
//	  name: AddsNumbers
//	- suite: MathTests
//	  name: DividesByZero
//	  ignored: true
type Manifest struct {
	path string

	mu    sync.Mutex
	units []Unit
	ready bool
}

var _ Provider = &Manifest{}

// NewManifest returns a Manifest reading path on Initialize.
func NewManifest(path string) *Manifest {
	return &Manifest{path: path}
}

// Initialize reads and validates the manifest file.
func (m *Manifest) Initialize(ctx context.Context) error {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return errors.Wrap(err, "failed to read test manifest")
	}
	var f manifestFile
	if err := yaml.UnmarshalStrict(b, &f); err != nil {
		return errors.Wrapf(err, "failed to parse %s", m.path)
	}
	if err := validate(f.Tests); err != nil {
		return errors.Wrapf(err, "bad manifest %s", m.path)
	}

	m.mu.Lock()
	m.units = f.Tests
	m.ready = true
	m.mu.Unlock()
	logging.Debugf(ctx, "Loaded %d test units from %s", len(f.Tests), m.path)
	return nil
}

// Cleanup forgets the loaded units.
func (m *Manifest) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = nil
	m.ready = false
	return nil
}

// EnumerateTestUnits returns the units loaded by Initialize.
func (m *Manifest) EnumerateTestUnits() ([]Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, errors.New("manifest provider is not initialized")
	}
	return append([]Unit(nil), m.units...), nil
}

// Static is a Provider serving a fixed list of units. The zero value
// provides no units; it is used when the payload enumerates tests itself.
type Static struct {
	Units []Unit
}

var _ Provider = &Static{}

// Initialize validates the units.
func (s *Static) Initialize(ctx context.Context) error { return validate(s.Units) }

// Cleanup does nothing.
func (s *Static) Cleanup(ctx context.Context) error { return nil }

// EnumerateTestUnits returns s.Units.
func (s *Static) EnumerateTestUnits() ([]Unit, error) {
	return append([]Unit(nil), s.Units...), nil
}

func validate(units []Unit) error {
	seen := make(map[string]bool)
	for i, u := range units {
		if u.Name == "" {
			return errors.Errorf("test #%d has no name", i+1)
		}
		n := u.FullName()
		if seen[n] {
			return errors.Errorf("duplicate test %s", n)
		}
		seen[n] = true
	}
	return nil
}
