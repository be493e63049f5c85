// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package watchdog

import (
	"testing"
	"time"

	"github.com/nya3jp/harness/internal/events"
)

const waitTimeout = 10 * time.Second

var epoch = time.Unix(1700000000, 0)

// watch subscribes to kind and returns a channel receiving its events.
func watch(t *testing.T, bus *events.Bus, kind events.Kind) <-chan events.Event {
	t.Helper()
	ch := make(chan events.Event, 100)
	sub := bus.Subscribe(kind, func(ev events.Event) { ch <- ev })
	t.Cleanup(func() { bus.Unsubscribe(sub) })
	return ch
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for an event")
		return events.Event{}
	}
}

func expectNone(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Errorf("Unexpected event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
