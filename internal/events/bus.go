// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package events

import (
	"fmt"
	"sync"

	"code.cloudfoundry.org/clock"
)

// Listener receives events delivered by a Bus.
//
// Calls to a single Listener are serialized, so a Listener may mutate its own
// state without locking. A Listener must not call Unsubscribe on its own
// Subscription.
type Listener func(ev Event)

// Subscription is a handle returned by Bus.Subscribe and Bus.SubscribeAll.
type Subscription struct {
	id  uint64
	sub *subscriber
}

// Bus is an in-process publish/subscribe mechanism for Events.
//
// Each subscriber owns an unbounded queue and a delivery goroutine, so
// Publish never waits for listeners and a slow listener never delays the
// others. Events are delivered to a subscriber in publication order.
// A subscriber never sees events published before it subscribed.
type Bus struct {
	clk clock.Clock

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   []*subscriber // in subscription order
}

// NewBus creates a Bus that timestamps events with clk.
func NewBus(clk clock.Clock) *Bus {
	return &Bus{clk: clk}
}

// Publish stamps ev with a sequence number (and a timestamp if it has none)
// and queues it for every matching subscriber. It is safe to call from
// multiple goroutines. The stamped event is returned.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = b.clk.Now()
	}
	for _, s := range b.subs {
		if s.all || s.kind == ev.Kind {
			s.enqueue(ev)
		}
	}
	return ev
}

// Subscribe registers l to receive events of kind.
func (b *Bus) Subscribe(kind Kind, l Listener) *Subscription {
	return b.add(&subscriber{kind: kind, listener: l})
}

// SubscribeAll registers l to receive every event.
func (b *Bus) SubscribeAll(l Listener) *Subscription {
	return b.add(&subscriber{all: true, listener: l})
}

func (b *Bus) add(s *subscriber) *Subscription {
	s.bus = b
	s.wake = make(chan struct{}, 1)
	s.done = make(chan struct{})

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.run()
	return &Subscription{id: s.id, sub: s}
}

// Unsubscribe removes a subscription. Events published before the call are
// still delivered; Unsubscribe returns once they have been. Unsubscribing
// twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.sub.close()
	<-sub.sub.done
}

// Close unsubscribes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	for _, s := range subs {
		<-s.done
	}
}

type subscriber struct {
	bus      *Bus
	id       uint64
	all      bool
	kind     Kind
	listener Listener

	wake chan struct{} // capacity 1
	done chan struct{} // closed when the delivery goroutine exits

	mu      sync.Mutex
	queue   []Event
	closing bool
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		batch := s.queue
		s.queue = nil
		closing := s.closing
		s.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
		if closing && len(batch) == 0 {
			return
		}
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		// A panicking DebugMessage listener would otherwise loop forever.
		if ev.Kind == DebugMessage {
			return
		}
		s.bus.Publish(NewDebugMessage("listener for %v panicked: %v", ev.Kind, r))
	}()
	s.listener(ev)
}

// String is for debugging.
func (sub *Subscription) String() string {
	return fmt.Sprintf("subscription#%d", sub.id)
}
