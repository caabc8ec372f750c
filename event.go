// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"sync"

	"mellium.im/client/jid"
	"mellium.im/client/stream"
)

// EventKind identifies the kind of event published on a session's bus.
type EventKind int

const (
	// StreamFeaturesReceived is published when a stream features list has been
	// parsed. The event carries the parsed Features.
	StreamFeaturesReceived EventKind = iota

	// AuthSuccess is published when the server accepts authentication.
	AuthSuccess

	// AuthFailed is published when authentication fails. The event carries the
	// error.
	AuthFailed

	// AuthFinishExpected is published when the client has sent its final
	// authentication message and a success or failure response is the only
	// thing left to wait for.
	AuthFinishExpected

	// ResourceBindSuccess is published when resource binding completes. The
	// event carries the bound JID.
	ResourceBindSuccess

	// ResourceBindError is published when resource binding fails.
	ResourceBindError

	// SessionEstablishmentSuccess is published when legacy session
	// establishment completes, or synthetically when the server does not
	// require it.
	SessionEstablishmentSuccess

	// SessionEstablishmentError is published when legacy session establishment
	// fails.
	SessionEstablishmentError

	// SMResumed is published when a previous stream is resumed.
	SMResumed

	// SMFailed is published when the server refuses to resume a previous
	// stream.
	SMFailed

	// SessionCleared is published after Unbind has torn the session state
	// down.
	SessionCleared

	// ErrorEvent is published for stream errors that the session does not
	// handle itself. StreamErr is nil if the condition was not recognized.
	ErrorEvent
)

var eventNames = [...]string{
	"StreamFeaturesReceived",
	"AuthSuccess",
	"AuthFailed",
	"AuthFinishExpected",
	"ResourceBindSuccess",
	"ResourceBindError",
	"SessionEstablishmentSuccess",
	"SessionEstablishmentError",
	"SMResumed",
	"SMFailed",
	"SessionCleared",
	"ErrorEvent",
}

// String satisfies fmt.Stringer for EventKind.
func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "UnknownEvent"
}

// Event is a notification published on a session's bus. Only the fields
// relevant to the kind are set.
type Event struct {
	Kind      EventKind
	JID       *jid.JID
	Features  *Features
	StreamErr *stream.Error
	Err       error
}

// Bus distributes events between the session and its modules.
// Subscriber functions are invoked on the session's task queue, one event at
// a time, in publication order.
type Bus struct {
	mu   sync.Mutex
	q    *queue
	subs map[EventKind][]func(Event)
}

// Subscribe registers f for events of the given kind.
// All subscriptions are dropped when the session is unbound.
func (b *Bus) Subscribe(kind EventKind, f func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[EventKind][]func(Event))
	}
	b.subs[kind] = append(b.subs[kind], f)
}

func (b *Bus) publish(e Event) {
	b.mu.Lock()
	subs := b.subs[e.Kind]
	b.mu.Unlock()
	for _, f := range subs {
		f := f
		b.q.Do(func() {
			f(e)
		})
	}
}

func (b *Bus) reset() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}
