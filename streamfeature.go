// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"mellium.im/client/stanza"
)

// streamModule owns the stream level negotiation knobs that are not tied to
// a single feature, currently just pipelining. When pipelining is active the
// post-auth stream restart is issued as soon as the final auth message is on
// the wire rather than waiting for the server's success response.
type streamModule struct {
	active    bool
	restarted bool
}

func (*streamModule) Criteria(*stanza.Stanza) bool           { return false }
func (*streamModule) Process(*stanza.Stanza, *Session) error { return nil }
func (*streamModule) Features() []string                     { return nil }

// Active reports whether pipelining is in use.
func (m *streamModule) Active() bool {
	return m.active
}

// StartStream performs the pipelined stream restart.
func (m *streamModule) StartStream(s *Session) {
	m.restarted = true
	s.restartStream()
}

// consumeRestart reports whether a pipelined restart already covers the
// post-auth restart, consuming it.
func (m *streamModule) consumeRestart() bool {
	if m.active && m.restarted {
		m.restarted = false
		return true
	}
	return false
}

// StreamStarted satisfies the Lifecycle interface.
func (*streamModule) StreamStarted(*Session) {}

// ConnectionRestarted satisfies the Lifecycle interface. Any pipelined
// restart still in flight is void once the transport reconnects.
func (m *streamModule) ConnectionRestarted(*Session) {
	m.restarted = false
}

// Reset satisfies the Lifecycle interface; whether pipelining is used is
// configuration, not stream state.
func (*streamModule) Reset() {}
