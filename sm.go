// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"fmt"
	"strconv"

	"mellium.im/client/internal/attr"
	"mellium.im/client/internal/ns"
	"mellium.im/client/stanza"
)

// StreamManagement implements the client side of XEP-0198: it counts stanzas
// in both directions, keeps unacknowledged outbound stanzas for
// retransmission, and resumes a previous stream after a transport loss so
// that the bound resource survives.
//
// All state is owned by the session's task queue; only SetResumption and the
// read accessors are meant for use from outside, and SetResumption must be
// called before traffic flows.
type StreamManagement struct {
	enabled   bool
	active    bool
	resumable bool
	resumed   bool
	id        string
	location  string

	inbound uint32
	sent    uint32
	acked   uint32
	queue   []*stanza.Stanza
}

// Criteria matches the stream management nonzas.
func (m *StreamManagement) Criteria(st *stanza.Stanza) bool {
	return st.Name.Space == ns.SM
}

// Features satisfies the Module interface.
func (m *StreamManagement) Features() []string {
	return []string{ns.SM}
}

// Process handles acks, ack requests, and the enable/resume results.
func (m *StreamManagement) Process(st *stanza.Stanza, s *Session) error {
	switch st.Name.Local {
	case "r":
		m.SendAck(s)

	case "a":
		m.handleAck(attr.Get(st.Attr, "h"))

	case "enabled":
		m.active = true
		m.resumed = false
		m.id = attr.Get(st.Attr, "id")
		r := attr.Get(st.Attr, "resume")
		m.resumable = r == "true" || r == "1"
		m.location = attr.Get(st.Attr, "location")
		m.inbound, m.sent, m.acked = 0, 0, 0
		m.queue = nil

	case "resumed":
		m.active = true
		m.resumed = true
		m.handleAck(attr.Get(st.Attr, "h"))
		// Whatever the server did not see before the connection was lost goes
		// out again on the new stream, still queued until acknowledged.
		for _, queued := range m.queue {
			s.write(queued)
		}
		s.publish(Event{Kind: SMResumed})

	case "failed":
		// Only a refused resume calls for a fresh bind; a refused enable just
		// leaves the stream without management.
		resuming := s.neg.phase == smInProgress
		m.reset(true)
		if resuming {
			s.publish(Event{Kind: SMFailed})
		}
	}
	return nil
}

// FilterIncoming counts received stanzas while management is active. It
// never consumes a stanza.
func (m *StreamManagement) FilterIncoming(st *stanza.Stanza, _ *Session) bool {
	if m.active && stanza.Is(st.Name) {
		m.inbound++
	}
	return false
}

// FilterOutgoing records sent stanzas for retransmission until the server
// acknowledges them.
func (m *StreamManagement) FilterOutgoing(st *stanza.Stanza, _ *Session) {
	if m.active && stanza.Is(st.Name) {
		m.queue = append(m.queue, st)
		m.sent++
	}
}

// StreamStarted satisfies the Lifecycle interface.
func (m *StreamManagement) StreamStarted(*Session) {}

// ConnectionRestarted satisfies the Lifecycle interface.
func (m *StreamManagement) ConnectionRestarted(*Session) {}

// Reset drops all stream management state, including resumption credentials.
func (m *StreamManagement) Reset() {
	m.reset(true)
}

// reset drops the volatile per-stream state. With full set, resumption
// credentials and the retransmission queue are dropped too and the next
// stream negotiates from scratch.
func (m *StreamManagement) reset(full bool) {
	m.active = false
	m.resumed = false
	if full {
		m.resumable = false
		m.id = ""
		m.location = ""
		m.inbound, m.sent, m.acked = 0, 0, 0
		m.queue = nil
	}
}

func (m *StreamManagement) handleAck(h string) {
	val, err := strconv.ParseUint(h, 10, 32)
	if err != nil {
		return
	}
	newly := uint32(val) - m.acked
	if newly > uint32(len(m.queue)) {
		newly = uint32(len(m.queue))
	}
	m.queue = m.queue[newly:]
	m.acked = uint32(val)
}

// Enable asks the server to turn on stream management with resumption.
func (m *StreamManagement) Enable(s *Session) {
	if !m.enabled || m.active {
		return
	}
	s.writeRaw(fmt.Sprintf("<enable xmlns='%s' resume='true'/>", ns.SM))
}

// Resume attempts to re-attach to the previous stream instead of binding a
// new resource.
func (m *StreamManagement) Resume(s *Session) {
	s.writeRaw(fmt.Sprintf("<resume xmlns='%s' h='%d' previd='%s'/>", ns.SM, m.inbound, m.id))
}

// RequestAck asks the server to acknowledge everything received so far.
func (m *StreamManagement) RequestAck(s *Session) {
	s.writeRaw(fmt.Sprintf("<r xmlns='%s'/>", ns.SM))
}

// SendAck tells the server how many stanzas this side has received.
func (m *StreamManagement) SendAck(s *Session) {
	s.writeRaw(fmt.Sprintf("<a xmlns='%s' h='%d'/>", ns.SM, m.inbound))
}

// Resumable reports whether enough state is known to attempt resumption.
func (m *StreamManagement) Resumable() bool {
	return m.resumable && m.id != ""
}

// ResumptionID returns the stream identifier used for resumption.
func (m *StreamManagement) ResumptionID() string {
	return m.id
}

// Location returns the server's preferred reconnection endpoint, if it
// announced one.
func (m *StreamManagement) Location() string {
	return m.location
}

// SetResumption seeds resumption state persisted from a previous session. It
// must be called before the session handles any traffic.
func (m *StreamManagement) SetResumption(id, location string) {
	m.id = id
	m.location = location
	m.resumable = id != ""
}

// Queued returns the number of stanzas awaiting acknowledgment.
func (m *StreamManagement) Queued() int {
	return len(m.queue)
}
