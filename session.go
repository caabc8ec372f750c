// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"encoding/xml"
	"io"
	"log"
	"sync"
	"time"

	"mellium.im/client/internal/attr"
	"mellium.im/client/internal/ns"
	"mellium.im/client/jid"
	"mellium.im/client/stanza"
	"mellium.im/client/stream"
)

// SessionState is the logical state of an XMPP session. It is distinct from
// the transport's socket state: a session is Connected only once a resource
// is bound (and the legacy session established if the server requires it),
// or once a previous stream has been resumed.
type SessionState int8

const (
	// Disconnected means no session exists.
	Disconnected SessionState = iota

	// Connecting means negotiation is underway.
	Connecting

	// Connected means stanzas can be routed.
	Connected

	// Disconnecting means an orderly stream shutdown has begun.
	Disconnecting
)

// String satisfies fmt.Stringer for SessionState.
func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	}
	return "Invalid"
}

// A Session drives a single client-to-server XMPP stream over a transport:
// it sequences feature negotiation, routes stanzas between the transport and
// the registered modules, and correlates requests with responses.
//
// All session state is owned by a serial task queue; the exported methods
// are safe for concurrent use and hand their work to that queue.
type Session struct {
	origin   *jid.JID
	resource string
	lang     string

	noTLS           bool
	noCompression   bool
	noSM            bool
	useSeeOtherHost bool
	pingInterval    time.Duration
	timeout         time.Duration
	logger          *log.Logger

	t    Transport
	reg  *Registry
	bus  *Bus
	q    *queue
	resp *tracker
	neg  *negotiator

	auth      *saslAuth
	bindMod   *bindModule
	sessMod   *sessionModule
	smMod     *StreamManagement
	streamMod *streamModule

	bound    *jid.JID
	redirect *Server
	active   bool // Bind has been called

	reaperStop chan struct{}
	pingTimer  *time.Timer

	stateMu  sync.RWMutex
	state    SessionState
	watchers []chan SessionState
}

// New creates a session for the given account address on top of the given
// transport. The address must be bare or carry the preferred resource.
//
// The returned session has the negotiation modules registered; optional
// modules (ping, service discovery, extensions) should be added to the
// Registry before Bind is called.
func New(origin *jid.JID, t Transport, opts ...Option) *Session {
	s := &Session{
		origin:   origin.Bare(),
		resource: origin.Resourcepart(),
		timeout:  30 * time.Second,
		logger:   log.New(io.Discard, "", log.LstdFlags),
		t:        t,
		reg:      NewRegistry(),
		q:        newQueue(),
	}
	s.bus = &Bus{q: s.q}
	s.resp = newTracker(s.timeout)
	s.neg = newNegotiator(s)

	s.auth = newSASLAuth()
	s.bindMod = &bindModule{}
	s.sessMod = &sessionModule{}
	s.smMod = &StreamManagement{enabled: true}
	s.streamMod = &streamModule{}

	for _, opt := range opts {
		opt(s)
	}
	s.resp.timeout = s.timeout
	s.smMod.enabled = !s.noSM

	s.reg.Register(ModuleAuth, s.auth)
	s.reg.Register(ModuleBind, s.bindMod)
	s.reg.Register(ModuleSession, s.sessMod)
	s.reg.Register(ModuleSM, s.smMod)
	s.reg.Register(ModuleStream, s.streamMod)

	return s
}

// Registry returns the session's module registry. It must only be modified
// before Bind is called.
func (s *Session) Registry() *Registry {
	return s.reg
}

// Bus returns the session's event bus.
func (s *Session) Bus() *Bus {
	return s.bus
}

// LocalAddr returns the bound JID once a resource has been bound and the
// configured bare JID before that.
func (s *Session) LocalAddr() *jid.JID {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.bound != nil {
		return s.bound
	}
	return s.origin
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// StateChanges returns a channel on which session state transitions are
// delivered. The channel is buffered; if a subscriber falls far enough
// behind, transitions are dropped rather than blocking the session.
func (s *Session) StateChanges() <-chan SessionState {
	ch := make(chan SessionState, 16)
	s.stateMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.stateMu.Unlock()
	return ch
}

func (s *Session) setBound(j *jid.JID) {
	s.stateMu.Lock()
	s.bound = j
	s.stateMu.Unlock()
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	if s.state == state {
		s.stateMu.Unlock()
		return
	}
	s.state = state
	watchers := s.watchers
	s.stateMu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

// Bind attaches the session logic: the negotiation state machine starts
// reacting to events and the response reaper starts running. It must be
// called after all modules are registered and before any traffic is handled.
func (s *Session) Bind() {
	s.q.Sync(func() {
		if s.active {
			return
		}
		s.active = true
		s.reaperStop = make(chan struct{})
		go s.reap(s.reaperStop)
	})
}

// Unbind tears the session logic down: outstanding response callbacks fail
// with ErrSessionClosed, modules are reset, bus subscriptions are dropped,
// and a SessionCleared event is published. The registry itself is left
// untouched, so Bind may be called again to reattach.
func (s *Session) Unbind() {
	s.q.Sync(func() {
		if !s.active {
			return
		}
		s.active = false
		close(s.reaperStop)
		s.stopKeepalive()
		s.failPending(ErrSessionClosed)
		s.reg.Range(func(_ string, m Module) bool {
			if l, ok := m.(Lifecycle); ok {
				l.Reset()
			}
			return true
		})
		s.setBound(nil)
		s.redirect = nil
		s.neg.reset()
		s.setState(Disconnected)
		s.bus.publish(Event{Kind: SessionCleared})
		s.q.Do(s.bus.reset)
	})
}

// Close shuts down the session's task queue. The session cannot be used
// afterwards.
func (s *Session) Close() {
	s.Unbind()
	s.q.Close()
}

// Sync blocks until the session has worked through every task submitted
// before the call, including follow up work those tasks scheduled. It must
// not be called from a module or callback.
func (s *Session) Sync() {
	s.q.Drain()
}

// StartStream sends a fresh stream header. It is normally driven by the
// session itself when the transport connects or a negotiation step requires
// a restart, but transports that manage their own reconnect loop may call
// it.
func (s *Session) StartStream() {
	s.q.Do(func() {
		s.neg.phase = awaitingFeatures
		s.sendStreamHeader()
	})
}

func (s *Session) sendStreamHeader() {
	// The from attribute is only included when see-other-host redirects are in
	// use and the account has a localpart: it lets the server redirect the
	// client before authentication without leaking the address otherwise.
	var from *jid.JID
	if s.useSeeOtherHost && s.origin.Localpart() != "" {
		from = s.origin
		if s.bound != nil {
			from = s.bound
		}
	}
	if err := stream.Send(s.t, s.origin.Domain(), from, s.lang); err != nil {
		s.logger.Printf("client: sending stream header: %v", err)
		return
	}
	s.reg.Range(func(_ string, m Module) bool {
		if l, ok := m.(Lifecycle); ok {
			l.StreamStarted(s)
		}
		return true
	})
}

// restartStream resets the transport parser and opens a new stream. It is
// required after STARTTLS, after compression is enabled, and after
// successful authentication.
func (s *Session) restartStream() {
	if err := s.t.Restart(); err != nil {
		s.logger.Printf("client: restarting stream: %v", err)
		return
	}
	s.neg.phase = awaitingFeatures
	s.sendStreamHeader()
}

// Received hands a parsed inbound top level element to the session. Elements
// are processed strictly in the order they are delivered.
func (s *Session) Received(st *stanza.Stanza) {
	s.q.Do(func() {
		switch {
		case st.Name.Space == ns.Stream && st.Name.Local == "features":
			s.neg.handleFeatures(st)
		case st.Name.Space == ns.Stream && st.Name.Local == "error":
			s.handleStreamError(st)
		default:
			s.dispatch(st)
		}
	})
}

// Send queues a stanza for delivery. The outgoing filter chain runs to
// completion before any byte reaches the transport.
func (s *Session) Send(st *stanza.Stanza) {
	s.q.Do(func() {
		s.send(st)
	})
}

// SendIQ is like Send but registers f to receive the response matching the
// stanza's id and recipient. A missing id is filled in with a random one. If
// no response arrives before the request timeout, f is invoked with
// ErrTimeout; a response arriving later is dropped silently.
func (s *Session) SendIQ(st *stanza.Stanza, f Callback) {
	if st.ID == "" {
		st.ID = attr.RandomID()
	}
	s.q.Do(func() {
		if f != nil && (st.Type == stanza.TypeGet || st.Type == stanza.TypeSet) {
			s.resp.insert(st.ID, st.To, f, time.Now())
		}
		s.send(st)
	})
}

func (s *Session) send(st *stanza.Stanza) {
	s.reg.Range(func(_ string, m Module) bool {
		if f, ok := m.(OutgoingFilter); ok {
			f.FilterOutgoing(st, s)
		}
		return true
	})
	s.write(st)
}

func (s *Session) write(st *stanza.Stanza) {
	if _, err := st.WriteTo(s.t); err != nil {
		s.logger.Printf("client: writing %s stanza: %v", st.Name.Local, err)
	}
}

func (s *Session) writeRaw(fragment string) {
	if _, err := io.WriteString(s.t, fragment); err != nil {
		s.logger.Printf("client: writing stream fragment: %v", err)
	}
}

// TransportStateChanged informs the session of a socket level state change.
func (s *Session) TransportStateChanged(state TransportState) {
	s.q.Do(func() {
		switch state {
		case TransportConnecting:
			s.stopKeepalive()
			s.setState(Connecting)
			s.neg.reset()
		case TransportConnected:
			s.setState(Connecting)
			s.neg.reset()
			s.sendStreamHeader()
		case TransportDisconnected:
			s.stopKeepalive()
			s.failPending(ErrSessionClosed)
			s.setState(Disconnected)
		}
	})
}

// Terminated informs the session that the stream has ended, orderly or not.
// Volatile stream management state is dropped; resumption credentials are
// kept unless the transport is already dialing a new connection, in which
// case the next stream negotiates from scratch.
func (s *Session) Terminated() {
	s.q.Do(func() {
		s.failPending(ErrSessionClosed)
		s.stopKeepalive()
		s.smMod.reset(s.t.State() == TransportConnecting)
		s.neg.reset()
		if s.t.State() == TransportDisconnected {
			s.setState(Disconnected)
		}
	})
}

// CloseStream begins an orderly shutdown. If stream management is active, a
// final ack exchange is initiated first so the server can persist its queue
// before the stream closes. The done callback runs on the task queue after
// any dispatch already in flight.
func (s *Session) CloseStream(done func()) {
	s.q.Do(func() {
		s.setState(Disconnecting)
		if s.smMod.active {
			s.smMod.RequestAck(s)
			s.smMod.SendAck(s)
		}
		if done != nil {
			s.q.Do(done)
		}
	})
}

// ConnectDetails returns the endpoint the transport should dial next: a
// cached see-other-host redirect if one exists (consumed by this call), the
// stream management resumption location otherwise. ok is false when neither
// is known and the transport should fall back to resolution.
func (s *Session) ConnectDetails() (srv Server, ok bool) {
	s.q.Sync(func() {
		if s.redirect != nil {
			srv, ok = *s.redirect, true
			s.redirect = nil
			return
		}
		if loc := s.smMod.Location(); loc != "" {
			srv, ok = parseServer(loc), true
		}
	})
	return srv, ok
}

func (s *Session) failPending(err error) {
	for _, cb := range s.resp.failAll() {
		cb := cb
		s.q.Do(func() {
			cb(nil, err)
		})
	}
}

// publish hands an event to the state machine and then to bus subscribers.
// The machine reacts synchronously so that negotiation steps cannot
// interleave with later inbound traffic; subscribers are notified via the
// task queue.
func (s *Session) publish(e Event) {
	if s.active {
		s.neg.handleEvent(e)
	}
	s.bus.publish(e)
}

// reap periodically fails expired response callbacks with ErrTimeout.
func (s *Session) reap(stop chan struct{}) {
	interval := s.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.q.Do(func() {
				for _, cb := range s.resp.expire(now) {
					cb(nil, ErrTimeout)
				}
			})
		}
	}
}

// handleStreamError parses a received stream error element. A see-other-host
// error caches a redirect endpoint and requests a reconnect when the
// transport knows its current endpoint; anything else, including a
// see-other-host error without known details, is surfaced as an ErrorEvent.
func (s *Session) handleStreamError(st *stanza.Stanza) {
	serr := stream.Error{}
	if err := xml.Unmarshal([]byte(st.String()), &serr); err != nil {
		s.logger.Printf("client: parsing stream error: %v", err)
		s.bus.publish(Event{Kind: ErrorEvent})
		return
	}
	s.StreamErrorReceived(serr)
}

// StreamErrorReceived handles an already parsed stream error. It is exported
// for transports that parse stream errors themselves.
func (s *Session) StreamErrorReceived(serr stream.Error) {
	s.q.Do(func() {
		if host, ok := serr.SeeOtherHost(); ok {
			if cur, known := s.t.Details(); known {
				srv := parseServer(host)
				if srv.Port == 0 {
					srv.Port = cur.Port
				}
				srv.DirectTLS = cur.DirectTLS
				s.redirect = &srv
				s.logger.Printf("client: redirected to %s", srv)
				s.reg.Range(func(_ string, m Module) bool {
					if l, ok := m.(Lifecycle); ok {
						l.ConnectionRestarted(s)
					}
					return true
				})
				if err := s.t.Reconnect(); err != nil {
					s.logger.Printf("client: reconnecting: %v", err)
				}
				return
			}
		}
		e := Event{Kind: ErrorEvent}
		if knownStreamError(serr.Err) {
			e.StreamErr = &serr
		}
		s.bus.publish(e)
	})
}

var knownStreamErrors = map[string]struct{}{
	"bad-format": {}, "bad-namespace-prefix": {}, "conflict": {},
	"connection-timeout": {}, "host-gone": {}, "host-unknown": {},
	"improper-addressing": {}, "internal-server-error": {}, "invalid-from": {},
	"invalid-namespace": {}, "invalid-xml": {}, "not-authorized": {},
	"not-well-formed": {}, "policy-violation": {}, "remote-connection-failed": {},
	"reset": {}, "resource-constraint": {}, "restricted-xml": {},
	"see-other-host": {}, "system-shutdown": {}, "undefined-condition": {},
	"unsupported-encoding": {}, "unsupported-feature": {},
	"unsupported-stanza-type": {}, "unsupported-version": {},
}

func knownStreamError(name string) bool {
	_, ok := knownStreamErrors[name]
	return ok
}
