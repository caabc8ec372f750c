// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"encoding/xml"

	"mellium.im/client/stanza"
)

// phase tracks where negotiation stands on the current stream. A stream
// restart puts the machine back into awaitingFeatures; ready and failed are
// terminal for the connection.
type phase int8

const (
	awaitingFeatures phase = iota
	startTLSInProgress
	compressionInProgress
	authInProgress
	bindInProgress
	sessionInProgress
	smInProgress
	ready
	failed
)

// Features is the parsed form of a stream features list.
type Features struct {
	// StartTLS is non-nil when the server advertises STARTTLS.
	StartTLS *struct{ Required bool }

	// Compression lists the advertised stream compression methods.
	Compression []string

	// Mechanisms lists the advertised SASL mechanisms.
	Mechanisms []string

	// Bind reports whether resource binding was advertised.
	Bind bool

	// Session is non-nil when legacy session establishment was advertised;
	// Required reports whether the server still demands it.
	Session *struct{ Required bool }

	// SM reports whether stream management was advertised.
	SM bool
}

func parseFeatures(payload []byte) (*Features, error) {
	raw := struct {
		StartTLS *struct {
			Required *struct{} `xml:"required"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
		Compression *struct {
			Methods []string `xml:"method"`
		} `xml:"http://jabber.org/features/compress compression"`
		Mechanisms *struct {
			List []string `xml:"mechanism"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
		Bind    *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
		Session *struct {
			Optional *struct{} `xml:"optional"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-session session"`
		SM *struct{} `xml:"urn:xmpp:sm:3 sm"`
	}{}
	wrapped := append(append([]byte("<features>"), payload...), []byte("</features>")...)
	if err := xml.Unmarshal(wrapped, &raw); err != nil {
		return nil, err
	}

	f := &Features{}
	if raw.StartTLS != nil {
		f.StartTLS = &struct{ Required bool }{Required: raw.StartTLS.Required != nil}
	}
	if raw.Compression != nil {
		f.Compression = raw.Compression.Methods
	}
	if raw.Mechanisms != nil {
		f.Mechanisms = raw.Mechanisms.List
	}
	f.Bind = raw.Bind != nil
	if raw.Session != nil {
		f.Session = &struct{ Required bool }{Required: raw.Session.Optional == nil}
	}
	f.SM = raw.SM != nil
	return f, nil
}

func (f *Features) hasCompression(method string) bool {
	for _, m := range f.Compression {
		if m == method {
			return true
		}
	}
	return false
}

// negotiator is the session state machine. It reacts to stream features,
// transport changes, and module events, and drives the next negotiation step
// until the session is ready. All methods run on the session's task queue.
type negotiator struct {
	s *Session

	phase      phase
	secure     bool
	compressed bool
	authed     bool
	features   *Features
}

func newNegotiator(s *Session) *negotiator {
	return &negotiator{s: s}
}

// reset re-derives the machine for a fresh connection: everything negotiated
// on the wire so far is forgotten and security state is taken from the
// transport.
func (n *negotiator) reset() {
	n.phase = awaitingFeatures
	n.secure = n.s.t.Secure()
	n.compressed = false
	n.authed = false
	n.features = nil
}

// handleFeatures reacts to a received stream features list by choosing the
// next negotiation step: transport security first, then compression, then
// authentication, then binding or resumption.
func (n *negotiator) handleFeatures(st *stanza.Stanza) {
	s := n.s
	if n.phase == ready {
		// Features on an already negotiated stream are spurious.
		return
	}
	f, err := parseFeatures(st.Payload)
	if err != nil {
		s.logger.Printf("client: parsing stream features: %v", err)
		return
	}
	wasAuthenticating := s.auth.inProgress
	n.features = f
	s.publish(Event{Kind: StreamFeaturesReceived, Features: f})

	switch {
	case !n.secure && !s.noTLS && f.StartTLS != nil:
		n.phase = startTLSInProgress
		if err := s.t.StartTLS(); err != nil {
			s.logger.Printf("client: starttls: %v", err)
			n.phase = failed
			return
		}
		n.secure = true
		s.restartStream()

	case !n.compressed && !s.noCompression && f.hasCompression("zlib"):
		n.phase = compressionInProgress
		if err := s.t.StartCompression("zlib"); err != nil {
			// Compression is an optimization; carry on without it.
			s.logger.Printf("client: compression: %v", err)
			n.compressed = true
			n.handleParsedFeatures(wasAuthenticating)
			return
		}
		n.compressed = true
		s.restartStream()

	default:
		n.handleParsedFeatures(wasAuthenticating)
	}
}

// handleParsedFeatures drives the post-channel-setup steps: authentication,
// then resumption or binding.
func (n *negotiator) handleParsedFeatures(wasAuthenticating bool) {
	s := n.s
	if !n.authed {
		if wasAuthenticating {
			// With pipelining the new stream's features can arrive while the
			// success response is still outstanding; continue as if
			// authenticated.
			n.bindOrResume()
			return
		}
		n.phase = authInProgress
		s.auth.Login(s, n.features.Mechanisms)
		return
	}
	n.bindOrResume()
}

func (n *negotiator) bindOrResume() {
	s := n.s
	if s.smMod.enabled && s.smMod.Resumable() && n.features != nil && n.features.SM {
		n.phase = smInProgress
		s.smMod.Resume(s)
		return
	}
	n.phase = bindInProgress
	s.bindMod.Bind(s)
}

// handleEvent advances the machine on module events. It is called for every
// published event while the session is bound.
func (n *negotiator) handleEvent(e Event) {
	s := n.s
	switch e.Kind {
	case AuthSuccess:
		n.authed = true
		// With pipelining the restart already happened when the final auth
		// message went out; otherwise it happens now.
		if !s.streamMod.consumeRestart() {
			s.restartStream()
		}

	case AuthFinishExpected:
		if s.streamMod.active && !n.authed {
			s.streamMod.StartStream(s)
		}

	case AuthFailed:
		s.logger.Printf("client: authentication failed: %v", e.Err)
		n.phase = failed

	case ResourceBindSuccess:
		s.setBound(e.JID)
		if n.features != nil && n.features.Session != nil && n.features.Session.Required {
			n.phase = sessionInProgress
			s.sessMod.Establish(s)
			return
		}
		s.publish(Event{Kind: SessionEstablishmentSuccess})

	case ResourceBindError:
		s.logger.Printf("client: resource binding failed: %v", e.Err)
		n.phase = failed

	case SessionEstablishmentSuccess:
		n.ready(false)

	case SessionEstablishmentError:
		s.logger.Printf("client: session establishment failed: %v", e.Err)
		n.phase = failed

	case SMResumed:
		// The previous resource and state survive; no rebinding happens.
		n.ready(true)

	case SMFailed:
		n.phase = bindInProgress
		s.bindMod.Bind(s)
	}
}

// ready marks the session connected, kicks off best effort service
// discovery, and enables stream management on fresh (non-resumed) streams.
func (n *negotiator) ready(resumed bool) {
	s := n.s
	n.phase = ready
	s.setState(Connected)
	if m, ok := s.reg.Lookup(ModuleDisco); ok {
		if d, ok := m.(interface{ Discover(*Session) }); ok {
			d.Discover(s)
		}
	}
	if !resumed && s.smMod.enabled && n.features != nil && n.features.SM {
		s.smMod.Enable(s)
	}
	s.startKeepalive()
}
