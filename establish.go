// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"mellium.im/client/stanza"
)

// sessionModule performs the legacy session establishment step from RFC 3921
// that some servers still require after binding.
type sessionModule struct{}

func (sessionModule) Criteria(*stanza.Stanza) bool           { return false }
func (sessionModule) Process(*stanza.Stanza, *Session) error { return nil }
func (sessionModule) Features() []string                     { return nil }

// Establish asks the server to start the legacy session.
func (m *sessionModule) Establish(s *Session) {
	st := stanza.IQ(stanza.Head{Type: stanza.TypeSet}, `<session xmlns='urn:ietf:params:xml:ns:xmpp-session'/>`)
	s.SendIQ(st, func(resp *stanza.Stanza, err error) {
		if err != nil {
			s.publish(Event{Kind: SessionEstablishmentError, Err: err})
			return
		}
		if se, ok := resp.ErrorCondition(); ok {
			s.publish(Event{Kind: SessionEstablishmentError, Err: se})
			return
		}
		s.publish(Event{Kind: SessionEstablishmentSuccess})
	})
}
