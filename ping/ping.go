// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ping implements XEP-0199: XMPP Ping.
//
// Registering the module makes the session answer pings and switches the
// session's keepalive from whitespace to application level pings.
package ping // import "mellium.im/client/ping"

import (
	"encoding/xml"

	"mellium.im/client"
	"mellium.im/client/jid"
	"mellium.im/client/stanza"
)

// NS is the XML namespace used by XMPP pings. It is provided as a
// convenience.
const NS = "urn:xmpp:ping"

// IQ returns a ping request addressed to the given JID.
func IQ(to *jid.JID) *stanza.Stanza {
	return stanza.IQ(stanza.Head{Type: stanza.TypeGet, To: to}, "<ping xmlns='"+NS+"'/>")
}

// Module answers incoming pings with an empty result.
type Module struct{}

// New returns a ping module, normally registered as client.ModulePing.
func New() *Module {
	return &Module{}
}

// Criteria matches ping requests.
func (m *Module) Criteria(st *stanza.Stanza) bool {
	if !st.IsIQ() || st.Type != stanza.TypeGet {
		return false
	}
	parsed := struct {
		XMLName xml.Name `xml:"urn:xmpp:ping ping"`
	}{}
	return st.UnmarshalPayload(&parsed) == nil
}

// Process replies to the ping.
func (m *Module) Process(st *stanza.Stanza, s *client.Session) error {
	s.Send(st.Reply(stanza.TypeResult))
	return nil
}

// Features returns the ping namespace.
func (m *Module) Features() []string {
	return []string{NS}
}
