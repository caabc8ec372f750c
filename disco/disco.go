// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package disco implements the info side of XEP-0030: Service Discovery.
//
// The module answers disco#info queries with an identity and the feature
// URIs advertised by every registered module, and performs the best effort
// query for the server's own features that the session kicks off after
// connecting.
package disco // import "mellium.im/client/disco"

import (
	"bytes"
	"encoding/xml"

	"mellium.im/client"
	"mellium.im/client/stanza"
)

// NSInfo is the namespace of disco info queries.
const NSInfo = "http://jabber.org/protocol/disco#info"

// Identity is the category and type of the entity, eg. client/pc.
type Identity struct {
	Category string
	Type     string
	Name     string
}

// Module answers disco#info queries and discovers server features.
type Module struct {
	identity Identity

	serverFeatures []string
}

// New returns a disco module with the given identity, normally registered as
// client.ModuleDisco.
func New(identity Identity) *Module {
	return &Module{identity: identity}
}

// Criteria matches disco#info queries.
func (m *Module) Criteria(st *stanza.Stanza) bool {
	if !st.IsIQ() || st.Type != stanza.TypeGet {
		return false
	}
	parsed := struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	}{}
	return st.UnmarshalPayload(&parsed) == nil
}

// Process replies with the identity and the union of the feature URIs
// advertised by every module in the session's registry.
func (m *Module) Process(st *stanza.Stanza, s *client.Session) error {
	var buf bytes.Buffer
	buf.WriteString("<query xmlns='" + NSInfo + "'>")
	buf.WriteString("<identity category='" + m.identity.Category + "' type='" + m.identity.Type + "'")
	if m.identity.Name != "" {
		buf.WriteString(" name='")
		/* #nosec */
		xml.EscapeText(&buf, []byte(m.identity.Name))
		buf.WriteString("'")
	}
	buf.WriteString("/>")
	seen := make(map[string]struct{})
	s.Registry().Range(func(_ string, mod client.Module) bool {
		for _, f := range mod.Features() {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			buf.WriteString("<feature var='")
			/* #nosec */
			xml.EscapeText(&buf, []byte(f))
			buf.WriteString("'/>")
		}
		return true
	})
	buf.WriteString("</query>")

	reply := st.Reply(stanza.TypeResult)
	reply.Payload = buf.Bytes()
	s.Send(reply)
	return nil
}

// Features returns the disco#info namespace.
func (m *Module) Features() []string {
	return []string{NSInfo}
}

// Discover queries the server's own features. Failures are ignored; the
// query is best effort.
func (m *Module) Discover(s *client.Session) {
	st := stanza.IQ(stanza.Head{Type: stanza.TypeGet, To: s.LocalAddr().Domain()}, "<query xmlns='"+NSInfo+"'/>")
	s.SendIQ(st, func(resp *stanza.Stanza, err error) {
		if err != nil {
			return
		}
		parsed := struct {
			XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
			Features []struct {
				Var string `xml:"var,attr"`
			} `xml:"feature"`
		}{}
		if err := resp.UnmarshalPayload(&parsed); err != nil {
			return
		}
		m.serverFeatures = m.serverFeatures[:0]
		for _, f := range parsed.Features {
			m.serverFeatures = append(m.serverFeatures, f.Var)
		}
	})
}

// ServerFeatures returns the feature URIs the server reported during the
// post-connect discovery query.
func (m *Module) ServerFeatures() []string {
	return m.serverFeatures
}
