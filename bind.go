// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"

	"mellium.im/client/jid"
	"mellium.im/client/stanza"
)

const (
	bindServerGeneratedRP = `<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>`
	bindClientRequestedRP = `<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>%s</resource></bind>`
)

// bindModule performs resource binding. It holds no state of its own: the
// bound JID lives on the session and the outcome is reported as events.
type bindModule struct{}

func (bindModule) Criteria(*stanza.Stanza) bool           { return false }
func (bindModule) Process(*stanza.Stanza, *Session) error { return nil }
func (bindModule) Features() []string                     { return nil }

// Bind requests a resource from the server, asking for the session's
// preferred resource if one is configured.
func (m *bindModule) Bind(s *Session) {
	payload := bindServerGeneratedRP
	if r := s.resource; r != "" {
		var buf bytes.Buffer
		if err := xml.EscapeText(&buf, []byte(r)); err != nil {
			s.publish(Event{Kind: ResourceBindError, Err: err})
			return
		}
		payload = fmt.Sprintf(bindClientRequestedRP, buf.String())
	}

	st := stanza.IQ(stanza.Head{Type: stanza.TypeSet}, payload)
	s.SendIQ(st, func(resp *stanza.Stanza, err error) {
		if err != nil {
			s.publish(Event{Kind: ResourceBindError, Err: err})
			return
		}
		if se, ok := resp.ErrorCondition(); ok {
			s.publish(Event{Kind: ResourceBindError, Err: se})
			return
		}
		parsed := struct {
			XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
			JID     *jid.JID `xml:"jid"`
		}{}
		if err := resp.UnmarshalPayload(&parsed); err != nil || parsed.JID == nil {
			s.publish(Event{Kind: ResourceBindError, Err: errors.New("client: malformed bind result")})
			return
		}
		s.publish(Event{Kind: ResourceBindSuccess, JID: parsed.JID})
	})
}
