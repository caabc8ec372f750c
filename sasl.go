// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"mellium.im/sasl"

	"mellium.im/client/internal/ns"
	"mellium.im/client/stanza"
)

// saslAuth is the authentication module. It drives SASL mechanism selection
// and challenge/response stepping and reports the outcome as events; it
// never retries on its own.
type saslAuth struct {
	mechanisms []sasl.Mechanism
	creds      func() (username, password, identity []byte)

	negotiator *sasl.Negotiator
	more       bool
	inProgress bool
}

func newSASLAuth() *saslAuth {
	return &saslAuth{
		mechanisms: []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain},
		creds: func() (username, password, identity []byte) {
			return nil, nil, nil
		},
	}
}

// Criteria matches the SASL negotiation elements.
func (a *saslAuth) Criteria(st *stanza.Stanza) bool {
	if st.Name.Space != ns.SASL {
		return false
	}
	switch st.Name.Local {
	case "challenge", "success", "failure":
		return true
	}
	return false
}

// Features satisfies the Module interface; authentication advertises no
// discoverable features.
func (a *saslAuth) Features() []string {
	return nil
}

// Login selects a mechanism from the advertised list, preferring the
// client's order, and sends the initial auth request.
func (a *saslAuth) Login(s *Session, advertised []string) {
	if a.inProgress {
		return
	}
	var selected sasl.Mechanism
selectmechanism:
	for _, m := range a.mechanisms {
		for _, name := range advertised {
			if name == m.Name {
				selected = m
				break selectmechanism
			}
		}
	}
	if selected.Name == "" {
		s.publish(Event{Kind: AuthFailed, Err: errors.New("client: no matching SASL mechanisms")})
		return
	}

	a.negotiator = sasl.NewClient(selected,
		sasl.Credentials(a.creds),
		sasl.RemoteMechanisms(advertised...),
	)
	more, resp, err := a.negotiator.Step(nil)
	if err != nil {
		s.publish(Event{Kind: AuthFailed, Err: err})
		return
	}
	a.more = more
	a.inProgress = true
	s.writeRaw(fmt.Sprintf("<auth xmlns='%s' mechanism='%s'>%s</auth>", ns.SASL, selected.Name, saslPayload(resp)))
	if !more {
		s.publish(Event{Kind: AuthFinishExpected})
	}
}

// Process handles challenge, success, and failure elements.
func (a *saslAuth) Process(st *stanza.Stanza, s *Session) error {
	if a.negotiator == nil {
		// Unsolicited SASL traffic; nothing sensible to do with it.
		return nil
	}
	switch st.Name.Local {
	case "challenge":
		data, err := decodeSASLPayload(st.Payload)
		if err != nil {
			a.abort(s, err)
			return nil
		}
		more, resp, err := a.negotiator.Step(data)
		if err != nil {
			a.abort(s, err)
			return nil
		}
		a.more = more
		s.writeRaw(fmt.Sprintf("<response xmlns='%s'>%s</response>", ns.SASL, saslPayload(resp)))
		if !more {
			s.publish(Event{Kind: AuthFinishExpected})
		}

	case "success":
		if a.more {
			// Additional data with success carries the server's final message,
			// eg. the SCRAM server signature; it must still verify.
			data, err := decodeSASLPayload(st.Payload)
			if err == nil {
				_, _, err = a.negotiator.Step(data)
			}
			if err != nil {
				a.inProgress = false
				s.publish(Event{Kind: AuthFailed, Err: err})
				return nil
			}
		}
		a.inProgress = false
		s.publish(Event{Kind: AuthSuccess})

	case "failure":
		parsed := struct {
			Condition struct {
				XMLName xml.Name
			} `xml:",any"`
			Text string `xml:"text"`
		}{}
		cond := "not-authorized"
		wrapped := append(append([]byte("<failure>"), st.Payload...), []byte("</failure>")...)
		if err := xml.Unmarshal(wrapped, &parsed); err == nil && parsed.Condition.XMLName.Local != "" {
			cond = parsed.Condition.XMLName.Local
		}
		a.inProgress = false
		s.publish(Event{Kind: AuthFailed, Err: errors.New("client: authentication failed: " + cond)})
	}
	return nil
}

func (a *saslAuth) abort(s *Session, err error) {
	s.writeRaw(fmt.Sprintf("<abort xmlns='%s'/>", ns.SASL))
	a.inProgress = false
	s.publish(Event{Kind: AuthFailed, Err: err})
}

// saslPayload encodes a SASL message for the wire. A present-but-empty
// message is transmitted as a single "=" per RFC 6120 §6.4.2.
func saslPayload(resp []byte) string {
	if len(resp) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(resp)
}

func decodeSASLPayload(payload []byte) ([]byte, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" || text == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(text)
}
