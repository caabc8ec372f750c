// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"encoding/xml"
	"errors"

	"mellium.im/client/stanza"
)

// dispatch routes one inbound stanza. Consumers are tried in a fixed
// priority order and each stanza reaches at most one of them: an incoming
// filter that consumes it, the response callback it answers, or the modules
// whose criteria match. A request that nothing handles is answered with
// feature-not-implemented.
func (s *Session) dispatch(st *stanza.Stanza) {
	consumed := false
	s.reg.Range(func(_ string, m Module) bool {
		f, ok := m.(IncomingFilter)
		if !ok {
			return true
		}
		if f.FilterIncoming(st, s) {
			consumed = true
			return false
		}
		return true
	})
	if consumed {
		return
	}

	if cb, ok := s.resp.take(st, s.origin); ok {
		cb(st, nil)
		return
	}
	if st.IsIQ() && st.IsResponse() {
		// A result or error that answers nothing is a stale response; drop it.
		return
	}

	handled := false
	s.reg.Range(func(id string, m Module) bool {
		if !m.Criteria(st) {
			return true
		}
		handled = true
		if err := m.Process(st, s); err != nil {
			s.processError(id, st, err)
		}
		return true
	})
	if handled {
		return
	}

	if stanza.Is(st.Name) && !st.IsResponse() {
		s.replyError(st, stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented})
	}
}

// processError translates a module processing failure into an error reply.
// Failures never tear the session down.
func (s *Session) processError(id string, st *stanza.Stanza, err error) {
	var se stanza.Error
	if !errors.As(err, &se) {
		s.logger.Printf("client: module %s processing %s: %v", id, st.Name.Local, err)
		se = stanza.Error{Type: stanza.Cancel, Condition: stanza.UndefinedCondition}
	}
	if stanza.Is(st.Name) && !st.IsResponse() {
		s.replyError(st, se)
	}
}

func (s *Session) replyError(st *stanza.Stanza, se stanza.Error) {
	reply := st.Reply(stanza.TypeError)
	payload, err := xml.Marshal(se)
	if err != nil {
		s.logger.Printf("client: marshaling %s error: %v", se.Condition, err)
		return
	}
	reply.Payload = payload
	s.send(reply)
}
