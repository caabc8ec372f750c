// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"time"

	"mellium.im/client/internal/attr"
	"mellium.im/client/stanza"
)

// Keepalive sends a single keepalive probe. If a ping module is registered
// an application level ping is sent to the account's own bare JID; a missing
// reply only logs, because the reconnect decision belongs to the transport
// watchdog. Without a ping module a whitespace keepalive is written instead.
func (s *Session) Keepalive() {
	s.q.Do(s.keepalive)
}

func (s *Session) keepalive() {
	if _, ok := s.reg.Lookup(ModulePing); ok {
		st := stanza.IQ(stanza.Head{
			ID:   attr.RandomID(),
			Type: stanza.TypeGet,
			To:   s.origin,
		}, `<ping xmlns='urn:xmpp:ping'/>`)
		s.resp.insert(st.ID, st.To, func(_ *stanza.Stanza, err error) {
			if err != nil {
				s.logger.Printf("client: possible broken connection: %v", err)
			}
		}, time.Now())
		s.send(st)
		return
	}
	s.writeRaw(" ")
}

// startKeepalive arms the keepalive scheduler. It runs while the session
// stays connected and is stopped by any disconnect path.
func (s *Session) startKeepalive() {
	if s.pingInterval <= 0 {
		return
	}
	s.stopKeepalive()
	s.pingTimer = time.AfterFunc(s.pingInterval, s.keepaliveTick)
}

func (s *Session) keepaliveTick() {
	s.q.Do(func() {
		if s.pingTimer == nil || s.State() != Connected {
			return
		}
		s.keepalive()
		s.pingTimer.Reset(s.pingInterval)
	})
}

func (s *Session) stopKeepalive() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
}
