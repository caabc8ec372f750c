// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"log"
	"time"

	"mellium.im/sasl"
)

// Option configures a session during New.
type Option func(*Session)

// NoTLS disables STARTTLS negotiation even if the server advertises it.
func NoTLS() Option {
	return func(s *Session) {
		s.noTLS = true
	}
}

// NoCompression disables stream compression even if the server advertises
// it.
func NoCompression() Option {
	return func(s *Session) {
		s.noCompression = true
	}
}

// NoStreamManagement disables stream management and resumption.
func NoStreamManagement() Option {
	return func(s *Session) {
		s.noSM = true
	}
}

// UseSeeOtherHost includes the from attribute in initial stream headers so
// that the server can redirect the client by bare JID before authentication.
func UseSeeOtherHost() Option {
	return func(s *Session) {
		s.useSeeOtherHost = true
	}
}

// Pipelining overlaps stream restarts with authentication: the post-auth
// restart is sent as soon as the final auth message is on the wire instead of
// waiting for the server's success response. Some servers cannot pipeline
// auth with the stream restart, so this is off by default.
func Pipelining() Option {
	return func(s *Session) {
		s.streamMod.active = true
	}
}

// Resource requests a specific resource during binding instead of letting
// the server pick one.
func Resource(r string) Option {
	return func(s *Session) {
		s.resource = r
	}
}

// Lang sets the natural language of the stream.
func Lang(l string) Option {
	return func(s *Session) {
		s.lang = l
	}
}

// Logger provides a logger for session diagnostics. By default diagnostics
// are discarded.
func Logger(l *log.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// PingInterval sets the keepalive period. A zero interval disables the
// keepalive scheduler; Keepalive can still be called manually.
func PingInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pingInterval = d
	}
}

// RequestTimeout sets the default deadline for response callbacks registered
// with SendIQ.
func RequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Credentials provides the credentials used during authentication. The
// function is called each time a mechanism needs them.
func Credentials(f func() (username, password, identity []byte)) Option {
	return func(s *Session) {
		s.auth.creds = f
	}
}

// Mechanisms sets the SASL mechanisms offered during authentication, in
// preference order. The default is SCRAM-SHA-256, SCRAM-SHA-1, then PLAIN.
func Mechanisms(m ...sasl.Mechanism) Option {
	return func(s *Session) {
		if len(m) > 0 {
			s.auth.mechanisms = m
		}
	}
}
