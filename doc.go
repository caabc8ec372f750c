// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package client implements the session logic of an XMPP client: the state
// machine that negotiates an RFC 6120 stream over an abstract transport and
// the dispatch pipeline that routes stanzas between the transport and a set
// of feature modules.
//
// A Session sits between three collaborators: a Transport that owns the
// socket, TLS, and XML parsing; a Registry of modules that implement
// protocol features; and the caller, which observes session state and
// events. The session itself drives STARTTLS, stream compression, SASL
// authentication, resource binding, legacy session establishment, and stream
// management (including resumption across transport loss), restarting the
// stream where the protocol requires it.
//
// Typical setup is:
//
//	j := jid.MustParse("mercutio@example.net")
//	s := client.New(j, transport,
//		client.Credentials(creds),
//		client.Logger(logger),
//	)
//	s.Registry().Register(client.ModulePing, ping.New())
//	s.Bind()
//
// after which the transport delivers parsed elements to Session.Received and
// the caller sends traffic with Session.Send and Session.SendIQ.
package client // import "mellium.im/client"
