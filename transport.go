// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"io"
	"net"
	"strconv"
	"strings"
)

// TransportState is the connection state of the socket underneath a session.
// It is distinct from SessionState: a transport can be connected long before
// the session is.
type TransportState int8

const (
	// TransportDisconnected means no connection exists.
	TransportDisconnected TransportState = iota

	// TransportConnecting means a connection attempt is underway.
	TransportConnecting

	// TransportConnected means the socket is established and stream traffic
	// can flow.
	TransportConnected
)

// String satisfies fmt.Stringer for TransportState.
func (t TransportState) String() string {
	switch t {
	case TransportDisconnected:
		return "Disconnected"
	case TransportConnecting:
		return "Connecting"
	case TransportConnected:
		return "Connected"
	}
	return "Invalid"
}

// Server describes a concrete endpoint to connect to.
type Server struct {
	Host      string
	Port      uint16
	Priority  uint16
	Weight    uint16
	DirectTLS bool
}

// String returns the endpoint in host:port form.
func (s Server) String() string {
	if s.Port == 0 {
		return s.Host
	}
	return net.JoinHostPort(s.Host, strconv.FormatUint(uint64(s.Port), 10))
}

// parseServer splits a host with an optional port, keeping IPv6 literals in
// their bracketed form.
func parseServer(hostport string) Server {
	srv := Server{Host: hostport}
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return srv
	}
	// A colon inside an unbracketed IPv6 literal is not a port separator.
	if strings.Count(hostport, ":") > 1 && !strings.HasPrefix(hostport, "[") {
		return srv
	}
	if strings.HasPrefix(hostport, "[") && !strings.HasPrefix(hostport[i-1:], "]:") {
		return srv
	}
	port, err := strconv.ParseUint(hostport[i+1:], 10, 16)
	if err != nil {
		return srv
	}
	srv.Host = hostport[:i]
	srv.Port = uint16(port)
	return srv
}

// Transport is the framed byte channel a session drives.
//
// Implementations own the socket, TLS, SRV resolution, and the XML parser
// that turns wire data into the stanzas handed to Session.Received. Writes
// must be accepted whole; the session serializes each outbound fragment into
// a single Write call from its task queue.
type Transport interface {
	io.Writer

	// State reports the socket level connection state.
	State() TransportState

	// Secure reports whether the channel is already protected, either by
	// STARTTLS or because the connection was secure from the start.
	Secure() bool

	// StartTLS upgrades the channel via STARTTLS. On success the stream must
	// be restarted by the caller.
	StartTLS() error

	// StartCompression enables the named compression method on the channel.
	// On success the stream must be restarted by the caller.
	StartCompression(method string) error

	// Restart resets the transport's parser state ahead of a new stream
	// header.
	Restart() error

	// Reconnect tears the connection down and dials again. The new endpoint
	// is chosen by consulting Session.ConnectDetails and falling back to
	// resolution.
	Reconnect() error

	// Details returns the endpoint the transport is currently connected to,
	// if it knows it.
	Details() (Server, bool)
}
