// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides utilities for testing session logic without a
// network.
package xmpptest // import "mellium.im/client/internal/xmpptest"

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"

	"mellium.im/sasl"

	"mellium.im/client"
	"mellium.im/client/jid"
	"mellium.im/client/stanza"
)

// Transport is an in-memory client.Transport that records everything the
// session does to it.
type Transport struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	state      client.TransportState
	secure     bool
	compressed bool
	restarts   int
	reconnects int
	details    *client.Server

	// TLSErr and CompressionErr make the respective upgrade calls fail.
	TLSErr         error
	CompressionErr error
}

// NewTransport returns a disconnected in-memory transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Write satisfies io.Writer by recording the written bytes.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

// Output returns everything written since the last call and clears the
// record.
func (t *Transport) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.buf.String()
	t.buf.Reset()
	return out
}

// State satisfies client.Transport.
func (t *Transport) State() client.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState moves the transport to the given socket state without notifying
// the session; tests drive Session.TransportStateChanged themselves.
func (t *Transport) SetState(state client.TransportState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// Secure satisfies client.Transport.
func (t *Transport) Secure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.secure
}

// StartTLS satisfies client.Transport.
func (t *Transport) StartTLS() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TLSErr != nil {
		return t.TLSErr
	}
	t.secure = true
	return nil
}

// StartCompression satisfies client.Transport.
func (t *Transport) StartCompression(method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CompressionErr != nil {
		return t.CompressionErr
	}
	if method != "zlib" {
		return errors.New("xmpptest: unsupported compression method " + method)
	}
	t.compressed = true
	return nil
}

// Compressed reports whether StartCompression succeeded.
func (t *Transport) Compressed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compressed
}

// Restart satisfies client.Transport.
func (t *Transport) Restart() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts++
	return nil
}

// Restarts returns the number of stream restarts requested so far.
func (t *Transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

// Reconnect satisfies client.Transport.
func (t *Transport) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnects++
	t.state = client.TransportConnecting
	return nil
}

// Reconnects returns the number of reconnects requested so far.
func (t *Transport) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

// Details satisfies client.Transport.
func (t *Transport) Details() (client.Server, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.details == nil {
		return client.Server{}, false
	}
	return *t.details, true
}

// SetDetails sets the endpoint the transport pretends to be connected to.
func (t *Transport) SetDetails(srv client.Server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.details = &srv
}

// NewSession returns a session for mercutio@example.net on a fresh in-memory
// transport, with PLAIN credentials configured. The session is not bound yet;
// Connect binds it. The session is closed when the test finishes.
func NewSession(t *testing.T, opts ...client.Option) (*client.Session, *Transport) {
	t.Helper()
	tr := NewTransport()
	base := []client.Option{
		client.Credentials(func() (username, password, identity []byte) {
			return []byte("mercutio"), []byte("odds"), nil
		}),
		client.Mechanisms(sasl.Plain),
	}
	s := client.New(jid.MustParse("mercutio@example.net"), tr, append(base, opts...)...)
	t.Cleanup(s.Close)
	return s, tr
}

// Connect binds the session logic, moves the transport to connected, and
// tells the session, which makes it open a stream. The initial stream header
// is discarded from the transport record.
func Connect(s *client.Session, tr *Transport) {
	s.Bind()
	tr.SetState(client.TransportConnected)
	s.TransportStateChanged(client.TransportConnected)
	s.Sync()
	tr.Output()
}

// Deliver parses the given XML and hands each top level element to the
// session in order, then waits for the session to process them.
func Deliver(t *testing.T, s *client.Session, input string) {
	t.Helper()
	d := xml.NewDecoder(strings.NewReader(
		`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">` +
			input + `</stream:stream>`))
	if _, err := d.Token(); err != nil {
		t.Fatalf("xmpptest: reading wrapper token: %v", err)
	}
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("xmpptest: reading token: %v", err)
		}
		switch start := tok.(type) {
		case xml.StartElement:
			st := &stanza.Stanza{}
			if err := d.DecodeElement(st, &start); err != nil {
				t.Fatalf("xmpptest: decoding element: %v", err)
			}
			s.Received(st)
		case xml.EndElement:
			s.Sync()
			return
		}
	}
	s.Sync()
}

var idPattern = regexp.MustCompile(`id="([^"]+)"`)

// IQID extracts the first id attribute from recorded output so tests can
// address their replies.
func IQID(t *testing.T, output string) string {
	t.Helper()
	m := idPattern.FindStringSubmatch(output)
	if m == nil {
		t.Fatalf("xmpptest: no id attribute in output: %s", output)
	}
	return m[1]
}
