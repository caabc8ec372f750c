// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client_test

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"
	"time"

	"mellium.im/client"
	"mellium.im/client/internal/xmpptest"
	"mellium.im/client/jid"
	"mellium.im/client/stanza"
)

func xmlName(local string) xml.Name {
	return xml.Name{Local: local}
}

func mustJID(t *testing.T, s string) *jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return j
}

const (
	plainFeatures = `<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	bindFeatures  = `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`
	saslSuccess   = `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`
)

func bindResult(id, jid string) string {
	return `<iq type="result" id="` + id + `"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>` + jid + `</jid></bind></iq>`
}

// authenticate drives a session through STARTTLS-less PLAIN authentication
// and returns with the post-auth stream restarted.
func authenticate(t *testing.T, s *client.Session, tr *xmpptest.Transport) {
	t.Helper()
	xmpptest.Deliver(t, s, plainFeatures)
	if out := tr.Output(); !strings.Contains(out, "<auth ") {
		t.Fatalf("expected an auth request, got %s", out)
	}
	xmpptest.Deliver(t, s, saslSuccess)
	tr.Output() // discard the restarted stream header
}

func TestHappyPathNegotiation(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	states := s.StateChanges()
	xmpptest.Connect(s, tr)

	// The server requires TLS; the session triggers the upgrade and restarts
	// the stream.
	xmpptest.Deliver(t, s, `<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>`)
	if !tr.Secure() {
		t.Fatal("expected transport to be secured")
	}
	if got := tr.Restarts(); got != 1 {
		t.Fatalf("wrong restart count after TLS: want=1, got=%d", got)
	}
	out := tr.Output()
	if !strings.Contains(out, "<stream:stream to='example.net'") {
		t.Fatalf("expected a fresh stream header, got %s", out)
	}

	// Authentication.
	xmpptest.Deliver(t, s, plainFeatures)
	out = tr.Output()
	if !strings.Contains(out, "mechanism='PLAIN'") {
		t.Fatalf("expected a PLAIN auth request, got %s", out)
	}
	xmpptest.Deliver(t, s, saslSuccess)
	if got := tr.Restarts(); got != 2 {
		t.Fatalf("wrong restart count after auth: want=2, got=%d", got)
	}
	tr.Output()

	// Binding, no session feature, no stream management.
	xmpptest.Deliver(t, s, bindFeatures)
	id := xmpptest.IQID(t, tr.Output())
	xmpptest.Deliver(t, s, bindResult(id, "mercutio@example.net/mobile"))

	if got := s.State(); got != client.Connected {
		t.Fatalf("wrong state: want=%v, got=%v", client.Connected, got)
	}
	if got := s.LocalAddr().String(); got != "mercutio@example.net/mobile" {
		t.Errorf("wrong bound JID: %s", got)
	}

	// The observable state trace stays within Connecting, Connected.
	var trace []client.SessionState
	for len(states) > 0 {
		trace = append(trace, <-states)
	}
	want := []client.SessionState{client.Connecting, client.Connected}
	if len(trace) != len(want) {
		t.Fatalf("wrong state trace: want=%v, got=%v", want, trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("wrong state trace: want=%v, got=%v", want, trace)
		}
	}
}

func TestLegacySessionEstablishment(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	xmpptest.Connect(s, tr)
	authenticate(t, s, tr)

	xmpptest.Deliver(t, s, `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></stream:features>`)
	id := xmpptest.IQID(t, tr.Output())
	xmpptest.Deliver(t, s, bindResult(id, "mercutio@example.net/mobile"))

	// The server requires the legacy session step, so the session is not
	// connected until it completes.
	if got := s.State(); got == client.Connected {
		t.Fatal("session must not be connected before session establishment")
	}
	out := tr.Output()
	if !strings.Contains(out, "<session xmlns='urn:ietf:params:xml:ns:xmpp-session'/>") {
		t.Fatalf("expected a session establishment request, got %s", out)
	}
	id = xmpptest.IQID(t, out)
	xmpptest.Deliver(t, s, `<iq type="result" id="`+id+`"/>`)

	if got := s.State(); got != client.Connected {
		t.Fatalf("wrong state: want=%v, got=%v", client.Connected, got)
	}
}

// lifecycleModule records the lifecycle notifications it receives.
type lifecycleModule struct {
	started   int
	restarted int
	resets    int
}

func (*lifecycleModule) Criteria(*stanza.Stanza) bool                  { return false }
func (*lifecycleModule) Process(*stanza.Stanza, *client.Session) error { return nil }
func (*lifecycleModule) Features() []string                            { return nil }

func (m *lifecycleModule) StreamStarted(*client.Session)       { m.started++ }
func (m *lifecycleModule) ConnectionRestarted(*client.Session) { m.restarted++ }
func (m *lifecycleModule) Reset()                              { m.resets++ }

func TestSeeOtherHostRedirect(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	lc := &lifecycleModule{}
	s.Registry().Register("lifecycle", lc)
	xmpptest.Connect(s, tr)
	tr.SetDetails(client.Server{Host: "chat1.example.net", Port: 5222, DirectTLS: true})

	xmpptest.Deliver(t, s, `<stream:error><see-other-host xmlns='urn:ietf:params:xml:ns:xmpp-streams'>chat2.example.net:5223</see-other-host></stream:error>`)

	if got := tr.Reconnects(); got != 1 {
		t.Fatalf("wrong reconnect count: want=1, got=%d", got)
	}
	if lc.restarted != 1 {
		t.Errorf("wrong ConnectionRestarted count: want=1, got=%d", lc.restarted)
	}
	if lc.started == 0 {
		t.Error("expected StreamStarted for the initial header")
	}
	srv, ok := s.ConnectDetails()
	if !ok {
		t.Fatal("expected cached redirect details")
	}
	if srv.Host != "chat2.example.net" || srv.Port != 5223 {
		t.Errorf("wrong redirect target: %v", srv)
	}
	if !srv.DirectTLS {
		t.Error("redirect must preserve direct TLS from the current connection")
	}
	// The redirect is consumed by the lookup.
	if _, ok := s.ConnectDetails(); ok {
		t.Error("redirect details must be cleared after use")
	}
}

func TestUnknownStreamErrorSurfaced(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	events := make(chan client.Event, 1)
	xmpptest.Connect(s, tr)
	s.Bus().Subscribe(client.ErrorEvent, func(e client.Event) {
		events <- e
	})

	xmpptest.Deliver(t, s, `<stream:error><bogus-condition xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`)

	select {
	case e := <-events:
		if e.StreamErr != nil {
			t.Errorf("unrecognized conditions must be surfaced with no error value, got %v", e.StreamErr)
		}
	default:
		t.Fatal("expected an ErrorEvent")
	}
	if tr.Reconnects() != 0 {
		t.Error("only see-other-host may trigger a reconnect")
	}
}

func smResumeSetup(t *testing.T) (*client.Session, *xmpptest.Transport, *client.StreamManagement) {
	t.Helper()
	s, tr := xmpptest.NewSession(t)
	m, ok := s.Registry().Lookup(client.ModuleSM)
	if !ok {
		t.Fatal("expected a stream management module")
	}
	sm := m.(*client.StreamManagement)
	sm.SetResumption("rsid-7", "sm.example.net")

	xmpptest.Connect(s, tr)
	authenticate(t, s, tr)
	xmpptest.Deliver(t, s, `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/><sm xmlns='urn:xmpp:sm:3'/></stream:features>`)
	return s, tr, sm
}

func TestSMResumeSuccess(t *testing.T) {
	s, tr, _ := smResumeSetup(t)

	out := tr.Output()
	if !strings.Contains(out, "previd='rsid-7'") {
		t.Fatalf("expected a resume attempt, got %s", out)
	}
	if strings.Contains(out, "<iq") {
		t.Fatalf("resume must not rebind, got %s", out)
	}
	xmpptest.Deliver(t, s, `<resumed xmlns='urn:xmpp:sm:3' h='0'/>`)

	if got := s.State(); got != client.Connected {
		t.Fatalf("wrong state: want=%v, got=%v", client.Connected, got)
	}
	// No enable is sent after a successful resume.
	if out := tr.Output(); strings.Contains(out, "<enable") {
		t.Errorf("must not re-enable after resumption, got %s", out)
	}
}

func TestSMResumeFailure(t *testing.T) {
	s, tr, _ := smResumeSetup(t)
	tr.Output()

	xmpptest.Deliver(t, s, `<failed xmlns='urn:xmpp:sm:3'/>`)
	out := tr.Output()
	if !strings.Contains(out, "<iq type=\"set\"") || !strings.Contains(out, "urn:ietf:params:xml:ns:xmpp-bind") {
		t.Fatalf("expected a fresh bind after failed resume, got %s", out)
	}
	id := xmpptest.IQID(t, out)
	xmpptest.Deliver(t, s, bindResult(id, "mercutio@example.net/mobile"))

	if got := s.State(); got != client.Connected {
		t.Fatalf("wrong state: want=%v, got=%v", client.Connected, got)
	}
	// A fresh stream enables stream management again.
	if out := tr.Output(); !strings.Contains(out, "<enable xmlns='urn:xmpp:sm:3' resume='true'/>") {
		t.Errorf("expected stream management to be enabled, got %s", out)
	}
}

func TestSMQueueDrainedByAckAfterResume(t *testing.T) {
	s, tr, sm := smResumeSetup(t)
	tr.Output()
	xmpptest.Deliver(t, s, `<resumed xmlns='urn:xmpp:sm:3' h='0'/>`)
	tr.Output()

	s.Send(&stanza.Stanza{Name: xmlName("message"), Payload: []byte(`<body>one</body>`)})
	s.Sync()
	if got := sm.Queued(); got != 1 {
		t.Fatalf("wrong queue length: want=1, got=%d", got)
	}

	// The server acks everything; the queue drains.
	xmpptest.Deliver(t, s, `<a xmlns='urn:xmpp:sm:3' h='1'/>`)
	if got := sm.Queued(); got != 0 {
		t.Fatalf("wrong queue length after ack: want=0, got=%d", got)
	}
}

func TestIQCorrelation(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	xmpptest.Connect(s, tr)

	results := make(chan *stanza.Stanza, 2)
	st := stanza.IQ(stanza.Head{ID: "q1", Type: stanza.TypeGet, To: mustJID(t, "svc.example.net")}, `<foo xmlns="tag:test"/>`)
	s.SendIQ(st, func(resp *stanza.Stanza, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		results <- resp
	})
	s.Sync()

	xmpptest.Deliver(t, s, `<iq type="result" id="q1" from="svc.example.net"/>`)
	select {
	case resp := <-results:
		if resp.ID != "q1" {
			t.Errorf("wrong response: %v", resp)
		}
	default:
		t.Fatal("expected the callback to run")
	}

	// A duplicate reply no longer matches and is dropped silently.
	xmpptest.Deliver(t, s, `<iq type="result" id="q1" from="svc.example.net"/>`)
	if len(results) != 0 {
		t.Error("the callback must be invoked exactly once")
	}
	if out := tr.Output(); strings.Contains(out, "error") {
		t.Errorf("late replies must be dropped silently, got %s", out)
	}
}

func TestIQTimeout(t *testing.T) {
	s, tr := xmpptest.NewSession(t, client.RequestTimeout(40*time.Millisecond))
	xmpptest.Connect(s, tr)

	errs := make(chan error, 2)
	st := stanza.IQ(stanza.Head{ID: "q1", Type: stanza.TypeGet, To: mustJID(t, "svc.example.net")}, `<foo xmlns="tag:test"/>`)
	s.SendIQ(st, func(_ *stanza.Stanza, err error) {
		errs <- err
	})

	select {
	case err := <-errs:
		if !errors.Is(err, client.ErrTimeout) {
			t.Fatalf("wrong error: want=%v, got=%v", client.ErrTimeout, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a timeout error")
	}

	// A reply arriving after the deadline is dropped.
	xmpptest.Deliver(t, s, `<iq type="result" id="q1" from="svc.example.net"/>`)
	if len(errs) != 0 {
		t.Error("the callback must be invoked exactly once")
	}
}

func TestPendingFailOnTeardown(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	xmpptest.Connect(s, tr)

	errs := make(chan error, 1)
	st := stanza.IQ(stanza.Head{ID: "q1", Type: stanza.TypeGet, To: mustJID(t, "svc.example.net")}, `<foo xmlns="tag:test"/>`)
	s.SendIQ(st, func(_ *stanza.Stanza, err error) {
		errs <- err
	})
	s.Sync()

	s.TransportStateChanged(client.TransportDisconnected)
	s.Sync()

	select {
	case err := <-errs:
		if !errors.Is(err, client.ErrSessionClosed) {
			t.Fatalf("wrong error: want=%v, got=%v", client.ErrSessionClosed, err)
		}
	default:
		t.Fatal("expected pending requests to fail on disconnect")
	}
	if got := s.State(); got != client.Disconnected {
		t.Errorf("wrong state: want=%v, got=%v", client.Disconnected, got)
	}
}

func TestPipeliningEquivalence(t *testing.T) {
	run := func(t *testing.T, opts ...client.Option) (wire string) {
		s, tr := xmpptest.NewSession(t, opts...)
		xmpptest.Connect(s, tr)
		xmpptest.Deliver(t, s, plainFeatures)
		wire += tr.Output()
		xmpptest.Deliver(t, s, saslSuccess)
		wire += tr.Output()
		xmpptest.Deliver(t, s, bindFeatures)
		wire += tr.Output()
		return wire
	}

	plain := run(t)
	pipelined := run(t, client.Pipelining())

	// Both variants produce the same wire dialogue: one auth request, one
	// stream restart, one bind request. Only the relative position of the
	// restart differs.
	for name, wire := range map[string]string{"plain": plain, "pipelined": pipelined} {
		if got := strings.Count(wire, "<auth "); got != 1 {
			t.Errorf("%s: wrong auth count: want=1, got=%d", name, got)
		}
		if got := strings.Count(wire, "<stream:stream "); got != 1 {
			t.Errorf("%s: wrong header count: want=1, got=%d", name, got)
		}
		if got := strings.Count(wire, "urn:ietf:params:xml:ns:xmpp-bind"); got != 1 {
			t.Errorf("%s: wrong bind count: want=1, got=%d", name, got)
		}
	}
	// Pipelining sends the restart together with the auth request, before
	// success arrives.
	authIdx := strings.Index(pipelined, "<auth ")
	headerIdx := strings.Index(pipelined, "<stream:stream ")
	successIdx := strings.Index(plain, "<stream:stream ")
	if headerIdx < authIdx {
		t.Error("pipelined restart must follow the auth request")
	}
	if successIdx < strings.Index(plain, "<auth ") {
		t.Error("non-pipelined restart must not precede the auth request")
	}
}

func TestKeepalive(t *testing.T) {
	t.Run("whitespace", func(t *testing.T) {
		s, tr := xmpptest.NewSession(t)
		xmpptest.Connect(s, tr)
		s.Keepalive()
		s.Sync()
		if out := tr.Output(); out != " " {
			t.Errorf("expected a whitespace keepalive, got %q", out)
		}
	})
	t.Run("ping", func(t *testing.T) {
		s, tr := xmpptest.NewSession(t)
		s.Registry().Register(client.ModulePing, pingStub{})
		xmpptest.Connect(s, tr)
		s.Keepalive()
		s.Sync()
		out := tr.Output()
		if !strings.Contains(out, "<ping xmlns='urn:xmpp:ping'/>") {
			t.Errorf("expected a ping keepalive, got %s", out)
		}
		if !strings.Contains(out, `to="mercutio@example.net"`) {
			t.Errorf("keepalive pings go to the account's bare JID, got %s", out)
		}
	})
}

// pingStub stands in for the ping package without importing it.
type pingStub struct{}

func (pingStub) Criteria(*stanza.Stanza) bool                  { return false }
func (pingStub) Process(*stanza.Stanza, *client.Session) error { return nil }
func (pingStub) Features() []string                            { return []string{"urn:xmpp:ping"} }

func TestCloseStream(t *testing.T) {
	s, tr, _ := smResumeSetup(t)
	xmpptest.Deliver(t, s, `<resumed xmlns='urn:xmpp:sm:3' h='0'/>`)
	tr.Output()

	done := make(chan struct{})
	s.CloseStream(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the done callback to run")
	}
	out := tr.Output()
	if !strings.Contains(out, "<r xmlns='urn:xmpp:sm:3'/>") || !strings.Contains(out, "<a xmlns='urn:xmpp:sm:3'") {
		t.Errorf("expected a final ack exchange before close, got %s", out)
	}
	if got := s.State(); got != client.Disconnecting {
		t.Errorf("wrong state: want=%v, got=%v", client.Disconnecting, got)
	}
}

func TestConnectDetailsFromResumptionLocation(t *testing.T) {
	s, _ := xmpptest.NewSession(t)
	m, _ := s.Registry().Lookup(client.ModuleSM)
	m.(*client.StreamManagement).SetResumption("rsid-9", "sm.example.net:5222")

	srv, ok := s.ConnectDetails()
	if !ok {
		t.Fatal("expected resumption location details")
	}
	if srv.Host != "sm.example.net" || srv.Port != 5222 {
		t.Errorf("wrong details: %v", srv)
	}
}
