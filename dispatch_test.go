// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client_test

import (
	"errors"
	"strings"
	"testing"

	"mellium.im/client"
	"mellium.im/client/internal/xmpptest"
	"mellium.im/client/stanza"
)

type testModule struct {
	matches func(*stanza.Stanza) bool
	err     error

	processed []*stanza.Stanza
	consume   bool
	filtered  []*stanza.Stanza
	outbound  []string
	rewrite   func(*stanza.Stanza)
}

func (m *testModule) Criteria(st *stanza.Stanza) bool {
	return m.matches != nil && m.matches(st)
}

func (m *testModule) Process(st *stanza.Stanza, _ *client.Session) error {
	m.processed = append(m.processed, st)
	return m.err
}

func (m *testModule) Features() []string { return nil }

func (m *testModule) FilterIncoming(st *stanza.Stanza, _ *client.Session) bool {
	m.filtered = append(m.filtered, st)
	return m.consume
}

func (m *testModule) FilterOutgoing(st *stanza.Stanza, _ *client.Session) {
	m.outbound = append(m.outbound, st.Name.Local)
	if m.rewrite != nil {
		m.rewrite(st)
	}
}

func matchLocal(local string) func(*stanza.Stanza) bool {
	return func(st *stanza.Stanza) bool {
		return st.Name.Local == local
	}
}

func TestDispatchModuleRouting(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	first := &testModule{matches: matchLocal("message")}
	second := &testModule{matches: matchLocal("message")}
	other := &testModule{matches: matchLocal("presence")}
	s.Registry().Register("first", first)
	s.Registry().Register("second", second)
	s.Registry().Register("other", other)

	xmpptest.Connect(s, tr)
	xmpptest.Deliver(t, s, `<message from="romeo@example.net"><body>hi</body></message>`)

	if len(first.processed) != 1 || len(second.processed) != 1 {
		t.Errorf("every matching module should process the stanza: got %d and %d", len(first.processed), len(second.processed))
	}
	if len(other.processed) != 0 {
		t.Errorf("non-matching module should not process the stanza: got %d", len(other.processed))
	}
	if out := tr.Output(); out != "" {
		t.Errorf("handled stanzas should produce no fallback reply, got %s", out)
	}
}

func TestDispatchFilterConsumes(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	filter := &testModule{consume: true}
	mod := &testModule{matches: matchLocal("message")}
	s.Registry().Register("filter", filter)
	s.Registry().Register("mod", mod)

	xmpptest.Connect(s, tr)
	xmpptest.Deliver(t, s, `<message from="romeo@example.net"><body>hi</body></message>`)

	if len(filter.filtered) != 1 {
		t.Fatalf("wrong filter call count: want=1, got=%d", len(filter.filtered))
	}
	if len(mod.processed) != 0 {
		t.Error("a consumed stanza must not reach module routing")
	}
	if out := tr.Output(); out != "" {
		t.Errorf("a consumed stanza must not produce a reply, got %s", out)
	}
}

func TestDispatchFeatureNotImplemented(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	xmpptest.Connect(s, tr)

	xmpptest.Deliver(t, s, `<iq type="get" id="42" from="romeo@example.net"><foo xmlns="tag:test"/></iq>`)

	out := tr.Output()
	for _, want := range []string{
		`<iq type="error" id="42" to="romeo@example.net"`,
		`<feature-not-implemented xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">`,
		`type="cancel"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("reply missing %s:\n%s", want, out)
		}
	}
}

func TestDispatchStaleResponseDropped(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	xmpptest.Connect(s, tr)

	xmpptest.Deliver(t, s, `<iq type="result" id="stale" from="romeo@example.net"/>`)

	if out := tr.Output(); out != "" {
		t.Errorf("stale responses must be dropped silently, got %s", out)
	}
}

func TestDispatchProcessError(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	known := &testModule{
		matches: matchLocal("iq"),
		err:     stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound},
	}
	s.Registry().Register("known", known)
	xmpptest.Connect(s, tr)

	xmpptest.Deliver(t, s, `<iq type="get" id="1" from="romeo@example.net"><foo xmlns="tag:test"/></iq>`)
	if out := tr.Output(); !strings.Contains(out, "<item-not-found") {
		t.Errorf("expected an item-not-found reply, got %s", out)
	}
}

func TestDispatchUnrecognizedFault(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	faulty := &testModule{
		matches: matchLocal("iq"),
		err:     errors.New("boom"),
	}
	s.Registry().Register("faulty", faulty)
	xmpptest.Connect(s, tr)

	xmpptest.Deliver(t, s, `<iq type="get" id="1" from="romeo@example.net"><foo xmlns="tag:test"/></iq>`)
	if out := tr.Output(); !strings.Contains(out, "<undefined-condition") {
		t.Errorf("expected an undefined-condition reply, got %s", out)
	}
}

func TestOutboundFilterChain(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	var order []string
	first := &testModule{rewrite: func(st *stanza.Stanza) {
		order = append(order, "first")
		st.Payload = []byte(`<body>rewritten</body>`)
	}}
	second := &testModule{rewrite: func(st *stanza.Stanza) {
		order = append(order, "second")
	}}
	s.Registry().Register("first", first)
	s.Registry().Register("second", second)
	xmpptest.Connect(s, tr)

	s.Send(&stanza.Stanza{
		Name:    xmlName("message"),
		Payload: []byte(`<body>original</body>`),
	})
	s.Sync()

	out := tr.Output()
	if want := `<message><body>rewritten</body></message>`; out != want {
		t.Errorf("wrong output:\nwant=%s,\n got=%s", want, out)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("outgoing filters ran in wrong order: %v", order)
	}
	if strings.Count(out, "<message") != 1 {
		t.Errorf("stanza must be emitted exactly once, got %s", out)
	}
}
