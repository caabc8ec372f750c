// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco_test

import (
	"reflect"
	"strings"
	"testing"

	"mellium.im/client"
	"mellium.im/client/disco"
	"mellium.im/client/internal/xmpptest"
)

func TestInfoReply(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	s.Registry().Register(client.ModuleDisco, disco.New(disco.Identity{Category: "client", Type: "pc", Name: "mellium"}))
	xmpptest.Connect(s, tr)

	xmpptest.Deliver(t, s, `<iq type="get" id="d1" from="romeo@example.net"><query xmlns="http://jabber.org/protocol/disco#info"/></iq>`)

	out := tr.Output()
	for _, want := range []string{
		`<iq type="result" id="d1" to="romeo@example.net">`,
		`<identity category='client' type='pc' name='mellium'/>`,
		`<feature var='urn:xmpp:sm:3'/>`,
		`<feature var='http://jabber.org/protocol/disco#info'/>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("reply missing %s:\n%s", want, out)
		}
	}
}

func TestDiscoverAfterConnect(t *testing.T) {
	s, tr := xmpptest.NewSession(t)
	mod := disco.New(disco.Identity{Category: "client", Type: "pc"})
	s.Registry().Register(client.ModuleDisco, mod)
	xmpptest.Connect(s, tr)

	xmpptest.Deliver(t, s, `<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)
	tr.Output()
	xmpptest.Deliver(t, s, `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
	tr.Output()
	xmpptest.Deliver(t, s, `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`)
	bindID := xmpptest.IQID(t, tr.Output())
	xmpptest.Deliver(t, s, `<iq type="result" id="`+bindID+`"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>mercutio@example.net/mobile</jid></bind></iq>`)

	// Once connected, the session queries the server's features.
	out := tr.Output()
	if !strings.Contains(out, `to="example.net"`) || !strings.Contains(out, "disco#info") {
		t.Fatalf("expected a server info query, got %s", out)
	}
	id := xmpptest.IQID(t, out)
	xmpptest.Deliver(t, s, `<iq type="result" id="`+id+`" from="example.net"><query xmlns="http://jabber.org/protocol/disco#info"><feature var="urn:xmpp:ping"/><feature var="urn:xmpp:sm:3"/></query></iq>`)

	want := []string{"urn:xmpp:ping", "urn:xmpp:sm:3"}
	if got := mod.ServerFeatures(); !reflect.DeepEqual(got, want) {
		t.Errorf("wrong server features: want=%v, got=%v", want, got)
	}
}
