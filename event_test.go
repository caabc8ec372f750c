// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client_test

import (
	"testing"

	"mellium.im/client"
	"mellium.im/client/internal/xmpptest"
)

func TestBusDeliversSubscribedKindsInOrder(t *testing.T) {
	s, tr := xmpptest.NewSession(t)

	var got []client.EventKind
	s.Bus().Subscribe(client.StreamFeaturesReceived, func(e client.Event) {
		got = append(got, e.Kind)
	})
	s.Bus().Subscribe(client.AuthFinishExpected, func(e client.Event) {
		got = append(got, e.Kind)
	})

	xmpptest.Connect(s, tr)
	xmpptest.Deliver(t, s, `<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)

	want := []client.EventKind{client.StreamFeaturesReceived, client.AuthFinishExpected}
	if len(got) != len(want) {
		t.Fatalf("wrong event count: want=%v, got=%v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wrong event order: want=%v, got=%v", want, got)
		}
	}
}

func TestSessionClearedOnUnbind(t *testing.T) {
	s, _ := xmpptest.NewSession(t)

	s.Bind()
	cleared := make(chan struct{}, 1)
	s.Bus().Subscribe(client.SessionCleared, func(client.Event) {
		cleared <- struct{}{}
	})
	s.Unbind()
	s.Sync()

	select {
	case <-cleared:
	default:
		t.Error("expected a SessionCleared event after Unbind")
	}
}

func TestEventKindString(t *testing.T) {
	if got := client.AuthSuccess.String(); got != "AuthSuccess" {
		t.Errorf("wrong string: %q", got)
	}
	if got := client.EventKind(100).String(); got != "UnknownEvent" {
		t.Errorf("wrong string for out of range kind: %q", got)
	}
}
