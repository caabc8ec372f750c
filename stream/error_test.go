// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream_test

import (
	"encoding/xml"
	"errors"
	"strconv"
	"testing"

	"mellium.im/client/stream"
)

var errorDecodeTestCases = [...]struct {
	in   string
	cond error
	host string
}{
	0: {
		in:   `<stream:error xmlns:stream="http://etherx.jabber.org/streams"><conflict xmlns="urn:ietf:params:xml:ns:xmpp-streams"/></stream:error>`,
		cond: stream.Conflict,
	},
	1: {
		in:   `<stream:error xmlns:stream="http://etherx.jabber.org/streams"><see-other-host xmlns="urn:ietf:params:xml:ns:xmpp-streams">chat2.example.net:5223</see-other-host></stream:error>`,
		cond: stream.Error{Err: "see-other-host"},
		host: "chat2.example.net:5223",
	},
	2: {
		in:   `<stream:error xmlns:stream="http://etherx.jabber.org/streams"><see-other-host xmlns="urn:ietf:params:xml:ns:xmpp-streams">[::1]:5222</see-other-host></stream:error>`,
		cond: stream.Error{Err: "see-other-host"},
		host: "[::1]:5222",
	},
	3: {
		in:   `<error xmlns="http://etherx.jabber.org/streams"><system-shutdown xmlns="urn:ietf:params:xml:ns:xmpp-streams"/></error>`,
		cond: stream.SystemShutdown,
	},
}

func TestErrorDecode(t *testing.T) {
	for i, tc := range errorDecodeTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			se := stream.Error{}
			if err := xml.Unmarshal([]byte(tc.in), &se); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !errors.Is(se, tc.cond) {
				t.Errorf("wrong condition: want=%v, got=%v", tc.cond, se)
			}
			host, ok := se.SeeOtherHost()
			if wantOK := tc.host != ""; ok != wantOK {
				t.Fatalf("wrong see-other-host presence: want=%t, got=%t", wantOK, ok)
			}
			if host != tc.host {
				t.Errorf("wrong host: want=%q, got=%q", tc.host, host)
			}
		})
	}
}

func TestErrorEncode(t *testing.T) {
	b, err := xml.Marshal(stream.UndefinedCondition)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `<error xmlns="http://etherx.jabber.org/streams"><undefined-condition xmlns="urn:ietf:params:xml:ns:xmpp-streams"></undefined-condition></error>`
	if string(b) != want {
		t.Errorf("wrong output:\nwant=%s,\n got=%s", want, b)
	}
}
