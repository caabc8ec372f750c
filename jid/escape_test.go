// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid_test

import (
	"strconv"
	"testing"

	"golang.org/x/text/transform"

	"mellium.im/client/jid"
)

var escapeTestCases = [...]struct {
	unescaped string
	escaped   string
}{
	0: {`space cadet`, `space\20cadet`},
	1: {`call me "ishmael"`, `call\20me\20\22ishmael\22`},
	2: {`at&t guy`, `at\26t\20guy`},
	3: {`d'artagnan`, `d\27artagnan`},
	4: {`/.fanboy`, `\2f.fanboy`},
	5: {`::foo::`, `\3a\3afoo\3a\3a`},
	6: {`<foo>`, `\3cfoo\3e`},
	7: {`user@host`, `user\40host`},
	8: {`c:\net`, `c\3a\5cnet`},
	9: {`mercutio`, `mercutio`},
}

func TestEscape(t *testing.T) {
	for i, tc := range escapeTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out, _, err := transform.String(jid.Escape, tc.unescaped)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tc.escaped {
				t.Errorf("wrong output: want=%q, got=%q", tc.escaped, out)
			}
		})
	}
}

func TestUnescape(t *testing.T) {
	for i, tc := range escapeTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out, _, err := transform.String(jid.Unescape, tc.escaped)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tc.unescaped {
				t.Errorf("wrong output: want=%q, got=%q", tc.unescaped, out)
			}
		})
	}
}

var unescapeVerbatimTestCases = [...]string{
	// Sequences that do not encode an escapable character, and truncated
	// sequences, pass through untouched.
	0: `\2x`,
	1: `\x20`,
	2: `\5`,
	3: `trailing\`,
	4: `\\20`, // the first backslash is not a valid sequence; \20 still is
}

func TestUnescapeVerbatim(t *testing.T) {
	want := [...]string{`\2x`, `\x20`, `\5`, `trailing\`, `\ `}
	for i, tc := range unescapeVerbatimTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			out, _, err := transform.String(jid.Unescape, tc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != want[i] {
				t.Errorf("wrong output: want=%q, got=%q", want[i], out)
			}
		})
	}
}
