// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"strings"

	"golang.org/x/text/transform"
)

var (
	// Escape is a transform that maps escapable runes to their escaped form as
	// defined in XEP-0106: JID Escaping.
	Escape transform.Transformer = escapeMapper{}

	// Unescape is a transform that maps valid escape sequences to their
	// unescaped form as defined in XEP-0106: JID Escaping.
	Unescape transform.Transformer = unescapeMapper{}
)

// EscapedChars is a string composed of all the characters that will be
// escaped or unescaped by the transformers in this package (in no particular
// order).
const EscapedChars = ` "&'/:<>@\`

const hextable = "0123456789abcdef"

type escapeMapper struct {
	transform.NopResetter
}

func (escapeMapper) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		b := src[nSrc]
		// Escapable characters are all ASCII, so bytes of multi-byte runes
		// pass through untouched.
		if strings.IndexByte(EscapedChars, b) < 0 {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = b
			nDst++
			nSrc++
			continue
		}
		if nDst+3 > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = '\\'
		dst[nDst+1] = hextable[b>>4]
		dst[nDst+2] = hextable[b&0x0f]
		nDst += 3
		nSrc++
	}
	return nDst, nSrc, nil
}

type unescapeMapper struct {
	transform.NopResetter
}

func (unescapeMapper) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		b := src[nSrc]
		if b != '\\' {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = b
			nDst++
			nSrc++
			continue
		}
		if len(src)-nSrc < 3 {
			if !atEOF {
				return nDst, nSrc, transform.ErrShortSrc
			}
			// Too short to be an escape sequence; keep the backslash.
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = b
			nDst++
			nSrc++
			continue
		}
		c, ok := unescapeSequence(src[nSrc+1], src[nSrc+2])
		if !ok {
			// Sequences that do not map to an escapable character are not
			// unescaped.
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = b
			nDst++
			nSrc++
			continue
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc += 3
	}
	return nDst, nSrc, nil
}

// unescapeSequence maps the two hex digits of an escape sequence back to the
// character they encode. Only the sequences for EscapedChars are valid:
// 20 22 26 27 2f 3a 3c 3e 40 5c.
func unescapeSequence(hi, lo byte) (byte, bool) {
	switch hi {
	case '2':
		switch lo {
		case '0':
			return ' ', true
		case '2':
			return '"', true
		case '6':
			return '&', true
		case '7':
			return '\'', true
		case 'f':
			return '/', true
		}
	case '3':
		switch lo {
		case 'a':
			return ':', true
		case 'c':
			return '<', true
		case 'e':
			return '>', true
		}
	case '4':
		if lo == '0' {
			return '@', true
		}
	case '5':
		if lo == 'c' {
			return '\\', true
		}
	}
	return 0, false
}
