// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/client/internal/ns"
	"mellium.im/client/jid"
)

// NS is the namespace of the stream element itself.
const NS = ns.Stream

// DefaultVersion is the XMPP version advertised on new streams.
const DefaultVersion = "1.0"

// Info contains metadata extracted from a stream start element.
type Info struct {
	To      *jid.JID
	From    *jid.JID
	ID      string
	Version string
	XMLNS   string
	Lang    string
}

// Send transmits a new stream header to w.
//
// The header is printed rather than encoded because Go's xml package cannot
// represent the namespaced stream:stream attributes, and because printing
// guarantees well-formedness for this fixed shape anyway. The from attribute
// is only included when a non-nil origin is given.
func Send(w io.Writer, to, from *jid.JID, lang string) error {
	b := &bytes.Buffer{}
	b.WriteString(`<stream:stream to='`)
	if err := xmlEscapeTo(b, to.String()); err != nil {
		return err
	}
	b.WriteByte('\'')
	if from != nil {
		b.WriteString(` from='`)
		if err := xmlEscapeTo(b, from.String()); err != nil {
			return err
		}
		b.WriteByte('\'')
	}
	if lang != "" {
		b.WriteString(` xml:lang='`)
		if err := xmlEscapeTo(b, lang); err != nil {
			return err
		}
		b.WriteByte('\'')
	}
	fmt.Fprintf(b, ` version='%s' xmlns='%s' xmlns:stream='%s'>`, DefaultVersion, ns.Client, NS)
	_, err := w.Write(b.Bytes())
	return err
}

func xmlEscapeTo(w io.Writer, s string) error {
	return xml.EscapeText(w, []byte(s))
}

// ParseStart extracts stream metadata from a stream start element.
func ParseStart(start xml.StartElement) (Info, error) {
	info := Info{}
	if start.Name.Local != "stream" || start.Name.Space != NS {
		return info, BadNamespacePrefix
	}
	for _, attr := range start.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			info.To = &jid.JID{}
			if err := info.To.UnmarshalXMLAttr(attr); err != nil {
				return info, ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			info.From = &jid.JID{}
			if err := info.From.UnmarshalXMLAttr(attr); err != nil {
				return info, ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			info.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			info.Version = attr.Value
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client && attr.Value != ns.Server {
				return info, InvalidNamespace
			}
			info.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != NS {
				return info, InvalidNamespace
			}
		case xml.Name{Space: "xml", Local: "lang"}:
			info.Lang = attr.Value
		}
	}
	return info, nil
}
