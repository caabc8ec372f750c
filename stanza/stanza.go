// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains types for working with top level XMPP stream
// elements.
//
// Stanzas are kept in a parsed-header form: the common attributes are
// decoded, the payload is retained as raw XML. This lets routing code
// examine a stanza cheaply and hand the same stanza to several consumers
// without re-reading the wire.
package stanza // import "mellium.im/client/stanza"

import (
	"bytes"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"

	"mellium.im/client/internal/ns"
	"mellium.im/client/jid"
)

// Common values of the stanza "type" attribute.
const (
	TypeGet    = "get"
	TypeSet    = "set"
	TypeResult = "result"
	TypeError  = "error"
)

// Is tests whether name is a valid stanza based on name and space.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == ns.Server || name.Space == "")
}

// Head is the common attribute set shared by every stanza kind.
type Head struct {
	ID   string
	To   *jid.JID
	From *jid.JID
	Type string
	Lang string
}

// Stanza is a parsed top level stream element together with its raw payload.
type Stanza struct {
	Name xml.Name
	Head

	// Attr holds every attribute as parsed, including ones not covered by
	// Head. It is only populated when a stanza is unmarshaled.
	Attr []xml.Attr

	Payload []byte
}

// IQ constructs an info/query stanza with the given head and payload.
func IQ(h Head, payload string) *Stanza {
	return &Stanza{
		Name:    xml.Name{Space: ns.Client, Local: "iq"},
		Head:    h,
		Payload: []byte(payload),
	}
}

// IsIQ reports whether the stanza is an info/query stanza.
func (st *Stanza) IsIQ() bool {
	return st.Name.Local == "iq"
}

// IsResponse reports whether the stanza is a result or error that answers an
// earlier request.
func (st *Stanza) IsResponse() bool {
	return st.Type == TypeResult || st.Type == TypeError
}

// Reply returns a new stanza of the same kind addressed back to the sender,
// preserving the request id. The payload is left empty.
func (st *Stanza) Reply(typ string) *Stanza {
	return &Stanza{
		Name: st.Name,
		Head: Head{
			ID:   st.ID,
			To:   st.From,
			From: st.To,
			Type: typ,
		},
	}
}

// UnmarshalXML satisfies the xml.Unmarshaler interface. The common attributes
// are decoded and the remaining element body is kept verbatim.
func (st *Stanza) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	st.Name = start.Name
	st.Attr = append([]xml.Attr(nil), start.Attr...)
	for _, a := range start.Attr {
		switch {
		case a.Name.Local == "id" && a.Name.Space == "":
			st.ID = a.Value
		case a.Name.Local == "type" && a.Name.Space == "":
			st.Type = a.Value
		case a.Name.Local == "to" && a.Name.Space == "" && a.Value != "":
			j := &jid.JID{}
			if err := j.UnmarshalXMLAttr(a); err != nil {
				return err
			}
			st.To = j
		case a.Name.Local == "from" && a.Name.Space == "" && a.Value != "":
			j := &jid.JID{}
			if err := j.UnmarshalXMLAttr(a); err != nil {
				return err
			}
			st.From = j
		case a.Name.Local == "lang" && (a.Name.Space == "xml" || a.Name.Space == ns.XML):
			st.Lang = a.Value
		}
	}
	body := struct {
		Inner []byte `xml:",innerxml"`
	}{}
	if err := d.DecodeElement(&body, &start); err != nil {
		return err
	}
	st.Payload = body.Inner
	return nil
}

// StartElement returns the start element that begins the serialized form of
// the stanza. The stream's default namespace is assumed, so no xmlns
// attribute is emitted.
func (st *Stanza) StartElement() xml.StartElement {
	start := xml.StartElement{Name: xml.Name{Local: st.Name.Local}}
	if st.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: st.Type})
	}
	if st.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: st.ID})
	}
	if a, err := st.To.MarshalXMLAttr(xml.Name{Local: "to"}); err == nil && a.Value != "" {
		start.Attr = append(start.Attr, a)
	}
	if a, err := st.From.MarshalXMLAttr(xml.Name{Local: "from"}); err == nil && a.Value != "" {
		start.Attr = append(start.Attr, a)
	}
	if st.Lang != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: st.Lang})
	}
	return start
}

// PayloadReader returns a token stream over the children of the stanza.
func (st *Stanza) PayloadReader() xml.TokenReader {
	return xml.NewDecoder(bytes.NewReader(st.Payload))
}

// TokenReader returns a token stream over the entire stanza.
func (st *Stanza) TokenReader() xml.TokenReader {
	return xmlstream.Wrap(st.PayloadReader(), st.StartElement())
}

// UnmarshalPayload decodes the first child element of the stanza into v.
// It returns io.EOF if the stanza has no payload.
func (st *Stanza) UnmarshalPayload(v interface{}) error {
	d := xml.NewDecoder(bytes.NewReader(st.Payload))
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return d.DecodeElement(v, &start)
		}
	}
}

// ErrorCondition returns the stanza error carried by an error stanza. It
// skips over any echoed request payload preceding the error element.
func (st *Stanza) ErrorCondition() (Error, bool) {
	if st.Type != TypeError {
		return Error{}, false
	}
	d := xml.NewDecoder(bytes.NewReader(st.Payload))
	for {
		tok, err := d.Token()
		if err != nil {
			return Error{}, false
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "error" {
			se := Error{}
			if err := d.DecodeElement(&se, &start); err != nil {
				return Error{}, false
			}
			return se, true
		}
		if err := d.Skip(); err != nil {
			return Error{}, false
		}
	}
}

// WriteTo serializes the stanza to w in its wire form.
// Stanzas are printed rather than encoded so that the raw payload can be
// copied through without a decode and re-encode round trip.
func (st *Stanza) WriteTo(w io.Writer) (n int64, err error) {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(st.Name.Local)
	for _, a := range st.StartElement().Attr {
		buf.WriteByte(' ')
		if a.Name.Space == ns.XML {
			buf.WriteString("xml:")
		}
		buf.WriteString(a.Name.Local)
		buf.WriteString(`="`)
		if err = xml.EscapeText(&buf, []byte(a.Value)); err != nil {
			return 0, err
		}
		buf.WriteByte('"')
	}
	if len(st.Payload) == 0 {
		buf.WriteString("/>")
	} else {
		buf.WriteByte('>')
		buf.Write(st.Payload)
		buf.WriteString("</")
		buf.WriteString(st.Name.Local)
		buf.WriteByte('>')
	}
	return buf.WriteTo(w)
}

// String returns the wire form of the stanza.
func (st *Stanza) String() string {
	var buf bytes.Buffer
	// The only failure mode is attribute escaping, which buf cannot trigger.
	/* #nosec */
	st.WriteTo(&buf)
	return buf.String()
}
