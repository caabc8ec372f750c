// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream headers and stream errors as defined by
// RFC 6120 §4.
package stream // import "mellium.im/client/stream"

import (
	"bytes"
	"encoding/xml"
	"io"
	"net"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/client/internal/ns"
)

// A list of stream errors defined in RFC 6120 §4.9.3.
var (
	// BadFormat is used when the entity has sent XML that cannot be processed.
	BadFormat = Error{Err: "bad-format"}

	// BadNamespacePrefix is sent when an entity has sent a namespace prefix
	// that is unsupported, or has sent no namespace prefix on an element that
	// needs one.
	BadNamespacePrefix = Error{Err: "bad-namespace-prefix"}

	// Conflict is sent when the server is closing or refusing a stream because
	// it conflicts with another stream for the same entity.
	Conflict = Error{Err: "conflict"}

	// ConnectionTimeout results when one party believes the other has
	// permanently lost the ability to communicate over the stream.
	ConnectionTimeout = Error{Err: "connection-timeout"}

	// HostGone is sent when the 'to' address in the stream header corresponds
	// to an FQDN that is no longer serviced by the receiving entity.
	HostGone = Error{Err: "host-gone"}

	// HostUnknown is sent when the 'to' address does not correspond to an FQDN
	// serviced by the receiving entity.
	HostUnknown = Error{Err: "host-unknown"}

	// ImproperAddressing is used when a stanza sent between two servers lacks a
	// 'to' or 'from' attribute or the value violates the address format.
	ImproperAddressing = Error{Err: "improper-addressing"}

	// InternalServerError is sent when the server has experienced an internal
	// error that prevents it from servicing the stream.
	InternalServerError = Error{Err: "internal-server-error"}

	// InvalidFrom is sent when data provided in a 'from' attribute does not
	// match an authorized JID or validated domain.
	InvalidFrom = Error{Err: "invalid-from"}

	// InvalidNamespace may be sent when the stream or default content namespace
	// is not supported.
	InvalidNamespace = Error{Err: "invalid-namespace"}

	// InvalidXML may be sent when the entity has sent invalid XML over the
	// stream.
	InvalidXML = Error{Err: "invalid-xml"}

	// NotAuthorized may be sent when the entity has attempted to send data
	// before the stream has been authenticated.
	NotAuthorized = Error{Err: "not-authorized"}

	// NotWellFormed may be sent when the entity has sent XML that violates the
	// well-formedness rules of XML or XML namespaces.
	NotWellFormed = Error{Err: "not-well-formed"}

	// PolicyViolation may be sent when an entity has violated a local service
	// policy.
	PolicyViolation = Error{Err: "policy-violation"}

	// RemoteConnectionFailed may be sent when the server cannot connect to a
	// remote entity needed for authentication or authorization.
	RemoteConnectionFailed = Error{Err: "remote-connection-failed"}

	// Reset is sent when the server is closing the stream because encryption
	// and authentication need to be negotiated again for a new stream.
	Reset = Error{Err: "reset"}

	// ResourceConstraint may be sent when the server lacks the system resources
	// necessary to service the stream.
	ResourceConstraint = Error{Err: "resource-constraint"}

	// RestrictedXML may be sent when the entity has attempted to send
	// restricted XML features such as a comment or processing instruction.
	RestrictedXML = Error{Err: "restricted-xml"}

	// SystemShutdown may be sent when the server is being shut down and all
	// active streams are being closed.
	SystemShutdown = Error{Err: "system-shutdown"}

	// UndefinedCondition may be sent when the error condition is not one of
	// those defined by the other conditions in this list.
	UndefinedCondition = Error{Err: "undefined-condition"}

	// UnsupportedEncoding may be sent when the initiating entity has encoded
	// the stream in an encoding that is not UTF-8.
	UnsupportedEncoding = Error{Err: "unsupported-encoding"}

	// UnsupportedFeature may be sent when the receiving entity has advertised a
	// mandatory-to-negotiate stream feature that the initiating entity does not
	// support.
	UnsupportedFeature = Error{Err: "unsupported-feature"}

	// UnsupportedStanzaType may be sent when the initiating entity has sent a
	// first-level child of the stream that is not supported by the server.
	UnsupportedStanzaType = Error{Err: "unsupported-stanza-type"}

	// UnsupportedVersion may be sent when the 'version' attribute specifies a
	// version of XMPP that is not supported.
	UnsupportedVersion = Error{Err: "unsupported-version"}
)

// SeeOtherHostError returns a new see-other-host error with the given network
// address as the host. If the address appears to be a raw IPv6 address (eg.
// "::1"), the error wraps it in brackets ("[::1]").
func SeeOtherHostError(addr net.Addr) Error {
	cdata := addr.String()
	if ip := net.ParseIP(cdata); ip != nil && ip.To4() == nil && ip.To16() != nil {
		cdata = "[" + cdata + "]"
	}
	return Error{Err: "see-other-host", innerXML: []byte(xmlEscape(cdata))}
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	/* #nosec */
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// An Error represents an unrecoverable stream-level error that may include
// character data or arbitrary inner XML.
type Error struct {
	Err string

	innerXML []byte
}

// Error satisfies the builtin error interface and returns the name of the
// stream error. For instance, given the error:
//
//	<stream:error>
//	  <restricted-xml xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>
//	</stream:error>
//
// Error() would return "restricted-xml".
func (s Error) Error() string {
	return s.Err
}

// Is compares the condition names of two stream errors, ignoring any inner
// XML, so that received errors can be matched against the conditions defined
// in this package with errors.Is.
func (s Error) Is(target error) bool {
	se, ok := target.(Error)
	return ok && se.Err == s.Err
}

// Text returns the character data carried inside the defined condition, eg.
// the host for see-other-host errors.
func (s Error) Text() string {
	return strings.TrimSpace(string(s.innerXML))
}

// SeeOtherHost returns the alternate host carried by a see-other-host error.
// The second return value is false if the error is a different condition or
// carries no host.
func (s Error) SeeOtherHost() (string, bool) {
	if s.Err != "see-other-host" {
		return "", false
	}
	host := s.Text()
	return host, host != ""
}

// UnmarshalXML satisfies the xml package's Unmarshaler interface and allows
// Errors to be correctly unmarshaled from XML.
func (s *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	se := struct {
		XMLName xml.Name
		Err     struct {
			XMLName  xml.Name
			InnerXML []byte `xml:",innerxml"`
		} `xml:",any"`
	}{}
	if err := d.DecodeElement(&se, &start); err != nil {
		return err
	}
	s.Err = se.Err.XMLName.Local
	s.innerXML = se.Err.InnerXML
	return nil
}

// MarshalXML satisfies the xml package's Marshaler interface and allows
// Errors to be correctly marshaled back into XML.
func (s Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := s.WriteXML(e)
	return err
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (s Error) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, s.TokenReader())
}

// TokenReader returns a new xmlstream.TokenReader that returns an encoding of
// the error.
func (s Error) TokenReader() xml.TokenReader {
	var payload xml.TokenReader
	if len(s.innerXML) > 0 {
		cdata := s.innerXML
		payload = xmlstream.ReaderFunc(func() (xml.Token, error) {
			return xml.CharData(cdata), io.EOF
		})
	}
	inner := xmlstream.Wrap(payload, xml.StartElement{Name: xml.Name{Local: s.Err, Space: ns.Streams}})
	return xmlstream.Wrap(
		inner,
		xml.StartElement{
			Name: xml.Name{Local: "error", Space: ns.Stream},
		},
	)
}
