// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"mellium.im/client/stanza"
)

// Identifiers of the modules registered by New. Extension packages document
// their own identifiers.
const (
	ModuleAuth    = "auth"
	ModuleBind    = "bind"
	ModuleSession = "session"
	ModuleSM      = "sm"
	ModuleStream  = "stream"

	// ModulePing and ModuleDisco are reserved for the optional ping and
	// service discovery modules. The session treats their presence as a
	// capability.
	ModulePing  = "ping"
	ModuleDisco = "disco"
)

// A Module handles a slice of the protocol on behalf of a session.
//
// Criteria reports whether the module wants to process the given stanza; it
// must be cheap and must not mutate the stanza. Process handles a stanza for
// which Criteria returned true; it runs on the session's task queue and must
// return control promptly. Returning a stanza.Error causes an error reply
// with that condition to be sent; returning any other error sends an
// undefined-condition reply.
//
// Features returns the feature URIs the module advertises, eg. via service
// discovery.
type Module interface {
	Criteria(st *stanza.Stanza) bool
	Process(st *stanza.Stanza, s *Session) error
	Features() []string
}

// IncomingFilter is implemented by modules that want to observe or absorb
// inbound stanzas before routing. Filters run in module registration order;
// returning true consumes the stanza and stops all further processing.
type IncomingFilter interface {
	FilterIncoming(st *stanza.Stanza, s *Session) (consumed bool)
}

// OutgoingFilter is implemented by modules that want to observe or rewrite
// outbound stanzas before they are serialized. Filters run in module
// registration order and must not block or re-enter the session.
type OutgoingFilter interface {
	FilterOutgoing(st *stanza.Stanza, s *Session)
}

// Lifecycle is implemented by modules that need stream lifetime
// notifications. StreamStarted is called after each stream header is sent,
// ConnectionRestarted when the session asks the transport to reconnect, and
// Reset when the session is unbound.
type Lifecycle interface {
	StreamStarted(s *Session)
	ConnectionRestarted(s *Session)
	Reset()
}

// Registry is an ordered collection of modules keyed by stable identifiers.
//
// A registry is populated during session setup, before Bind is called, and
// must not be modified afterwards: the session reads it without
// synchronization.
type Registry struct {
	ids     []string
	modules map[string]Module
}

// NewRegistry allocates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module under the given identifier. It panics if the
// identifier is already taken.
func (r *Registry) Register(id string, m Module) {
	if m == nil {
		panic("client: nil module registered as " + id)
	}
	if _, ok := r.modules[id]; ok {
		panic("client: multiple registrations for module " + id)
	}
	r.ids = append(r.ids, id)
	r.modules[id] = m
}

// Lookup returns the module registered under id.
func (r *Registry) Lookup(id string) (Module, bool) {
	m, ok := r.modules[id]
	return m, ok
}

// Range calls f for each module in registration order until f returns false.
func (r *Registry) Range(f func(id string, m Module) bool) {
	for _, id := range r.ids {
		if !f(id, r.modules[id]) {
			return
		}
	}
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.ids)
}
