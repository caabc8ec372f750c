// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"errors"
	"time"

	"mellium.im/client/jid"
	"mellium.im/client/stanza"
)

// Errors passed to response callbacks when no response will ever arrive.
var (
	// ErrTimeout is passed to a response callback when the request deadline
	// expires.
	ErrTimeout = errors.New("client: request timed out")

	// ErrSessionClosed is passed to outstanding response callbacks when the
	// session is torn down.
	ErrSessionClosed = errors.New("client: session closed")
)

// Callback receives the response to a request stanza. Exactly one of resp and
// err is set. Callbacks are invoked on the session's task queue and must not
// block.
type Callback func(resp *stanza.Stanza, err error)

type pending struct {
	id       string
	to       *jid.JID
	f        Callback
	deadline time.Time
}

// tracker correlates outbound requests with inbound responses by id and
// normalized sender address. All methods must be called from the session's
// task queue.
type tracker struct {
	timeout time.Duration
	entries map[string][]*pending
}

func newTracker(timeout time.Duration) *tracker {
	return &tracker{
		timeout: timeout,
		entries: make(map[string][]*pending),
	}
}

func (t *tracker) insert(id string, to *jid.JID, f Callback, now time.Time) {
	t.entries[id] = append(t.entries[id], &pending{
		id:       id,
		to:       to,
		f:        f,
		deadline: now.Add(t.timeout),
	})
}

// take removes and returns the callback matching the given response stanza.
// Response correlation is a pure function of the stanza's id and normalized
// from address: after a successful take the same entry can never match again.
func (t *tracker) take(st *stanza.Stanza, origin *jid.JID) (Callback, bool) {
	if !st.IsIQ() || !st.IsResponse() || st.ID == "" {
		return nil, false
	}
	list := t.entries[st.ID]
	for i, p := range list {
		if !remoteMatches(p.to, st.From, origin) {
			continue
		}
		t.remove(st.ID, i)
		return p.f, true
	}
	return nil, false
}

func (t *tracker) remove(id string, i int) {
	list := t.entries[id]
	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(t.entries, id)
	} else {
		t.entries[id] = list
	}
}

// remoteMatches reports whether a response from the given sender answers a
// request sent to the given address. A response with no from attribute comes
// from the user's own server and answers requests addressed to the server,
// the account's bare JID, or nothing at all.
func remoteMatches(to, from, origin *jid.JID) bool {
	if from == nil {
		return to == nil || to.Equal(origin.Bare()) || to.Equal(origin.Domain())
	}
	if to == nil {
		return from.Equal(origin.Bare()) || from.Equal(origin.Domain())
	}
	if to.Equal(from) {
		return true
	}
	// A request to a bare JID may legitimately be answered by one of that
	// account's resources.
	return to.Resourcepart() == "" && to.Equal(from.Bare())
}

// expire removes all entries whose deadline has passed and returns their
// callbacks.
func (t *tracker) expire(now time.Time) []Callback {
	var expired []Callback
	for id, list := range t.entries {
		kept := list[:0]
		for _, p := range list {
			if p.deadline.After(now) {
				kept = append(kept, p)
				continue
			}
			expired = append(expired, p.f)
		}
		if len(kept) == 0 {
			delete(t.entries, id)
		} else {
			t.entries[id] = kept
		}
	}
	return expired
}

// failAll removes every entry and returns all callbacks. It is used at
// session teardown so that the table is empty whenever the session is
// disconnected.
func (t *tracker) failAll() []Callback {
	var all []Callback
	for _, list := range t.entries {
		for _, p := range list {
			all = append(all, p.f)
		}
	}
	t.entries = make(map[string][]*pending)
	return all
}

func (t *tracker) len() int {
	n := 0
	for _, list := range t.entries {
		n += len(list)
	}
	return n
}
