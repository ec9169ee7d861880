// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"math"
	"sync"

	"github.com/mochi-mqtt/client/transport"
)

// Tokens is the registry of in-flight operation tokens, keyed on token id.
// A token present in the registry is pending; it is removed when resolved or
// when the registry is swept on connection loss, so an id is only ever
// reused after the token holding it has fully recycled.
//
// The registry is mutated by the inbound dispatcher goroutine and by
// submitting callers; waiters observe terminal state through the token's
// closed channel, which establishes the necessary happens-before edge.
type Tokens struct {
	sync.RWMutex
	internal map[uint32]*Token // pending tokens, keyed on token id
	nextID   uint32            // the most recently issued token id
}

// NewTokens returns a new instance of a Tokens registry.
func NewTokens() *Tokens {
	return &Tokens{
		internal: map[uint32]*Token{},
	}
}

// Allocate issues a new pending token for the given operation with a fresh
// id. It never blocks. If the id space has wrapped around onto an id still
// held by a live token, allocation is refused with ErrTokenIDExhausted
// rather than reusing the id. The operation is recorded on the token before
// the token is published into the registry, so a concurrent sweep always
// observes a fully formed token.
func (x *Tokens) Allocate(op transport.Operation) (*Token, error) {
	x.Lock()
	defer x.Unlock()

	id := x.nextID + 1
	if id == 0 || x.nextID == math.MaxUint32 {
		id = 1 // 0 is reserved so an ack with a zero token id never matches
	}

	if _, ok := x.internal[id]; ok {
		return nil, ErrTokenIDExhausted
	}

	x.nextID = id
	op.TokenID = id
	t := newToken(op)
	x.internal[id] = t

	return t, nil
}

// Resolve transitions the token with the given id to its terminal state and
// removes it from the registry. Resolving an id which is not pending (e.g. a
// duplicate acknowledgement after a network retry) is a no-op which reports
// ErrTokenAlreadyResolved; the stored result of the original resolution is
// never altered.
func (x *Tokens) Resolve(id uint32, ack transport.Event, err error) (*Token, error) {
	x.Lock()
	t, ok := x.internal[id]
	if ok {
		delete(x.internal, id)
	}
	x.Unlock()

	if !ok {
		return nil, ErrTokenAlreadyResolved
	}

	if !t.resolve(ack, err) {
		return t, ErrTokenAlreadyResolved
	}

	return t, nil
}

// AbandonAll fails every pending token with a ConnectionLostError carrying
// the given reason and empties the registry. It is called when the
// connection is lost, guaranteeing that no waiter blocks past a disconnect.
// It returns the tokens which were abandoned.
func (x *Tokens) AbandonAll(reason error) []*Token {
	x.Lock()
	defer x.Unlock()

	abandoned := make([]*Token, 0, len(x.internal))
	for id, t := range x.internal {
		t.resolve(transport.Event{}, &ConnectionLostError{Reason: reason})
		abandoned = append(abandoned, t)
		delete(x.internal, id)
	}

	return abandoned
}

// Get returns a pending token by id.
func (x *Tokens) Get(id uint32) (*Token, bool) {
	x.RLock()
	defer x.RUnlock()
	t, ok := x.internal[id]
	return t, ok
}

// Len returns the number of pending tokens.
func (x *Tokens) Len() int {
	x.RLock()
	defer x.RUnlock()
	return len(x.internal)
}
