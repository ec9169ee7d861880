// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"sync"

	"github.com/mochi-mqtt/client/transport"
)

// Reply is the one-shot future for a correlated reply message. Like Token it
// has a single terminal transition shared by all access modes.
type Reply struct {
	msg  transport.Message // the matched reply message
	err  error             // the terminal error, nil on success
	done chan struct{}     // closed exactly once on completion
	once sync.Once         // guards the terminal transition
	id   string            // the correlation id the waiter is registered under
}

func newReply(id string) *Reply {
	return &Reply{
		id:   id,
		done: make(chan struct{}),
	}
}

// complete transitions the reply to its terminal state exactly once.
func (r *Reply) complete(msg transport.Message, err error) {
	r.once.Do(func() {
		r.msg = msg
		r.err = err
		close(r.done)
	})
}

// Done returns a channel which is closed when the reply completes.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the reply completes, returning the matched message or
// the terminal error.
func (r *Reply) Wait() (transport.Message, error) {
	<-r.done
	return r.msg, r.err
}

// WaitContext blocks until the reply completes or the context is done. A
// context error abandons only the wait; the registration remains in place
// until matched, overridden, or swept on connection loss.
func (r *Reply) WaitContext(ctx context.Context) (transport.Message, error) {
	select {
	case <-r.done:
		return r.msg, r.err
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

// Resolved returns true if the reply has reached its terminal state.
func (r *Reply) Resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Correlator matches incoming messages carrying correlation data against
// registered one-shot waiters. Each correlation id has at most one
// outstanding waiter; ordering across different ids is not defined.
type Correlator struct {
	sync.RWMutex
	internal map[string]*Reply // registered waiters, keyed on correlation id
}

// NewCorrelator returns a new instance of a Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		internal: map[string]*Reply{},
	}
}

// Expect registers a one-shot waiter for the given correlation id. If the id
// already has a pending waiter, registration fails with
// ErrDuplicateCorrelation; reuse while pending is a programmer error, not a
// silent merge.
func (c *Correlator) Expect(id []byte) (*Reply, error) {
	if len(id) == 0 {
		return nil, ErrMissingCorrelationID
	}

	c.Lock()
	defer c.Unlock()

	key := string(id)
	if _, ok := c.internal[key]; ok {
		return nil, ErrDuplicateCorrelation
	}

	r := newReply(key)
	c.internal[key] = r
	return r, nil
}

// ExpectOverride registers a waiter for the given correlation id, replacing
// any existing registration. The prior waiter, if any, is completed with
// ErrCorrelationReplaced rather than left to hang.
func (c *Correlator) ExpectOverride(id []byte) (*Reply, error) {
	if len(id) == 0 {
		return nil, ErrMissingCorrelationID
	}

	c.Lock()
	defer c.Unlock()

	key := string(id)
	if prior, ok := c.internal[key]; ok {
		prior.complete(transport.Message{}, ErrCorrelationReplaced)
	}

	r := newReply(key)
	c.internal[key] = r
	return r, nil
}

// Match delivers an incoming message to the waiter registered for its
// correlation data, if any, removing the registration (one-shot). It returns
// whether a waiter consumed the message, so the dispatcher can route
// unmatched messages to the generic queue instead. A miss does not consume
// or disturb any registration.
func (c *Correlator) Match(msg transport.Message) bool {
	if len(msg.Properties.CorrelationData) == 0 {
		return false
	}

	c.Lock()
	key := string(msg.Properties.CorrelationData)
	r, ok := c.internal[key]
	if ok {
		delete(c.internal, key)
	}
	c.Unlock()

	if !ok {
		return false
	}

	r.complete(msg, nil)
	return true
}

// Forget removes the waiter registered for the given correlation id, if any,
// completing it with the given error so no caller blocks on it. It returns
// whether a registration was removed.
func (c *Correlator) Forget(id []byte, err error) bool {
	c.Lock()
	key := string(id)
	r, ok := c.internal[key]
	if ok {
		delete(c.internal, key)
	}
	c.Unlock()

	if !ok {
		return false
	}

	r.complete(transport.Message{}, err)
	return true
}

// AbandonAll fails every registered waiter with a ConnectionLostError
// carrying the given reason and empties the correlator. It returns the
// number of waiters abandoned.
func (c *Correlator) AbandonAll(reason error) int {
	c.Lock()
	defer c.Unlock()

	n := len(c.internal)
	for key, r := range c.internal {
		r.complete(transport.Message{}, &ConnectionLostError{Reason: reason})
		delete(c.internal, key)
	}

	return n
}

// Len returns the number of registered waiters.
func (c *Correlator) Len() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.internal)
}
