// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/mochi-mqtt/client/transport"
)

// Token is the handle for one outstanding asynchronous operation. It has a
// single terminal transition from pending to resolved, observable through
// blocking waits, channel-based awaits, and non-blocking polls; all three
// access modes share the same terminal-state cell.
//
// Abandoning a wait (via timeout or context cancellation) detaches only the
// local wait. The operation itself is not cancellable once sent, and the
// token remains pending in the registry until it is genuinely resolved or
// swept on connection loss.
type Token struct {
	ack     transport.Event     // the acknowledgement event which resolved the token
	op      transport.Operation // the operation the token was issued for
	err     error               // the terminal error, nil on success
	done    chan struct{}   // closed exactly once on resolution
	once    sync.Once       // guards the terminal transition
	Created int64           // the time the token was allocated, in unixtime
	ID      uint32          // the locally unique operation id
	Kind    byte            // the operation type, one of the transport type values
}

func newToken(op transport.Operation) *Token {
	return &Token{
		ID:      op.TokenID,
		Kind:    op.Type,
		op:      op,
		Created: time.Now().Unix(),
		done:    make(chan struct{}),
	}
}

// resolve transitions the token to its terminal state. It returns true if
// this call performed the transition, and false if the token was already
// resolved, in which case the stored result is unchanged.
func (t *Token) resolve(ack transport.Event, err error) bool {
	var won bool
	t.once.Do(func() {
		t.ack = ack
		t.err = err
		close(t.done)
		won = true
	})
	return won
}

// Done returns a channel which is closed when the token resolves. It can be
// used in a select to await resolution alongside other events.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the token resolves and returns the terminal error,
// which is nil on success.
func (t *Token) Wait() error {
	<-t.done
	return t.err
}

// WaitTimeout blocks until the token resolves or the timeout elapses. The
// returned bool reports whether the token resolved; on timeout the wait is
// detached but the operation remains pending.
func (t *Token) WaitTimeout(d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.done:
		return true, t.err
	case <-timer.C:
		return false, nil
	}
}

// WaitContext blocks until the token resolves or the context is done. A
// context error abandons only the wait, not the operation.
func (t *Token) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved returns true if the token has reached its terminal state. It
// never blocks and has no side effects.
func (t *Token) Resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Error returns the terminal error of the token, or nil if the token is
// still pending or resolved successfully. Use Resolved to distinguish the
// two nil cases.
func (t *Token) Error() error {
	if !t.Resolved() {
		return nil
	}
	return t.err
}

// Ack returns the acknowledgement event which resolved the token, if the
// token resolved successfully. Connect tokens use this to expose session
// state and the server-assigned client id.
func (t *Token) Ack() (transport.Event, bool) {
	if !t.Resolved() || t.err != nil {
		return transport.Event{}, false
	}
	return t.ack, true
}
