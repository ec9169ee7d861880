// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"sync"

	"github.com/mochi-mqtt/client/transport"
)

// Queue is the FIFO queue of received application messages not claimed by
// any correlation waiter. It is unbounded by default; when a capacity is
// configured the producer blocks when the queue is full (backpressure,
// rather than dropping the oldest message). After Close, consumers drain the
// remaining backlog and then receive ErrQueueClosed instead of blocking
// forever.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	internal []transport.Message // queued messages, oldest first
	capacity int                 // maximum queued messages, 0 for unbounded
	closed   bool
}

// NewQueue returns a new instance of a Queue. A capacity of 0 means the
// queue is unbounded.
func NewQueue(capacity int) *Queue {
	q := &Queue{
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a message, blocking while the queue is at capacity. It
// returns ErrQueueClosed if the queue is closed before the message is
// accepted.
func (q *Queue) Push(msg transport.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.capacity > 0 && len(q.internal) >= q.capacity && !q.closed {
		q.cond.Wait()
	}

	if q.closed {
		return ErrQueueClosed
	}

	q.internal = append(q.internal, msg)
	q.cond.Broadcast()
	return nil
}

// Pop removes and returns the oldest message, blocking while the queue is
// empty. Once the queue is closed and drained it returns ErrQueueClosed.
func (q *Queue) Pop() (transport.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.internal) == 0 && !q.closed {
		q.cond.Wait()
	}

	return q.pop()
}

// PopContext behaves as Pop but also unblocks with the context error when
// the context is done.
func (q *Queue) PopContext(ctx context.Context) (transport.Message, error) {
	// Waking the condition on context expiry lets waiters re-check ctx.Err.
	stop := context.AfterFunc(ctx, q.cond.Broadcast)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.internal) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return transport.Message{}, err
		}
		q.cond.Wait()
	}

	return q.pop()
}

// pop removes the head of the queue. Callers must hold the lock.
func (q *Queue) pop() (transport.Message, error) {
	if len(q.internal) == 0 {
		return transport.Message{}, ErrQueueClosed
	}

	msg := q.internal[0]
	q.internal = q.internal[1:]
	q.cond.Broadcast()
	return msg, nil
}

// TryPop removes and returns the oldest message without blocking. The bool
// reports whether a message was returned.
func (q *Queue) TryPop() (transport.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.internal) == 0 {
		return transport.Message{}, false
	}

	msg, _ := q.pop()
	return msg, true
}

// Close marks the end of the message stream. Messages already queued remain
// available to consumers; blocked producers and consumers are woken. It is
// safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.internal)
}
