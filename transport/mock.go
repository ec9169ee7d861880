// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"fmt"
	"sync"
)

// MockTransport is a mock transport for testing the client core without a
// network. Sent operations are recorded and can be inspected, and inbound
// events can be injected with Deliver.
type MockTransport struct {
	sync.RWMutex
	sent    []Operation // operations passed to Send, in order
	events  chan Event
	ErrSend bool // throw an error on send
	AutoAck bool // synthesize a matching acknowledgement for each sent operation
	closed  bool
}

// NewMockTransport returns a new instance of MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		events: make(chan Event, 128),
	}
}

// Send records an outbound operation, and acknowledges it if AutoAck is set.
func (t *MockTransport) Send(op Operation) error {
	t.Lock()
	defer t.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	if t.ErrSend {
		return fmt.Errorf("send failure")
	}

	t.sent = append(t.sent, op)

	if t.AutoAck {
		switch op.Type {
		case Connect:
			t.events <- Event{Type: Connack, TokenID: op.TokenID}
		case Publish:
			if op.Message.Qos > 0 {
				t.events <- Event{Type: Puback, TokenID: op.TokenID}
			}
		case Subscribe:
			t.events <- Event{Type: Suback, TokenID: op.TokenID}
		case Unsubscribe:
			t.events <- Event{Type: Unsuback, TokenID: op.TokenID}
		}
	}

	return nil
}

// Events returns the channel on which inbound events are delivered.
func (t *MockTransport) Events() <-chan Event {
	return t.events
}

// Deliver injects an inbound event, as though it arrived from the broker.
func (t *MockTransport) Deliver(ev Event) {
	t.RLock()
	defer t.RUnlock()
	if !t.closed {
		t.events <- ev
	}
}

// Sent returns a copy of all operations passed to Send so far.
func (t *MockTransport) Sent() []Operation {
	t.RLock()
	defer t.RUnlock()
	return append([]Operation{}, t.sent...)
}

// LastSent returns the most recently sent operation.
func (t *MockTransport) LastSent() (Operation, bool) {
	t.RLock()
	defer t.RUnlock()
	if len(t.sent) == 0 {
		return Operation{}, false
	}
	return t.sent[len(t.sent)-1], true
}

// Close ends the event stream. It is safe to call more than once.
func (t *MockTransport) Close() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}
