// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package ws provides a websocket transport which frames encoded operations
// as binary websocket messages. Packet encoding and decoding remains the
// responsibility of a caller-supplied Codec.
package ws

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/mochi-mqtt/client/transport"
)

var (
	// ErrInvalidMessage indicates that a websocket frame was not binary.
	ErrInvalidMessage = errors.New("message type not binary")
)

// Codec encodes outbound operations to wire bytes and decodes inbound wire
// bytes to events. Implementations live outside this module.
type Codec interface {
	EncodeOperation(op transport.Operation) ([]byte, error)
	DecodeEvent(b []byte) (transport.Event, error)
}

// Transport is a websocket-backed transport.
type Transport struct {
	conn   *websocket.Conn
	codec  Codec
	log    *slog.Logger
	events chan transport.Event
	end    uint32 // ensure the close methods are only called once
}

// Dial connects to a broker websocket endpoint and begins reading events.
func Dial(url string, codec Codec, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}

	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{"mqtt"}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		conn:   conn,
		codec:  codec,
		log:    log,
		events: make(chan transport.Event, 128),
	}

	go t.readLoop()
	return t, nil
}

// Send encodes and writes an operation as a binary websocket message.
func (t *Transport) Send(op transport.Operation) error {
	if atomic.LoadUint32(&t.end) == 1 {
		return transport.ErrTransportClosed
	}

	b, err := t.codec.EncodeOperation(op)
	if err != nil {
		return err
	}

	return t.conn.WriteMessage(websocket.BinaryMessage, b)
}

// Events returns the channel on which inbound events are delivered.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// readLoop reads websocket frames and forwards decoded events until the
// connection ends, then emits a final Disconnect event and closes the stream.
func (t *Transport) readLoop() {
	defer func() {
		close(t.events)
		_ = t.Close()
	}()

	for {
		mt, b, err := t.conn.ReadMessage()
		if err != nil {
			if atomic.LoadUint32(&t.end) == 0 {
				t.events <- transport.Event{Type: transport.Disconnect, Reason: err}
			}
			return
		}

		if mt != websocket.BinaryMessage {
			t.log.Warn("dropping frame", "error", ErrInvalidMessage)
			continue
		}

		ev, err := t.codec.DecodeEvent(b)
		if err != nil {
			t.log.Warn("dropping undecodable frame", "error", err)
			continue
		}

		t.events <- ev
		if ev.Type == transport.Disconnect {
			return
		}
	}
}

// Close closes the websocket connection. It is safe to call more than once.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapUint32(&t.end, 0, 1) {
		return nil
	}

	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
