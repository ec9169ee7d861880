// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package transport defines the boundary between the client core and the
// underlying network/codec layer. The transport delivers a serial stream of
// typed inbound events and accepts typed outbound operations; wire encoding,
// sockets and TLS all live behind the Transport interface.
package transport

import (
	"errors"
	"fmt"
)

// Event and Operation types use the MQTT control packet type values.
const (
	Reserved byte = iota
	Connect
	Connack
	Publish
	Puback
	Pubrec
	Pubrel
	Pubcomp
	Subscribe
	Suback
	Unsubscribe
	Unsuback
	Pingreq
	Pingresp
	Disconnect
)

var (
	// ErrTransportClosed is returned when sending on a transport which has been closed.
	ErrTransportClosed = errors.New("transport closed")
)

// Names is a map of event and operation types to printable names, used in log output.
var Names = map[byte]string{
	0:  "Reserved",
	1:  "Connect",
	2:  "Connack",
	3:  "Publish",
	4:  "Puback",
	5:  "Pubrec",
	6:  "Pubrel",
	7:  "Pubcomp",
	8:  "Subscribe",
	9:  "Suback",
	10: "Unsubscribe",
	11: "Unsuback",
	12: "Pingreq",
	13: "Pingresp",
	14: "Disconnect",
}

// UserProperty is an arbitrary key-value pair carried in message properties.
type UserProperty struct {
	Key string `json:"k"`
	Val string `json:"v"`
}

// Properties contains a limited subset of the mqtt v5 properties which are
// meaningful to the client core, most importantly the response topic and
// correlation data used for request/reply workflows.
type Properties struct {
	CorrelationData []byte         `json:"correlationData,omitempty"`
	User            []UserProperty `json:"user,omitempty"`
	ContentType     string         `json:"contentType,omitempty"`
	ResponseTopic   string         `json:"responseTopic,omitempty"`
	MessageExpiry   uint32         `json:"messageExpiry,omitempty"`
}

// Message is an application message, either received from the broker or
// queued for publishing.
type Message struct {
	Properties Properties `json:"properties"`
	Payload    []byte     `json:"payload"`
	Topic      string     `json:"topic"`
	Qos        byte       `json:"qos"`
	Retain     bool       `json:"retain"`
}

// Copy returns a deep copy of the message, so held payload and property
// slices do not alias the transport's buffers.
func (m Message) Copy() Message {
	out := m
	if m.Payload != nil {
		out.Payload = append([]byte{}, m.Payload...)
	}
	if m.Properties.CorrelationData != nil {
		out.Properties.CorrelationData = append([]byte{}, m.Properties.CorrelationData...)
	}
	if m.Properties.User != nil {
		out.Properties.User = append([]UserProperty{}, m.Properties.User...)
	}
	return out
}

// Event is a single inbound protocol event delivered by the transport.
// Exactly one event value is meaningful per Type: acknowledgements carry the
// token id of the operation they acknowledge, Publish events carry a message,
// and Disconnect events carry the reason the connection ended.
type Event struct {
	Reason           error   // reason the connection was lost (Disconnect only)
	Message          Message // the received application message (Publish only)
	AssignedClientID string  // server-assigned client id (Connack only)
	Type             byte    // the event type, one of the control packet type values
	TokenID          uint32  // id of the operation being acknowledged (acks only)
	ReasonCode       byte    // >= 0x80 indicates a negative acknowledgement
	SessionPresent   bool    // an existing session was resumed (Connack only)
}

// String returns a printable representation of the event for log output.
func (ev Event) String() string {
	return fmt.Sprintf("%s (token=%d, code=0x%02x)", Names[ev.Type], ev.TokenID, ev.ReasonCode)
}

// Operation is a single outbound operation handed to the transport for
// encoding and sending. The token id is assigned by the client core and is
// echoed back by the broker in the matching acknowledgement event.
type Operation struct {
	Will      *Message // will message registered with the broker (Connect only)
	Message   Message  // the message to publish (Publish only)
	ClientID  string   // the client identifier (Connect only)
	Filter    string   // the topic filter (Subscribe/Unsubscribe only)
	Type      byte     // the operation type, one of the control packet type values
	TokenID   uint32   // locally assigned id for acknowledgement matching
	KeepAlive uint16   // connection keepalive in seconds (Connect only)
	Qos       byte     // requested qos (Subscribe only)
	Clean     bool     // request a clean session (Connect only)
	Dup       bool     // the message is a re-send of an unacknowledged publish
}

// Transport is the interface to the external network/codec layer. Events
// must be delivered on a single channel in the order they arrive from the
// broker; the channel must be closed when no further events will be
// delivered (normally after a Disconnect event).
type Transport interface {
	Send(op Operation) error
	Events() <-chan Event
	Close() error
}
