// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package storage contains the storable record types shared by the
// persistent session-state hooks. Persistence itself is a pluggable
// collaborator of the client core: hooks record subscriptions and
// unacknowledged publishes so a session can be restored after reconnect.
package storage

import (
	"encoding/json"
	"errors"

	"github.com/mochi-mqtt/client/transport"
)

const (
	SubscriptionKey = "SUB" // unique key to denote subscriptions in a store
	InflightKey     = "IFM" // unique key to denote inflight messages in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Subscription is a storable representation of a client subscription.
type Subscription struct {
	T      string `json:"t,omitempty"`
	ID     string `json:"id,omitempty"` // the storage key
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of an unacknowledged outbound
// publish, so it can be re-sent (with the dup flag) after a reconnect.
type Message struct {
	Properties transport.Properties `json:"properties"`
	Payload    []byte               `json:"payload"`
	T          string               `json:"t,omitempty"`
	ID         string               `json:"id,omitempty"`      // the storage key
	Topic      string               `json:"topic"`             // the topic the message was sent to
	Created    int64                `json:"created,omitempty"` // the time the message was created in unixtime
	Sent       int64                `json:"sent,omitempty"`    // the last time the message was sent in unixtime
	TokenID    uint32               `json:"token_id,omitempty"`
	Qos        byte                 `json:"qos"`
	Retain     bool                 `json:"retain,omitempty"`
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// ToMessage converts a storage.Message back to a transport message.
func (d *Message) ToMessage() transport.Message {
	m := transport.Message{
		Topic:      d.Topic,
		Payload:    d.Payload,
		Qos:        d.Qos,
		Retain:     d.Retain,
		Properties: d.Properties,
	}

	// Return a deep copy so held slices do not alias the stored record.
	return m.Copy()
}
