// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"strings"

	"log/slog"

	mqtt "github.com/mochi-mqtt/client"
	"github.com/mochi-mqtt/client/transport"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPayloads bool // include message payloads (default false)
}

// Hook is a debugging hook which logs additional low-level information from the client.
type Hook struct {
	mqtt.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable client parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts", "client", opts.ClientID)
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the client starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the client stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnConnect is called when the broker acknowledges a connection.
func (h *Hook) OnConnect(ack transport.Event) {
	h.Log.Debug("<< "+strings.ToUpper(transport.Names[ack.Type]),
		"session_present", ack.SessionPresent,
		"reason", int(ack.ReasonCode),
	)
}

// OnDisconnect is called when the connection to the broker ends for any reason.
func (h *Hook) OnDisconnect(err error) {
	h.Log.Debug("connection ended", "method", "OnDisconnect", "error", err)
}

// OnPublished is called when a publish operation has been handed to the transport.
func (h *Hook) OnPublished(op transport.Operation) {
	h.Log.Debug(">> "+strings.ToUpper(transport.Names[op.Type]), h.operationMeta(op)...)
}

// OnMessage is called for every incoming application message, before routing.
func (h *Hook) OnMessage(msg transport.Message) {
	args := []any{"topic", msg.Topic, "qos", int(msg.Qos)}
	if h.config.ShowPayloads {
		args = append(args, "payload", string(msg.Payload))
	}

	h.Log.Debug("<< "+strings.ToUpper(transport.Names[transport.Publish]), args...)
}

// OnSubscribed is called when the broker acknowledges a subscription.
func (h *Hook) OnSubscribed(filter string, qos byte) {
	h.Log.Debug("subscribed", "filter", filter, "qos", int(qos))
}

// OnUnsubscribed is called when the broker acknowledges an unsubscription.
func (h *Hook) OnUnsubscribed(filter string) {
	h.Log.Debug("unsubscribed", "filter", filter)
}

// OnTokenResolved is called when a pending token reaches its terminal state.
func (h *Hook) OnTokenResolved(t *mqtt.Token, err error) {
	h.Log.Debug("token resolved", "id", t.ID, "kind", strings.ToUpper(transport.Names[t.Kind]), "error", err)
}

// OnTokenAbandoned is called for each token failed by a connection-loss sweep.
func (h *Hook) OnTokenAbandoned(t *mqtt.Token, err error) {
	h.Log.Debug("token abandoned", "id", t.ID, "kind", strings.ToUpper(transport.Names[t.Kind]), "error", err)
}

// OnCorrelationMatched is called when an incoming message is claimed by a waiter.
func (h *Hook) OnCorrelationMatched(id []byte, msg transport.Message) {
	h.Log.Debug("reply matched", "correlation", string(id), "topic", msg.Topic)
}

// OnQosPublish is called when a qos > 0 publish is issued and awaiting acknowledgement.
func (h *Hook) OnQosPublish(op transport.Operation, sent int64) {
	h.Log.Debug("inflight out", h.operationMeta(op)...)
}

// OnQosComplete is called when the qos flow for a publish has been completed.
func (h *Hook) OnQosComplete(tokenID uint32) {
	h.Log.Debug("inflight complete", "id", tokenID)
}

// operationMeta adds additional type-specific metadata to the debug logs.
func (h *Hook) operationMeta(op transport.Operation) []any {
	m := []any{"id", op.TokenID}
	switch op.Type {
	case transport.Publish:
		m = append(m, "topic", op.Message.Topic, "qos", int(op.Message.Qos))
		if h.config.ShowPayloads {
			m = append(m, "payload", string(op.Message.Payload))
		}
	case transport.Subscribe:
		m = append(m, "filter", op.Filter, "qos", int(op.Qos))
	case transport.Unsubscribe:
		m = append(m, "filter", op.Filter)
	case transport.Connect:
		m = append(m, "client", op.ClientID, "clean", op.Clean)
	}

	return m
}
