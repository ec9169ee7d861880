// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/client/hooks/storage"
	"github.com/mochi-mqtt/client/transport"
)

const (
	SetOptions byte = iota
	OnStarted
	OnStopped
	OnConnect
	OnDisconnect
	OnPublish
	OnPublished
	OnMessage
	OnSubscribed
	OnUnsubscribed
	OnTokenResolved
	OnTokenAbandoned
	OnCorrelationMatched
	OnQosPublish
	OnQosComplete
	StoredSubscriptions
	StoredInflightMessages
)

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the client.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnConnect(ack transport.Event)
	OnDisconnect(err error)
	OnPublish(op transport.Operation) (transport.Operation, error) // modify or reject an outbound publish before it is sent
	OnPublished(op transport.Operation)                            // triggers when a publish operation has been handed to the transport
	OnMessage(msg transport.Message)
	OnSubscribed(filter string, qos byte)
	OnUnsubscribed(filter string)
	OnTokenResolved(t *Token, err error)
	OnTokenAbandoned(t *Token, err error)
	OnCorrelationMatched(id []byte, msg transport.Message)
	OnQosPublish(op transport.Operation, sent int64)
	OnQosComplete(tokenID uint32)
	StoredSubscriptions() ([]storage.Subscription, error)
	StoredInflightMessages() ([]storage.Message, error)
}

// HookOptions contains values which are inherited from the client on initialisation.
type HookOptions struct {
	ClientID string
}

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Hooks is a slice of Hook interfaces to be called in sequence.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the client)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnStarted is called when the client has been created and configured.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the client has fully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// OnConnect is called when the broker acknowledges a connection.
func (h *Hooks) OnConnect(ack transport.Event) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnect) {
			hook.OnConnect(ack)
		}
	}
}

// OnDisconnect is called when the connection to the broker ends for any reason.
func (h *Hooks) OnDisconnect(err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(err)
		}
	}
}

// OnPublish is called before an outbound publish operation is sent. A hook
// may modify the operation, or return an error to reject it. Returning
// ErrRejectPublish halts the publish without logging an error.
func (h *Hooks) OnPublish(op transport.Operation) (opx transport.Operation, err error) {
	opx = op
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublish) {
			nop, err := hook.OnPublish(opx)
			if err != nil && errors.Is(err, ErrRejectPublish) {
				h.Log.Debug("publish rejected", "hook", hook.ID(), "topic", op.Message.Topic)
				return op, err
			} else if err != nil {
				continue
			}

			opx = nop
		}
	}

	return
}

// OnPublished is called when a publish operation has been handed to the transport.
func (h *Hooks) OnPublished(op transport.Operation) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(op)
		}
	}
}

// OnMessage is called for every incoming application message, before routing.
func (h *Hooks) OnMessage(msg transport.Message) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnMessage) {
			hook.OnMessage(msg)
		}
	}
}

// OnSubscribed is called when the broker acknowledges a subscription.
func (h *Hooks) OnSubscribed(filter string, qos byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(filter, qos)
		}
	}
}

// OnUnsubscribed is called when the broker acknowledges an unsubscription.
func (h *Hooks) OnUnsubscribed(filter string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(filter)
		}
	}
}

// OnTokenResolved is called when a pending token reaches its terminal state
// via a broker acknowledgement.
func (h *Hooks) OnTokenResolved(t *Token, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnTokenResolved) {
			hook.OnTokenResolved(t, err)
		}
	}
}

// OnTokenAbandoned is called for each token failed by a connection-loss sweep.
func (h *Hooks) OnTokenAbandoned(t *Token, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnTokenAbandoned) {
			hook.OnTokenAbandoned(t, err)
		}
	}
}

// OnCorrelationMatched is called when an incoming message is claimed by a
// registered correlation waiter.
func (h *Hooks) OnCorrelationMatched(id []byte, msg transport.Message) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnCorrelationMatched) {
			hook.OnCorrelationMatched(id, msg)
		}
	}
}

// OnQosPublish is called when a qos > 0 publish is sent and awaiting
// acknowledgement, e.g. so it can be recorded in a persistent store.
func (h *Hooks) OnQosPublish(op transport.Operation, sent int64) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosPublish) {
			hook.OnQosPublish(op, sent)
		}
	}
}

// OnQosComplete is called when a qos > 0 publish has been acknowledged and
// any stored copy can be discarded.
func (h *Hooks) OnQosComplete(tokenID uint32) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosComplete) {
			hook.OnQosComplete(tokenID)
		}
	}
}

// StoredSubscriptions returns all subscriptions, e.g. from a persistent
// store, and is used to restore subscriptions after a reconnect.
func (h *Hooks) StoredSubscriptions() (v []storage.Subscription, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSubscriptions) {
			v, err := hook.StoredSubscriptions()
			if err != nil {
				h.Log.Error("failed to load subscriptions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredInflightMessages returns all unacknowledged publishes, e.g. from a
// persistent store, and is used to re-send them after a reconnect.
func (h *Hooks) StoredInflightMessages() (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredInflightMessages) {
			v, err := hook.StoredInflightMessages()
			if err != nil {
				h.Log.Error("failed to load inflight messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the client to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the client starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the client stops.
func (h *HookBase) OnStopped() {}

// OnConnect is called when the broker acknowledges a connection.
func (h *HookBase) OnConnect(ack transport.Event) {}

// OnDisconnect is called when the connection to the broker ends.
func (h *HookBase) OnDisconnect(err error) {}

// OnPublish is called before an outbound publish operation is sent.
func (h *HookBase) OnPublish(op transport.Operation) (transport.Operation, error) {
	return op, nil
}

// OnPublished is called when a publish operation has been handed to the transport.
func (h *HookBase) OnPublished(op transport.Operation) {}

// OnMessage is called for every incoming application message.
func (h *HookBase) OnMessage(msg transport.Message) {}

// OnSubscribed is called when the broker acknowledges a subscription.
func (h *HookBase) OnSubscribed(filter string, qos byte) {}

// OnUnsubscribed is called when the broker acknowledges an unsubscription.
func (h *HookBase) OnUnsubscribed(filter string) {}

// OnTokenResolved is called when a pending token reaches its terminal state.
func (h *HookBase) OnTokenResolved(t *Token, err error) {}

// OnTokenAbandoned is called for each token failed by a connection-loss sweep.
func (h *HookBase) OnTokenAbandoned(t *Token, err error) {}

// OnCorrelationMatched is called when an incoming message is claimed by a waiter.
func (h *HookBase) OnCorrelationMatched(id []byte, msg transport.Message) {}

// OnQosPublish is called when a qos > 0 publish is awaiting acknowledgement.
func (h *HookBase) OnQosPublish(op transport.Operation, sent int64) {}

// OnQosComplete is called when a qos > 0 publish has been acknowledged.
func (h *HookBase) OnQosComplete(tokenID uint32) {}

// StoredSubscriptions returns all stored subscriptions.
func (h *HookBase) StoredSubscriptions() (v []storage.Subscription, err error) {
	return
}

// StoredInflightMessages returns all stored unacknowledged publishes.
func (h *HookBase) StoredInflightMessages() (v []storage.Message, err error) {
	return
}
