// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package redis provides a redis-backed session-state hook, persisting
// subscriptions and unacknowledged publishes between connections.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/go-redis/redis/v8"

	mqtt "github.com/mochi-mqtt/client"
	"github.com/mochi-mqtt/client/hooks/storage"
	"github.com/mochi-mqtt/client/transport"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by the client.
const defaultHPrefix = "mochi-"

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix string `yaml:"h_prefix" json:"h_prefix"`
	Options *redis.Options
}

// Hook is a persistent session-state hook using redis as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options        // options for connecting to the redis instance.
	db     *redis.Client   // the redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.StoredSubscriptions,
		mqtt.StoredInflightMessages,
	}, []byte{b})
}

// hKey returns a hash set key with a unique prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// clientID returns the client id the hook was initialised with.
func (h *Hook) clientID() string {
	if h.Opts == nil {
		return ""
	}
	return h.Opts.ClientID
}

// subscriptionKey returns a primary key for a subscription.
func (h *Hook) subscriptionKey(filter string) string {
	return h.clientID() + ":" + filter
}

// inflightKey returns a primary key for an unacknowledged publish.
func (h *Hook) inflightKey(tokenID uint32) string {
	return h.clientID() + ":" + strconv.FormatUint(uint64(tokenID), 10)
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = &Options{
			Options: &redis.Options{
				Addr: defaultAddr,
			},
		}
	}

	h.config = config.(*Options)
	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(context.Background()).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	h.Log.Info("disconnecting from redis service")
	return h.db.Close()
}

// OnSubscribed adds an acknowledged subscription to the store.
func (h *Hook) OnSubscribed(filter string, qos byte) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.Subscription{
		ID:     h.subscriptionKey(filter),
		T:      storage.SubscriptionKey,
		Filter: filter,
		Qos:    qos,
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.SubscriptionKey), in.ID, in).Err()
	if err != nil {
		h.Log.Error("failed to hset subscription data", "error", err, "data", in)
	}
}

// OnUnsubscribed removes a subscription from the store.
func (h *Hook) OnUnsubscribed(filter string) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.SubscriptionKey), h.subscriptionKey(filter)).Err()
	if err != nil {
		h.Log.Error("failed to delete subscription data", "error", err, "id", h.subscriptionKey(filter))
	}
}

// OnQosPublish adds an unacknowledged qos > 0 publish to the store.
func (h *Hook) OnQosPublish(op transport.Operation, sent int64) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.Message{
		ID:         h.inflightKey(op.TokenID),
		T:          storage.InflightKey,
		TokenID:    op.TokenID,
		Topic:      op.Message.Topic,
		Payload:    op.Message.Payload,
		Qos:        op.Message.Qos,
		Retain:     op.Message.Retain,
		Properties: op.Message.Properties,
		Sent:       sent,
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.InflightKey), in.ID, in).Err()
	if err != nil {
		h.Log.Error("failed to hset qos inflight message data", "error", err, "data", in)
	}
}

// OnQosComplete removes an acknowledged publish from the store.
func (h *Hook) OnQosComplete(tokenID uint32) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.InflightKey), h.inflightKey(tokenID)).Err()
	if err != nil {
		h.Log.Error("failed to delete inflight message data", "error", err, "id", h.inflightKey(tokenID))
	}
}

// StoredSubscriptions returns all stored subscriptions from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SubscriptionKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll subscription data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Subscription
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal subscription data", "error", err, "data", row)
		}

		v = append(v, d)
	}

	return v, nil
}

// StoredInflightMessages returns all stored unacknowledged publishes from the store.
func (h *Hook) StoredInflightMessages() (v []storage.Message, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.InflightKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll inflight message data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Message
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal inflight message data", "error", err, "data", row)
		}

		v = append(v, d)
	}

	return v, nil
}
