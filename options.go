// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"log/slog"
	"os"

	"github.com/rs/xid"
)

// Will contains a will message to be registered with the broker on connect.
// The broker publishes it on the client's behalf if the connection ends
// unexpectedly.
type Will struct {
	Payload       []byte `yaml:"payload" json:"payload"`
	Topic         string `yaml:"topic" json:"topic"`
	DelayInterval uint32 `yaml:"delay_interval" json:"delay_interval"`
	Qos           byte   `yaml:"qos" json:"qos"`
	Retain        bool   `yaml:"retain" json:"retain"`
}

// Options contains configurable options for the client.
type Options struct {
	// Hooks specifies any hooks which should be dynamically added on creation. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"-" json:"-"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the client's default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// Will specifies an optional will message registered with the broker on connect.
	Will *Will `yaml:"will" json:"will"`

	// ClientID is the client identifier presented to the broker. A unique id
	// is generated if none is set.
	ClientID string `yaml:"client_id" json:"client_id"`

	// ReplyTopic is the base topic for request/reply responses. Defaults to
	// "reply/<client_id>".
	ReplyTopic string `yaml:"reply_topic" json:"reply_topic"`

	// QueueCapacity limits the number of received messages held in the
	// inbound queue; the dispatcher blocks when the queue is full. 0 means
	// the queue is unbounded.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// MaximumInflight limits the number of concurrent unacknowledged
	// qos > 0 publishes; further publishes block until quota is released.
	MaximumInflight int64 `yaml:"maximum_inflight" json:"maximum_inflight"`

	// KeepAlive is the connection keepalive in seconds, carried in the
	// connect operation for the transport layer.
	KeepAlive uint16 `yaml:"keep_alive" json:"keep_alive"`

	// Clean requests a clean session on connect.
	Clean bool `yaml:"clean" json:"clean"`
}

// ensureDefaults ensures that the client starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.ClientID == "" {
		o.ClientID = xid.New().String()
	}

	if o.ReplyTopic == "" {
		o.ReplyTopic = "reply/" + o.ClientID
	}

	if o.MaximumInflight == 0 {
		o.MaximumInflight = 1024 * 8
	}

	if o.KeepAlive == 0 {
		o.KeepAlive = 60
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}
