// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for various client statistics.
type Info struct {
	Version             string `json:"version"`              // the current version of the client
	Started             int64  `json:"started"`              // the time the client was created in unix seconds
	TokensIssued        int64  `json:"tokens_issued"`        // total number of operation tokens allocated
	TokensResolved      int64  `json:"tokens_resolved"`      // total number of tokens resolved by acknowledgements
	TokensAbandoned     int64  `json:"tokens_abandoned"`     // total number of tokens failed by connection-loss sweeps
	MessagesReceived    int64  `json:"messages_received"`    // total number of application messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish operations sent
	MessagesQueued      int64  `json:"messages_queued"`      // total number of messages routed to the inbound queue
	CorrelationMatched  int64  `json:"correlation_matched"`  // total number of messages claimed by correlation waiters
	CorrelationMissed   int64  `json:"correlation_missed"`   // total number of correlated messages with no waiter
	AcksUnmatched       int64  `json:"acks_unmatched"`       // total number of acknowledgements which matched no pending token
	Subscriptions       int64  `json:"subscriptions"`        // number of active subscriptions
	Inflight            int64  `json:"inflight"`             // the number of operations currently in-flight
	PacketsReceived     int64  `json:"packets_received"`     // the total number of events received from the transport
	PacketsSent         int64  `json:"packets_sent"`         // the total number of operations handed to the transport
	ConnectionsLost     int64  `json:"connections_lost"`     // total number of times the connection was lost
}

// Clone makes a copy of Info using atomic operations.
func (i *Info) Clone() *Info {
	return &Info{
		Version:            i.Version,
		Started:            atomic.LoadInt64(&i.Started),
		TokensIssued:       atomic.LoadInt64(&i.TokensIssued),
		TokensResolved:     atomic.LoadInt64(&i.TokensResolved),
		TokensAbandoned:    atomic.LoadInt64(&i.TokensAbandoned),
		MessagesReceived:   atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:       atomic.LoadInt64(&i.MessagesSent),
		MessagesQueued:     atomic.LoadInt64(&i.MessagesQueued),
		CorrelationMatched: atomic.LoadInt64(&i.CorrelationMatched),
		CorrelationMissed:  atomic.LoadInt64(&i.CorrelationMissed),
		AcksUnmatched:      atomic.LoadInt64(&i.AcksUnmatched),
		Subscriptions:      atomic.LoadInt64(&i.Subscriptions),
		Inflight:           atomic.LoadInt64(&i.Inflight),
		PacketsReceived:    atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:        atomic.LoadInt64(&i.PacketsSent),
		ConnectionsLost:    atomic.LoadInt64(&i.ConnectionsLost),
	}
}

// RegisterPrometheusMetrics registers the client counters with a prometheus registry.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "tokens_issued", "A counter of total number of operation tokens allocated", &i.TokensIssued},
		{"c", "tokens_resolved", "A counter of total number of tokens resolved by acknowledgements", &i.TokensResolved},
		{"c", "tokens_abandoned", "A counter of total number of tokens failed by connection-loss sweeps", &i.TokensAbandoned},
		{"c", "messages_received", "A counter of total number of application messages received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of publish operations sent", &i.MessagesSent},
		{"c", "messages_queued", "A counter of total number of messages routed to the inbound queue", &i.MessagesQueued},
		{"c", "correlation_matched", "A counter of total number of messages claimed by correlation waiters", &i.CorrelationMatched},
		{"c", "correlation_missed", "A counter of total number of correlated messages with no waiter", &i.CorrelationMissed},
		{"c", "acks_unmatched", "A counter of total number of acknowledgements which matched no pending token", &i.AcksUnmatched},
		{"g", "subscriptions", "A gauge of number of active subscriptions", &i.Subscriptions},
		{"g", "inflight", "A gauge of the number of operations currently in-flight", &i.Inflight},
		{"c", "packets_received", "A counter of the total number of events received from the transport", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of operations handed to the transport", &i.PacketsSent},
		{"c", "connections_lost", "A counter of total number of times the connection was lost", &i.ConnectionsLost},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(
				prometheus.NewCounterFunc(
					prometheus.CounterOpts{
						Name: m.name,
						Help: m.help,
					},
					fn,
				),
			)
		case "g":
			registry.MustRegister(
				prometheus.NewGaugeFunc(
					prometheus.GaugeOpts{
						Name: m.name,
						Help: m.help,
					},
					fn,
				),
			)
		}
	}
}
