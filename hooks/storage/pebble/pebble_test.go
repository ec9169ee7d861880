// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

package pebble

import (
	"io"
	"path/filepath"
	"testing"

	"log/slog"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"

	mqtt "github.com/mochi-mqtt/client"
	"github.com/mochi-mqtt/client/hooks/storage"
	"github.com/mochi-mqtt/client/transport"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHook(t *testing.T) *Hook {
	h := new(Hook)
	h.SetOpts(logger, &mqtt.HookOptions{ClientID: "tester"})

	err := h.Init(&Options{
		Path: filepath.Join(t.TempDir(), "pebble"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if h.db != nil {
			_ = h.Stop()
		}
	})

	return h
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "pebble-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnSubscribed))
	require.True(t, h.Provides(mqtt.OnUnsubscribed))
	require.True(t, h.Provides(mqtt.OnQosPublish))
	require.True(t, h.Provides(mqtt.OnQosComplete))
	require.True(t, h.Provides(mqtt.StoredSubscriptions))
	require.True(t, h.Provides(mqtt.StoredInflightMessages))
	require.False(t, h.Provides(mqtt.OnMessage))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, mqtt.ErrInvalidConfigType)
}

func TestInitMode(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(&Options{
		Path: filepath.Join(t.TempDir(), "pebble"),
		Mode: Sync,
	})
	require.NoError(t, err)
	require.Equal(t, pebbledb.Sync, h.mode)
	require.NoError(t, h.Stop())
}

func TestKeyUpperBound(t *testing.T) {
	require.Equal(t, []byte("SUC"), keyUpperBound([]byte("SUB")))
	require.Equal(t, []byte{0x01}, keyUpperBound([]byte{0x00}))
	require.Nil(t, keyUpperBound([]byte{0xff}))
}

func TestKeys(t *testing.T) {
	h := newHook(t)
	require.Equal(t, "SUB_tester:a/b", h.subscriptionKey("a/b"))
	require.Equal(t, "IFM_tester:7", h.inflightKey(7))
}

func TestSubscriptionsRoundTrip(t *testing.T) {
	h := newHook(t)

	h.OnSubscribed("a/b", 1)
	h.OnSubscribed("c/d", 0)

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 2)

	h.OnUnsubscribed("a/b")

	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "c/d", subs[0].Filter)
}

func TestInflightRoundTrip(t *testing.T) {
	h := newHook(t)

	op := transport.Operation{
		Type:    transport.Publish,
		TokenID: 7,
		Message: transport.Message{
			Topic:   "a/b",
			Payload: []byte("hello"),
			Qos:     1,
		},
	}

	h.OnQosPublish(op, 100)

	msgs, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, uint32(7), msgs[0].TokenID)
	require.Equal(t, []byte("hello"), msgs[0].Payload)

	h.OnQosComplete(7)

	msgs, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDbNotOpen(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, &mqtt.HookOptions{ClientID: "tester"})

	h.OnSubscribed("a/b", 1)
	h.OnUnsubscribed("a/b")
	h.OnQosPublish(transport.Operation{}, 0)
	h.OnQosComplete(1)

	_, err := h.StoredSubscriptions()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)

	_, err = h.StoredInflightMessages()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
}
