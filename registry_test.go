// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/client/transport"
)

func TestNewTokens(t *testing.T) {
	x := NewTokens()
	require.NotNil(t, x.internal)
	require.Equal(t, 0, x.Len())
}

func TestTokensAllocateDistinctIDs(t *testing.T) {
	x := NewTokens()

	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		tk, err := x.Allocate(transport.Operation{Type: transport.Publish})
		require.NoError(t, err)
		require.False(t, seen[tk.ID])
		require.NotEqual(t, uint32(0), tk.ID)
		seen[tk.ID] = true
	}

	require.Equal(t, 100, x.Len())
}

func TestTokensAllocateConcurrent(t *testing.T) {
	x := NewTokens()

	var mu sync.Mutex
	seen := map[uint32]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := x.Allocate(transport.Operation{Type: transport.Publish})
			require.NoError(t, err)
			mu.Lock()
			require.False(t, seen[tk.ID])
			seen[tk.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 50, x.Len())
}

func TestTokensAllocateRecordsOperation(t *testing.T) {
	x := NewTokens()

	tk, err := x.Allocate(transport.Operation{
		Type:    transport.Publish,
		Message: transport.Message{Topic: "a/b", Qos: 1},
	})
	require.NoError(t, err)

	// The operation is complete on the token as soon as it is visible in
	// the registry, so a connection-loss sweep can rely on it.
	got, ok := x.Get(tk.ID)
	require.True(t, ok)
	require.Equal(t, tk.ID, got.op.TokenID)
	require.Equal(t, transport.Publish, got.op.Type)
	require.Equal(t, byte(1), got.op.Message.Qos)
}

func TestTokensResolve(t *testing.T) {
	x := NewTokens()
	tk, err := x.Allocate(transport.Operation{Type: transport.Publish})
	require.NoError(t, err)

	rt, err := x.Resolve(tk.ID, transport.Event{Type: transport.Puback, TokenID: tk.ID}, nil)
	require.NoError(t, err)
	require.Equal(t, tk, rt)
	require.True(t, tk.Resolved())
	require.Equal(t, 0, x.Len())
}

func TestTokensResolveExactlyOnce(t *testing.T) {
	x := NewTokens()
	tk, err := x.Allocate(transport.Operation{Type: transport.Publish})
	require.NoError(t, err)

	_, err = x.Resolve(tk.ID, transport.Event{Type: transport.Puback}, nil)
	require.NoError(t, err)

	// A duplicate acknowledgement matches no pending token and must not
	// alter the stored result.
	_, err = x.Resolve(tk.ID, transport.Event{Type: transport.Puback}, ErrConnectionClosed)
	require.ErrorIs(t, err, ErrTokenAlreadyResolved)
	require.NoError(t, tk.Error())
}

func TestTokensResolveUnknownID(t *testing.T) {
	x := NewTokens()
	_, err := x.Resolve(42, transport.Event{}, nil)
	require.ErrorIs(t, err, ErrTokenAlreadyResolved)
}

func TestTokensAbandonAll(t *testing.T) {
	x := NewTokens()

	tokens := make([]*Token, 0, 3)
	for i := 0; i < 3; i++ {
		tk, err := x.Allocate(transport.Operation{Type: transport.Publish})
		require.NoError(t, err)
		tokens = append(tokens, tk)
	}

	abandoned := x.AbandonAll(ErrConnectionClosed)
	require.Len(t, abandoned, 3)
	require.Equal(t, 0, x.Len())

	for _, tk := range tokens {
		require.True(t, tk.Resolved())

		var cle *ConnectionLostError
		require.ErrorAs(t, tk.Error(), &cle)
		require.ErrorIs(t, cle.Reason, ErrConnectionClosed)
	}
}

func TestTokensAllocateWraparound(t *testing.T) {
	x := NewTokens()
	x.nextID = math.MaxUint32

	tk, err := x.Allocate(transport.Operation{Type: transport.Publish})
	require.NoError(t, err)
	require.Equal(t, uint32(1), tk.ID) // 0 is reserved
}

func TestTokensAllocateExhausted(t *testing.T) {
	x := NewTokens()
	tk, err := x.Allocate(transport.Operation{Type: transport.Publish})
	require.NoError(t, err)
	require.Equal(t, uint32(1), tk.ID)

	// Wrap the id space onto the still-live token.
	x.nextID = math.MaxUint32
	_, err = x.Allocate(transport.Operation{Type: transport.Publish})
	require.ErrorIs(t, err, ErrTokenIDExhausted)

	// Resolving the live token frees the id for reuse.
	_, err = x.Resolve(tk.ID, transport.Event{}, nil)
	require.NoError(t, err)

	tk2, err := x.Allocate(transport.Operation{Type: transport.Publish})
	require.NoError(t, err)
	require.Equal(t, uint32(1), tk2.ID)
}

func TestTokensGet(t *testing.T) {
	x := NewTokens()
	tk, err := x.Allocate(transport.Operation{Type: transport.Subscribe})
	require.NoError(t, err)

	got, ok := x.Get(tk.ID)
	require.True(t, ok)
	require.Equal(t, tk, got)

	_, ok = x.Get(tk.ID + 1)
	require.False(t, ok)
}
