// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/client/hooks/storage"
	"github.com/mochi-mqtt/client/transport"
)

func newTestClient() *Client {
	return New(&Options{
		ClientID: "tester",
		Logger:   logger,
		Clean:    true,
	})
}

// connectTestClient connects a client over a fresh auto-acknowledging mock
// transport and blocks until the session is established.
func connectTestClient(t *testing.T, cl *Client) *transport.MockTransport {
	tr := transport.NewMockTransport()
	tr.AutoAck = true

	tok, err := cl.Connect(tr)
	require.NoError(t, err)
	require.NoError(t, tok.Wait())
	require.Equal(t, Connected, cl.State())

	return tr
}

func TestNew(t *testing.T) {
	cl := New(nil)
	require.NotNil(t, cl)
	require.NotNil(t, cl.Tokens)
	require.NotNil(t, cl.Correlator)
	require.NotNil(t, cl.Info)
	require.NotNil(t, cl.Log)
	require.NotEmpty(t, cl.Options.ClientID)
	require.Equal(t, "reply/"+cl.Options.ClientID, cl.Options.ReplyTopic)
	require.Equal(t, Disconnected, cl.State())
	require.Equal(t, Version, cl.Info.Version)
}

func TestNewWithHook(t *testing.T) {
	hook := new(modifiedHookBase)
	cl := New(&Options{
		ClientID: "tester",
		Logger:   logger,
		Hooks:    []HookLoadConfig{{Hook: hook}},
	})

	require.Equal(t, int64(1), cl.hooks.Len())
	require.Equal(t, "tester", hook.Opts.ClientID)
	require.Equal(t, []byte{OnStarted}, hook.calls)
}

func TestConnectNilTransport(t *testing.T) {
	cl := newTestClient()
	_, err := cl.Connect(nil)
	require.ErrorIs(t, err, ErrMissingTransport)
}

func TestConnect(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, transport.Connect, sent[0].Type)
	require.Equal(t, "tester", sent[0].ClientID)
	require.True(t, sent[0].Clean)
}

func TestConnectWithWill(t *testing.T) {
	cl := New(&Options{
		ClientID: "tester",
		Logger:   logger,
		Will: &Will{
			Topic:   "lost/tester",
			Payload: []byte("gone"),
			Qos:     1,
			Retain:  true,
		},
	})
	tr := connectTestClient(t, cl)

	sent := tr.Sent()
	require.NotNil(t, sent[0].Will)
	require.Equal(t, "lost/tester", sent[0].Will.Topic)
	require.Equal(t, []byte("gone"), sent[0].Will.Payload)
	require.Equal(t, byte(1), sent[0].Will.Qos)
	require.True(t, sent[0].Will.Retain)
}

func TestConnectAlreadyConnected(t *testing.T) {
	cl := newTestClient()
	connectTestClient(t, cl)

	_, err := cl.Connect(transport.NewMockTransport())
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectRefused(t *testing.T) {
	cl := newTestClient()
	tr := transport.NewMockTransport()

	tok, err := cl.Connect(tr)
	require.NoError(t, err)

	op, ok := tr.LastSent()
	require.True(t, ok)
	tr.Deliver(transport.Event{Type: transport.Connack, TokenID: op.TokenID, ReasonCode: 0x87})

	err = tok.Wait()
	var oe *OperationError
	require.ErrorAs(t, err, &oe)

	var rce *ReasonCodeError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, byte(0x87), rce.Code)

	require.Eventually(t, func() bool {
		return cl.State() == Disconnected
	}, time.Second, time.Millisecond)
}

func TestConnectSendFailure(t *testing.T) {
	cl := newTestClient()
	tr := transport.NewMockTransport()
	tr.ErrSend = true

	_, err := cl.Connect(tr)
	require.Error(t, err)
	require.Equal(t, Disconnected, cl.State())
}

func TestPublishNotConnected(t *testing.T) {
	cl := newTestClient()
	_, err := cl.Publish("a/b", []byte("hello"), 0, false)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestPublishQos0ResolvesLocally(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	tok, err := cl.Publish("a/b", []byte("hello"), 0, false)
	require.NoError(t, err)
	require.True(t, tok.Resolved()) // no acknowledgement will arrive
	require.NoError(t, tok.Error())

	op, ok := tr.LastSent()
	require.True(t, ok)
	require.Equal(t, transport.Publish, op.Type)
	require.Equal(t, "a/b", op.Message.Topic)
}

func TestPublishQos1ResolvedByAck(t *testing.T) {
	cl := newTestClient()
	connectTestClient(t, cl)

	tok, err := cl.Publish("a/b", []byte("hello"), 1, false)
	require.NoError(t, err)
	require.NoError(t, tok.Wait())
	require.Equal(t, int64(1), atomic.LoadInt64(&cl.Info.MessagesSent))
}

func TestPublishDuplicateAckDropped(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	tok, err := cl.Publish("a/b", []byte("hello"), 1, false)
	require.NoError(t, err)
	require.NoError(t, tok.Wait())

	// A second acknowledgement for the same token (e.g. a network retry)
	// matches nothing and never alters the stored result.
	tr.Deliver(transport.Event{Type: transport.Puback, TokenID: tok.ID, ReasonCode: 0x80})

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cl.Info.AcksUnmatched) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, tok.Error())
}

func TestPublishNegativeAck(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)
	tr.AutoAck = false

	tok, err := cl.Publish("a/b", []byte("hello"), 1, false)
	require.NoError(t, err)

	tr.Deliver(transport.Event{Type: transport.Puback, TokenID: tok.ID, ReasonCode: 0x97})

	err = tok.Wait()
	var rce *ReasonCodeError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, byte(0x97), rce.Code)
}

func TestPublishSendFailure(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)
	tr.ErrSend = true

	tok, err := cl.Publish("a/b", []byte("hello"), 1, false)
	require.Error(t, err)
	require.True(t, tok.Resolved())

	var oe *OperationError
	require.ErrorAs(t, tok.Error(), &oe)
}

func TestPublishRejectedByHook(t *testing.T) {
	cl := newTestClient()
	require.NoError(t, cl.AddHook(&modifiedHookBase{err: ErrRejectPublish}, nil))
	connectTestClient(t, cl)

	_, err := cl.Publish("a/b", []byte("hello"), 0, false)
	require.ErrorIs(t, err, ErrRejectPublish)
}

func TestPublishWait(t *testing.T) {
	cl := newTestClient()
	connectTestClient(t, cl)

	err := cl.PublishWait(context.Background(), "a/b", []byte("hello"), 1, false)
	require.NoError(t, err)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	tok, err := cl.Subscribe("a/b", 1)
	require.NoError(t, err)
	require.NoError(t, tok.Wait())
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cl.Info.Subscriptions) == 1
	}, time.Second, time.Millisecond)

	op, ok := tr.LastSent()
	require.True(t, ok)
	require.Equal(t, transport.Subscribe, op.Type)
	require.Equal(t, "a/b", op.Filter)
	require.Equal(t, byte(1), op.Qos)

	tok, err = cl.Unsubscribe("a/b")
	require.NoError(t, err)
	require.NoError(t, tok.Wait())
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cl.Info.Subscriptions) == 0
	}, time.Second, time.Millisecond)
}

func TestNextMessage(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	tr.Deliver(transport.Event{
		Type:    transport.Publish,
		Message: transport.Message{Topic: "a/b", Payload: []byte("hello")},
	})

	msg, err := cl.NextMessage(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a/b", msg.Topic)
	require.Equal(t, []byte("hello"), msg.Payload)
}

func TestNextMessageOrder(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	tr.Deliver(transport.Event{Type: transport.Publish, Message: transport.Message{Topic: "m/1"}})
	tr.Deliver(transport.Event{Type: transport.Publish, Message: transport.Message{Topic: "m/2"}})
	tr.Deliver(transport.Event{Type: transport.Publish, Message: transport.Message{Topic: "m/3"}})

	for _, want := range []string{"m/1", "m/2", "m/3"} {
		msg, err := cl.NextMessage(context.Background())
		require.NoError(t, err)
		require.Equal(t, want, msg.Topic)
	}
}

func TestMessageObserver(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	received := make(chan transport.Message, 1)
	revoke := cl.SetMessageObserver(func(msg transport.Message) {
		received <- msg
	})

	tr.Deliver(transport.Event{Type: transport.Publish, Message: transport.Message{Topic: "o/1"}})

	select {
	case msg := <-received:
		require.Equal(t, "o/1", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("observer should have received the message")
	}
	require.Equal(t, 0, cl.currentQueue().Len())

	// After revocation, messages reach the inbound queue again.
	revoke()
	tr.Deliver(transport.Event{Type: transport.Publish, Message: transport.Message{Topic: "o/2"}})

	msg, err := cl.NextMessage(context.Background())
	require.NoError(t, err)
	require.Equal(t, "o/2", msg.Topic)
}

func TestRequestReply(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	r, err := cl.Request("service/math", []byte("2+2"), 0)
	require.NoError(t, err)

	op, ok := tr.LastSent()
	require.True(t, ok)
	require.Equal(t, "reply/tester", op.Message.Properties.ResponseTopic)
	require.NotEmpty(t, op.Message.Properties.CorrelationData)

	tr.Deliver(transport.Event{
		Type: transport.Publish,
		Message: transport.Message{
			Topic:   "reply/tester",
			Payload: []byte("4"),
			Properties: transport.Properties{
				CorrelationData: op.Message.Properties.CorrelationData,
			},
		},
	})

	msg, err := r.Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("4"), msg.Payload)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cl.Info.CorrelationMatched) == 1
	}, time.Second, time.Millisecond)
}

func TestRequestPublishFailure(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)
	tr.ErrSend = true

	_, err := cl.Request("service/math", []byte("2+2"), 0)
	require.Error(t, err)
	require.Equal(t, 0, cl.Correlator.Len()) // the registration is removed on failure
}

func TestExpectReplyRouting(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	r1, err := cl.ExpectReply([]byte("corr-1"))
	require.NoError(t, err)

	// corr-2 has no waiter; the message falls through to the queue.
	tr.Deliver(transport.Event{Type: transport.Publish, Message: corrMessage("corr-2", "stray")})
	tr.Deliver(transport.Event{Type: transport.Publish, Message: corrMessage("corr-1", "claimed")})

	msg, err := r1.Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("claimed"), msg.Payload)

	queued, err := cl.NextMessage(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("stray"), queued.Payload)
	require.Equal(t, int64(1), atomic.LoadInt64(&cl.Info.CorrelationMissed))
}

func TestExpectReplyDuplicateAndOverride(t *testing.T) {
	cl := newTestClient()

	r1, err := cl.ExpectReply([]byte("corr-1"))
	require.NoError(t, err)

	_, err = cl.ExpectReply([]byte("corr-1"))
	require.ErrorIs(t, err, ErrDuplicateCorrelation)

	r2, err := cl.ExpectReplyOverride([]byte("corr-1"))
	require.NoError(t, err)
	require.NotNil(t, r2)

	_, err = r1.Wait()
	require.ErrorIs(t, err, ErrCorrelationReplaced)
}

func TestDisconnect(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	require.NoError(t, cl.Disconnect())
	require.Equal(t, Disconnected, cl.State())

	ops := tr.Sent()
	require.Equal(t, transport.Disconnect, ops[len(ops)-1].Type)

	require.ErrorIs(t, cl.Disconnect(), ErrConnectionClosed)
}

func TestDisconnectFailsPendingTokens(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)
	tr.AutoAck = false

	tokens := make([]*Token, 0, 3)
	for i := 0; i < 3; i++ {
		tok, err := cl.Publish("a/b", []byte("hello"), 1, false)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	require.NoError(t, cl.Disconnect())

	for _, tok := range tokens {
		require.True(t, tok.Resolved())

		var cle *ConnectionLostError
		require.ErrorAs(t, tok.Error(), &cle)
		require.ErrorIs(t, cle.Reason, ErrClientClosed)
	}
	require.Equal(t, int64(3), atomic.LoadInt64(&cl.Info.TokensAbandoned))
	require.Equal(t, 0, cl.Tokens.Len())
}

func TestDisconnectFailsCorrelationWaiters(t *testing.T) {
	cl := newTestClient()
	connectTestClient(t, cl)

	r, err := cl.ExpectReply([]byte("corr-1"))
	require.NoError(t, err)

	require.NoError(t, cl.Disconnect())

	_, err = r.Wait()
	var cle *ConnectionLostError
	require.ErrorAs(t, err, &cle)
}

func TestDisconnectClosesQueue(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	tr.Deliver(transport.Event{Type: transport.Publish, Message: transport.Message{Topic: "backlog"}})

	// Wait for the dispatcher to queue the message before disconnecting.
	require.Eventually(t, func() bool {
		return cl.currentQueue().Len() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, cl.Disconnect())

	// The backlog remains readable; then end-of-stream.
	msg, err := cl.NextMessage(context.Background())
	require.NoError(t, err)
	require.Equal(t, "backlog", msg.Topic)

	_, err = cl.NextMessage(context.Background())
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestTransportFailureAbandonsTokens(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)
	tr.AutoAck = false

	tok, err := cl.Publish("a/b", []byte("hello"), 1, false)
	require.NoError(t, err)

	_ = tr.Close() // the event stream ends without a disconnect event

	err = tok.Wait()
	var cle *ConnectionLostError
	require.ErrorAs(t, err, &cle)
	require.ErrorIs(t, cle.Reason, ErrConnectionClosed)

	require.Eventually(t, func() bool {
		return cl.State() == Disconnected
	}, time.Second, time.Millisecond)
}

func TestDisconnectEvent(t *testing.T) {
	cl := newTestClient()
	tr := connectTestClient(t, cl)

	tr.Deliver(transport.Event{Type: transport.Disconnect, Reason: ErrConnectionClosed})

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cl.Info.ConnectionsLost) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, Disconnected, cl.State())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	cl := newTestClient()
	connectTestClient(t, cl)
	require.NoError(t, cl.Disconnect())

	connectTestClient(t, cl)
	tok, err := cl.Publish("a/b", []byte("again"), 1, false)
	require.NoError(t, err)
	require.NoError(t, tok.Wait())
}

// lingeringTransport keeps its event stream open after Close returns, like a
// socket-backed transport whose read side observes the close asynchronously.
type lingeringTransport struct {
	events chan transport.Event
}

func newLingeringTransport() *lingeringTransport {
	return &lingeringTransport{events: make(chan transport.Event, 1)}
}

func (t *lingeringTransport) Send(op transport.Operation) error {
	if op.Type == transport.Connect {
		t.events <- transport.Event{Type: transport.Connack, TokenID: op.TokenID}
	}
	return nil
}

func (t *lingeringTransport) Events() <-chan transport.Event { return t.events }

func (t *lingeringTransport) Close() error { return nil }

func TestReconnectSurvivesStaleStreamClose(t *testing.T) {
	cl := newTestClient()
	old := newLingeringTransport()

	tok, err := cl.Connect(old)
	require.NoError(t, err)
	require.NoError(t, tok.Wait())
	require.NoError(t, cl.Disconnect())

	connectTestClient(t, cl)

	// The old transport's stream only ends now. Its dispatcher must end
	// quietly rather than tear down the new connection.
	close(old.events)

	require.Never(t, func() bool {
		return cl.State() != Connected
	}, 250*time.Millisecond, 10*time.Millisecond)

	tok, err = cl.Publish("a/b", []byte("still up"), 1, false)
	require.NoError(t, err)
	ok, err := tok.WaitTimeout(time.Second)
	require.True(t, ok)
	require.NoError(t, err)
}

// disconnectOnPublishHook disconnects the client from inside OnPublish once,
// so the following submit lands after the state has left Connected.
type disconnectOnPublishHook struct {
	HookBase
	c    *Client
	once sync.Once
}

func (h *disconnectOnPublishHook) ID() string {
	return "disconnect-on-publish"
}

func (h *disconnectOnPublishHook) Provides(b byte) bool {
	return b == OnPublish
}

func (h *disconnectOnPublishHook) OnPublish(op transport.Operation) (transport.Operation, error) {
	h.once.Do(func() {
		_ = h.c.Disconnect()
	})
	return op, nil
}

func TestPublishFailedSubmitReleasesInflightQuota(t *testing.T) {
	cl := New(&Options{
		ClientID:        "tester",
		Logger:          logger,
		Clean:           true,
		MaximumInflight: 1,
	})
	require.NoError(t, cl.AddHook(&disconnectOnPublishHook{c: cl}, nil))

	connectTestClient(t, cl)

	// The hook disconnects mid-publish; the submit fails without a token
	// and must return the acquired quota unit.
	_, err := cl.Publish("a/b", []byte("first"), 1, false)
	require.ErrorIs(t, err, ErrConnectionClosed)

	connectTestClient(t, cl)

	done := make(chan error, 1)
	go func() {
		tok, err := cl.Publish("a/b", []byte("second"), 1, false)
		if err != nil {
			done <- err
			return
		}
		done <- tok.Wait()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a leaked inflight quota unit")
	}
}

func TestResumeSession(t *testing.T) {
	hook := &modifiedHookBase{
		subs: []storage.Subscription{{ID: "SUB_tester:a/b", Filter: "a/b", Qos: 1}},
		inflights: []storage.Message{{
			ID:      "IFM_tester:9",
			TokenID: 9,
			Topic:   "a/b",
			Payload: []byte("unacked"),
			Qos:     1,
		}},
	}

	cl := newTestClient()
	require.NoError(t, cl.AddHook(hook, nil))
	tr := connectTestClient(t, cl)

	require.Eventually(t, func() bool {
		var sub, pub bool
		for _, op := range tr.Sent() {
			if op.Type == transport.Subscribe && op.Filter == "a/b" {
				sub = true
			}
			if op.Type == transport.Publish && op.Dup && string(op.Message.Payload) == "unacked" {
				pub = true
			}
		}
		return sub && pub
	}, time.Second, time.Millisecond)
}

func TestResumeSessionPresentSkipsResubscribe(t *testing.T) {
	hook := &modifiedHookBase{
		subs: []storage.Subscription{{ID: "SUB_tester:a/b", Filter: "a/b", Qos: 1}},
	}

	cl := newTestClient()
	require.NoError(t, cl.AddHook(hook, nil))

	tr := transport.NewMockTransport()
	tok, err := cl.Connect(tr)
	require.NoError(t, err)

	op, ok := tr.LastSent()
	require.True(t, ok)
	tr.Deliver(transport.Event{Type: transport.Connack, TokenID: op.TokenID, SessionPresent: true})
	require.NoError(t, tok.Wait())

	time.Sleep(time.Millisecond * 20)
	for _, op := range tr.Sent() {
		require.NotEqual(t, transport.Subscribe, op.Type)
	}
}

func TestClose(t *testing.T) {
	cl := newTestClient()
	connectTestClient(t, cl)

	require.NoError(t, cl.Close())
	require.Equal(t, Disconnected, cl.State())
}

func TestConnectionStateString(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "disconnecting", Disconnecting.String())
}
