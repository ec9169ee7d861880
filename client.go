// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides the asynchronous core of an MQTT client: delivery
// tokens for outbound operations, an inbound event dispatcher, correlation
// matching for request/reply workflows, and an ordered inbound message
// queue. Wire encoding and network transport live behind the transport
// package's Transport interface.
package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"github.com/mochi-mqtt/client/system"
	"github.com/mochi-mqtt/client/transport"
)

const (
	Version = "0.3.1" // the current client version.
)

// ConnectionState indicates the lifecycle state of the connection to the
// broker. It is owned by the client and updated only by the dispatcher (and
// connect/disconnect calls); reads are permitted from any goroutine.
type ConnectionState uint32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

// String returns a printable name for the connection state.
func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Client is an asynchronous MQTT client core. It should be created with
// mqtt.New() in order to ensure all the internal fields are correctly
// populated.
//
// One dispatcher goroutine per connection drains the transport's events in
// delivery order and is the sole writer to the token registry, the
// correlator, and the inbound queue on the inbound path; any number of
// application goroutines may submit operations and wait on the returned
// tokens.
type Client struct {
	Options    *Options            // configurable client options
	Tokens     *Tokens             // the registry of in-flight operation tokens
	Correlator *Correlator         // request/reply correlation waiters
	Info       *system.Info        // counters for client statistics
	Log        *slog.Logger        // a structured logger for the client
	hooks      *Hooks              // hooks for extra functionality such as persistent session state
	observers  *messageObservers   // registered message observer callbacks
	inflight   *semaphore.Weighted // quota of concurrent unacknowledged qos > 0 publishes
	mu         sync.RWMutex        // guards tr, queue, end and epoch across connections
	tr         transport.Transport // the active transport, nil when disconnected
	queue      *Queue              // the inbound message queue for the active connection
	end        *sync.Once          // guards teardown of the active connection
	epoch      uint64              // connection counter, incremented on each connect (atomic)
	state      uint32              // the connection lifecycle state (atomic)
}

// New returns a new instance of an MQTT client core. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Client {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	c := &Client{
		Options:    opts,
		Tokens:     NewTokens(),
		Correlator: NewCorrelator(),
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log:       opts.Logger,
		observers: newMessageObservers(),
		inflight:  semaphore.NewWeighted(opts.MaximumInflight),
		queue:     NewQueue(opts.QueueCapacity),
		end:       new(sync.Once),
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	for _, hlc := range opts.Hooks {
		if err := c.AddHook(hlc.Hook, hlc.Config); err != nil {
			c.Log.Error("failed to add hook", "error", err, "hook", hlc.Hook.ID())
		}
	}

	c.hooks.OnStarted()

	return c
}

// AddHook attaches a new Hook to the client.
func (c *Client) AddHook(hook Hook, config any) error {
	hook.SetOpts(c.Log.With("hook", hook.ID()), &HookOptions{
		ClientID: c.Options.ClientID,
	})

	return c.hooks.Add(hook, config)
}

// State returns the current connection lifecycle state.
func (c *Client) State() ConnectionState {
	return ConnectionState(atomic.LoadUint32(&c.state))
}

// Connect opens a session over the given transport and returns the connect
// token, which resolves when the broker acknowledges the connection. A
// fresh inbound queue is installed for the new connection; the previous
// queue, if any, remains readable until drained.
func (c *Client) Connect(t transport.Transport) (*Token, error) {
	if t == nil {
		return nil, ErrMissingTransport
	}

	if !atomic.CompareAndSwapUint32(&c.state, uint32(Disconnected), uint32(Connecting)) {
		return nil, ErrAlreadyConnected
	}

	c.mu.Lock()
	c.tr = t
	c.queue = NewQueue(c.Options.QueueCapacity)
	c.end = new(sync.Once)
	epoch := atomic.AddUint64(&c.epoch, 1)
	c.mu.Unlock()

	op := transport.Operation{
		Type:      transport.Connect,
		ClientID:  c.Options.ClientID,
		KeepAlive: c.Options.KeepAlive,
		Clean:     c.Options.Clean,
	}

	if w := c.Options.Will; w != nil {
		op.Will = &transport.Message{
			Topic:   w.Topic,
			Payload: w.Payload,
			Qos:     w.Qos,
			Retain:  w.Retain,
		}
	}

	tok, err := c.Submit(op)
	if err != nil {
		c.shutdown(epoch, err)
		return nil, err
	}

	go c.readLoop(epoch, t.Events())

	return tok, nil
}

// Disconnect gracefully ends the session. Any still-pending tokens and
// correlation waiters are failed with ErrClientClosed so no caller blocks
// past the disconnect, and the inbound queue is closed after its backlog.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapUint32(&c.state, uint32(Connected), uint32(Disconnecting)) {
		return ErrConnectionClosed
	}

	epoch := atomic.LoadUint64(&c.epoch)

	if err := c.send(transport.Operation{Type: transport.Disconnect}); err != nil {
		c.Log.Debug("failed to send disconnect", "error", err)
	}

	c.shutdown(epoch, ErrClientClosed)
	return nil
}

// Submit allocates a delivery token for an operation and hands the
// operation to the transport. It fails fast with ErrConnectionClosed if the
// client is not connected, unless the operation itself is a connect.
func (c *Client) Submit(op transport.Operation) (*Token, error) {
	if op.Type != transport.Connect && c.State() != Connected {
		return nil, ErrConnectionClosed
	}

	t, err := c.Tokens.Allocate(op)
	if err != nil {
		return nil, err
	}

	op.TokenID = t.ID
	atomic.AddInt64(&c.Info.TokensIssued, 1)
	atomic.AddInt64(&c.Info.Inflight, 1)

	if err := c.send(op); err != nil {
		c.resolveLocal(t, &OperationError{TokenID: t.ID, Cause: err})
		return t, err
	}

	return t, nil
}

// Publish publishes a message to the given topic, returning the delivery
// token for the operation. Qos 0 tokens resolve as soon as the message is
// handed to the transport; higher qos tokens resolve on acknowledgement.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (*Token, error) {
	return c.PublishMessage(transport.Message{
		Topic:   topic,
		Payload: payload,
		Qos:     qos,
		Retain:  retain,
	})
}

// PublishMessage publishes a prepared message, e.g. one carrying response
// topic and correlation data properties. When the in-flight quota for
// qos > 0 publishes is exhausted the call blocks until quota is released by
// an acknowledgement (backpressure, the message is never silently dropped).
func (c *Client) PublishMessage(m transport.Message) (*Token, error) {
	if c.State() != Connected {
		return nil, ErrConnectionClosed
	}

	op, err := c.hooks.OnPublish(transport.Operation{Type: transport.Publish, Message: m})
	if err != nil {
		return nil, err
	}

	if op.Message.Qos > 0 {
		if err := c.inflight.Acquire(context.Background(), 1); err != nil {
			return nil, err
		}
	}

	t, err := c.Submit(op)
	if err != nil {
		if t == nil && op.Message.Qos > 0 {
			// Submit failed before a token existed, so no resolution will
			// ever return the quota unit acquired above.
			c.inflight.Release(1)
		}
		return t, err
	}

	atomic.AddInt64(&c.Info.MessagesSent, 1)

	if op.Message.Qos == 0 {
		// No acknowledgement will arrive for qos 0; the token resolves now.
		c.resolveLocal(t, nil)
	} else {
		c.hooks.OnQosPublish(op, time.Now().Unix())
	}

	c.hooks.OnPublished(op)

	return t, nil
}

// PublishWait publishes a message and blocks until its token resolves or
// the context is done. A context error abandons only the wait; the publish
// itself is not recalled.
func (c *Client) PublishWait(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	t, err := c.Publish(topic, payload, qos, retain)
	if err != nil {
		return err
	}

	return t.WaitContext(ctx)
}

// Subscribe requests a subscription to a topic filter, returning the
// delivery token which resolves when the broker acknowledges it.
func (c *Client) Subscribe(filter string, qos byte) (*Token, error) {
	return c.Submit(transport.Operation{
		Type:   transport.Subscribe,
		Filter: filter,
		Qos:    qos,
	})
}

// Unsubscribe requests removal of a subscription to a topic filter.
func (c *Client) Unsubscribe(filter string) (*Token, error) {
	return c.Submit(transport.Operation{
		Type:   transport.Unsubscribe,
		Filter: filter,
	})
}

// ExpectReply registers a one-shot waiter for an incoming message carrying
// the given correlation id. Registering an id which already has a pending
// waiter fails with ErrDuplicateCorrelation.
func (c *Client) ExpectReply(correlationID []byte) (*Reply, error) {
	return c.Correlator.Expect(correlationID)
}

// ExpectReplyOverride registers a waiter for the given correlation id,
// abandoning any prior registration (last registration wins).
func (c *Client) ExpectReplyOverride(correlationID []byte) (*Reply, error) {
	return c.Correlator.ExpectOverride(correlationID)
}

// Request publishes a request message with a generated correlation id and
// the client's reply topic, returning the Reply future for the response.
// The caller should be subscribed to the reply topic.
func (c *Client) Request(topic string, payload []byte, qos byte) (*Reply, error) {
	corr := xid.New().Bytes()

	r, err := c.Correlator.Expect(corr)
	if err != nil {
		return nil, err
	}

	_, err = c.PublishMessage(transport.Message{
		Topic:   topic,
		Payload: payload,
		Qos:     qos,
		Properties: transport.Properties{
			ResponseTopic:   c.Options.ReplyTopic,
			CorrelationData: corr,
		},
	})
	if err != nil {
		c.Correlator.Forget(corr, err)
		return nil, err
	}

	return r, nil
}

// NextMessage blocks until the next unclaimed inbound message is available,
// the context is done, or the queue is closed and drained after a
// disconnect (ErrQueueClosed).
func (c *Client) NextMessage(ctx context.Context) (transport.Message, error) {
	return c.currentQueue().PopContext(ctx)
}

// SetMessageObserver registers a callback invoked by the dispatcher for
// every inbound message not claimed by a correlation waiter. While any
// observer is registered, messages are delivered to observers instead of
// the inbound queue. The returned function revokes the registration.
func (c *Client) SetMessageObserver(fn func(transport.Message)) (revoke func()) {
	return c.observers.add(fn)
}

// Close stops the client, ending any open connection and stopping all hooks.
func (c *Client) Close() error {
	_ = c.Disconnect()
	c.hooks.Stop()
	c.hooks.OnStopped()
	return nil
}

// send hands an operation to the active transport.
func (c *Client) send(op transport.Operation) error {
	c.mu.RLock()
	t := c.tr
	c.mu.RUnlock()

	if t == nil {
		return ErrConnectionClosed
	}

	atomic.AddInt64(&c.Info.PacketsSent, 1)
	return t.Send(op)
}

// currentQueue returns the inbound queue for the active connection.
func (c *Client) currentQueue() *Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

// readLoop is the inbound dispatcher: it drains transport events serially,
// in delivery order, and is the single writer routing each event to the
// token registry, the correlator, or the inbound queue. It runs once per
// connection; the epoch identifies that connection so a dispatcher whose
// transport lingers past a disconnect can only ever end its own connection.
func (c *Client) readLoop(epoch uint64, events <-chan transport.Event) {
	for ev := range events {
		atomic.AddInt64(&c.Info.PacketsReceived, 1)
		c.processEvent(epoch, ev)
		if ev.Type == transport.Disconnect {
			return
		}
	}

	// The transport closed the stream without a disconnect event.
	c.shutdown(epoch, ErrConnectionClosed)
}

// processEvent routes one inbound event to exactly one destination:
// acknowledgements resolve their pending token, correlated messages
// complete their waiter, and everything else reaches the observers or the
// inbound queue. Malformed or unmatched events are logged and dropped,
// never fatal to the dispatcher.
func (c *Client) processEvent(epoch uint64, ev transport.Event) {
	switch ev.Type {
	case transport.Connack:
		c.processConnack(epoch, ev)
	case transport.Puback, transport.Suback, transport.Unsuback:
		c.resolveAck(ev)
	case transport.Publish:
		c.processMessage(ev.Message.Copy())
	case transport.Disconnect:
		reason := ev.Reason
		if reason == nil {
			reason = ErrConnectionClosed
		}
		c.shutdown(epoch, reason)
	default:
		c.Log.Debug("dropping unknown event", "event", ev.String())
	}
}

// processConnack resolves the pending connect token and, on success, moves
// the lifecycle state to Connected and restores any stored session state.
func (c *Client) processConnack(epoch uint64, ev transport.Event) {
	var err error
	if ev.ReasonCode >= 0x80 {
		err = &OperationError{TokenID: ev.TokenID, Cause: &ReasonCodeError{Code: ev.ReasonCode}}
	}

	// The state must be Connected before the connect token resolves, so a
	// caller waking from the token's wait can submit operations immediately.
	if err == nil && !atomic.CompareAndSwapUint32(&c.state, uint32(Connecting), uint32(Connected)) {
		c.Log.Debug("dropping connack in state", "state", c.State().String())
		return
	}

	t, rerr := c.Tokens.Resolve(ev.TokenID, ev, err)
	if rerr != nil {
		atomic.AddInt64(&c.Info.AcksUnmatched, 1)
		c.Log.Debug("dropping unmatched connack", "event", ev.String())
		return
	}

	atomic.AddInt64(&c.Info.TokensResolved, 1)
	atomic.AddInt64(&c.Info.Inflight, -1)
	c.hooks.OnTokenResolved(t, err)

	if err != nil {
		c.Log.Warn("connection refused", "event", ev.String())
		c.shutdown(epoch, err)
		return
	}

	c.hooks.OnConnect(ev)
	c.Log.Info("connected", "client", c.Options.ClientID, "session_present", ev.SessionPresent)

	c.resumeSession(ev)
}

// resolveAck resolves the pending token matching an acknowledgement event.
// A duplicate or unknown acknowledgement (e.g. after a network retry) is
// dropped without altering any token's stored result.
func (c *Client) resolveAck(ev transport.Event) {
	var err error
	if ev.ReasonCode >= 0x80 {
		err = &OperationError{TokenID: ev.TokenID, Cause: &ReasonCodeError{Code: ev.ReasonCode}}
	}

	t, rerr := c.Tokens.Resolve(ev.TokenID, ev, err)
	if rerr != nil {
		atomic.AddInt64(&c.Info.AcksUnmatched, 1)
		c.Log.Debug("dropping unmatched acknowledgement", "event", ev.String())
		return
	}

	atomic.AddInt64(&c.Info.TokensResolved, 1)
	atomic.AddInt64(&c.Info.Inflight, -1)

	switch t.Kind {
	case transport.Publish:
		if t.op.Message.Qos > 0 {
			c.inflight.Release(1)
			c.hooks.OnQosComplete(t.ID)
		}
	case transport.Subscribe:
		if err == nil {
			atomic.AddInt64(&c.Info.Subscriptions, 1)
			c.hooks.OnSubscribed(t.op.Filter, t.op.Qos)
		}
	case transport.Unsubscribe:
		if err == nil {
			atomic.AddInt64(&c.Info.Subscriptions, -1)
			c.hooks.OnUnsubscribed(t.op.Filter)
		}
	}

	c.hooks.OnTokenResolved(t, err)
}

// processMessage routes an incoming application message: a registered
// correlation waiter claims it first; otherwise it goes to the message
// observers, or to the inbound queue when no observer is registered.
func (c *Client) processMessage(msg transport.Message) {
	atomic.AddInt64(&c.Info.MessagesReceived, 1)
	c.hooks.OnMessage(msg)

	if c.Correlator.Match(msg) {
		atomic.AddInt64(&c.Info.CorrelationMatched, 1)
		c.hooks.OnCorrelationMatched(msg.Properties.CorrelationData, msg)
		return
	}

	if len(msg.Properties.CorrelationData) > 0 {
		atomic.AddInt64(&c.Info.CorrelationMissed, 1)
	}

	if c.observers.len() > 0 {
		c.observers.notify(msg)
		return
	}

	if err := c.currentQueue().Push(msg); err != nil {
		c.Log.Debug("dropping message for closed queue", "topic", msg.Topic)
		return
	}

	atomic.AddInt64(&c.Info.MessagesQueued, 1)
}

// resumeSession restores stored session state after a successful connect:
// stored subscriptions are re-requested (unless the broker resumed the
// session) and unacknowledged qos > 0 publishes are re-sent with the dup
// flag.
func (c *Client) resumeSession(ack transport.Event) {
	if !ack.SessionPresent {
		subs, err := c.hooks.StoredSubscriptions()
		if err == nil {
			for _, sub := range subs {
				if _, err := c.Subscribe(sub.Filter, sub.Qos); err != nil {
					c.Log.Warn("failed to restore subscription", "error", err, "filter", sub.Filter)
				}
			}
		}
	}

	msgs, err := c.hooks.StoredInflightMessages()
	if err != nil {
		return
	}

	for _, m := range msgs {
		op := transport.Operation{
			Type:    transport.Publish,
			Message: m.ToMessage(),
			Dup:     true,
		}

		if op.Message.Qos > 0 && !c.inflight.TryAcquire(1) {
			c.Log.Warn("inflight quota exhausted while restoring session", "topic", m.Topic)
			break
		}

		t, err := c.Submit(op)
		if err != nil {
			if t == nil && op.Message.Qos > 0 {
				c.inflight.Release(1)
			}
			c.Log.Warn("failed to re-send inflight message", "error", err, "topic", m.Topic)
			continue
		}

		c.hooks.OnQosPublish(t.op, time.Now().Unix())
		c.hooks.OnQosComplete(m.TokenID) // the stored copy is re-keyed under the new token
	}
}

// resolveLocal resolves a token without a broker acknowledgement, e.g. for
// qos 0 publishes or operations the transport refused to send.
func (c *Client) resolveLocal(t *Token, err error) {
	if _, rerr := c.Tokens.Resolve(t.ID, transport.Event{}, err); rerr != nil {
		return
	}

	atomic.AddInt64(&c.Info.TokensResolved, 1)
	atomic.AddInt64(&c.Info.Inflight, -1)

	if t.op.Type == transport.Publish && t.op.Message.Qos > 0 {
		c.inflight.Release(1)
	}

	c.hooks.OnTokenResolved(t, err)
}

// shutdown tears down the connection identified by epoch exactly once,
// failing every pending token and correlation waiter with the given reason
// and closing the inbound queue with end-of-stream, so every blocked caller
// eventually unblocks. Calls carrying the epoch of an earlier connection are
// ignored, and the lifecycle state only becomes Disconnected after the sweep,
// so a reconnect cannot race the teardown of its predecessor.
func (c *Client) shutdown(epoch uint64, reason error) {
	c.mu.Lock()
	if atomic.LoadUint64(&c.epoch) != epoch {
		c.mu.Unlock()
		c.Log.Debug("ignoring shutdown for a previous connection", "reason", reason)
		return
	}
	end := c.end
	c.mu.Unlock()

	end.Do(func() {
		for {
			s := atomic.LoadUint32(&c.state)
			if ConnectionState(s) == Disconnecting ||
				atomic.CompareAndSwapUint32(&c.state, s, uint32(Disconnecting)) {
				break
			}
		}

		abandoned := c.Tokens.AbandonAll(reason)
		for _, t := range abandoned {
			atomic.AddInt64(&c.Info.TokensAbandoned, 1)
			atomic.AddInt64(&c.Info.Inflight, -1)
			if t.op.Type == transport.Publish && t.op.Message.Qos > 0 {
				c.inflight.Release(1)
			}
			c.hooks.OnTokenAbandoned(t, t.Error())
		}

		waiters := c.Correlator.AbandonAll(reason)

		c.mu.Lock()
		tr := c.tr
		c.tr = nil
		q := c.queue
		c.mu.Unlock()

		q.Close()
		if tr != nil {
			_ = tr.Close()
		}

		atomic.StoreUint32(&c.state, uint32(Disconnected))

		atomic.AddInt64(&c.Info.ConnectionsLost, 1)
		c.hooks.OnDisconnect(reason)
		c.Log.Info("disconnected", "reason", reason,
			"tokens_abandoned", len(abandoned), "correlations_abandoned", waiters)
	})
}

// messageObservers holds registered message observer callbacks, each with a
// revocable handle.
type messageObservers struct {
	sync.RWMutex
	internal map[uint64]func(transport.Message)
	nextID   uint64
}

func newMessageObservers() *messageObservers {
	return &messageObservers{
		internal: map[uint64]func(transport.Message){},
	}
}

// add registers an observer and returns a function which revokes it.
func (o *messageObservers) add(fn func(transport.Message)) (revoke func()) {
	o.Lock()
	o.nextID++
	id := o.nextID
	o.internal[id] = fn
	o.Unlock()

	return func() {
		o.Lock()
		delete(o.internal, id)
		o.Unlock()
	}
}

// len returns the number of registered observers.
func (o *messageObservers) len() int {
	o.RLock()
	defer o.RUnlock()
	return len(o.internal)
}

// notify invokes each registered observer with the message, against a
// snapshot of the observers registered at call time. Invocation order
// across observers is not defined.
func (o *messageObservers) notify(msg transport.Message) {
	o.RLock()
	fns := make([]func(transport.Message), 0, len(o.internal))
	for _, fn := range o.internal {
		fns = append(fns, fn)
	}
	o.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
