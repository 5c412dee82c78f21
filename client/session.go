// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/wire"
)

// Session is a ClientSession: the state machine of §4.6 for one
// (topic, subscriber-id) pair, owning a dedicated subscribe channel and
// handling redirects, reconnects, and delivery-handler restoration.
type Session struct {
	client      *Client
	topic       core.Topic
	subscriber  core.SubscriberID
	mode        wire.SubscribeMode
	prefs       wire.SubscriptionPreferences
	forceAttach bool
	synchronous bool

	state *stateManager
	log   *slog.Logger

	mu      sync.Mutex
	ch      *channel
	handler func(core.Message)

	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe opens a dedicated channel for (topic, subscriber), performing
// the create/attach handshake and following redirects to the owning node.
// handler, if non-nil, receives every delivered message; a nil handler
// subscribes without arming delivery (§4.6).
//
// subscriber must not carry the reserved hub-subscriber prefix
// (core.HubSubscriberPrefix) — that namespace is reserved for
// federation's own upstream subscriptions (see SubscribeAsHub) and is
// rejected here before the wire round-trip, since the server has no way
// to tell an ordinary caller apart from federation once the request is
// on the wire.
func (c *Client) Subscribe(
	ctx context.Context,
	topic core.Topic,
	subscriber core.SubscriberID,
	mode wire.SubscribeMode,
	prefs wire.SubscriptionPreferences,
	forceAttach, synchronous bool,
	handler func(core.Message),
) (*Session, error) {
	if subscriber.IsHub() {
		return nil, ErrReservedSubscriberID
	}
	return c.subscribe(ctx, topic, subscriber, mode, prefs, forceAttach, synchronous, handler)
}

// SubscribeAsHub is Subscribe's counterpart for federation's own upstream
// hub subscription: it requires the reserved hub prefix rather than
// rejecting it. Only federation.Republisher should call this — ordinary
// application code must use Subscribe.
func (c *Client) SubscribeAsHub(
	ctx context.Context,
	topic core.Topic,
	subscriber core.SubscriberID,
	mode wire.SubscribeMode,
	prefs wire.SubscriptionPreferences,
	forceAttach, synchronous bool,
	handler func(core.Message),
) (*Session, error) {
	if !subscriber.IsHub() {
		return nil, ErrReservedSubscriberID
	}
	return c.subscribe(ctx, topic, subscriber, mode, prefs, forceAttach, synchronous, handler)
}

func (c *Client) subscribe(
	ctx context.Context,
	topic core.Topic,
	subscriber core.SubscriberID,
	mode wire.SubscribeMode,
	prefs wire.SubscriptionPreferences,
	forceAttach, synchronous bool,
	handler func(core.Message),
) (*Session, error) {
	if subscriber == "" {
		return nil, ErrEmptySubscriber
	}
	s := &Session{
		client:      c,
		topic:       topic,
		subscriber:  subscriber,
		mode:        mode,
		prefs:       prefs,
		forceAttach: forceAttach,
		synchronous: synchronous,
		state:       newStateManager(),
		log:         c.log.With("topic", topic, "subscriber", subscriber),
		closed:      make(chan struct{}),
		handler:     handler,
	}
	if err := s.connect(ctx, c.startHost(topic)); err != nil {
		s.state.set(StateFailed)
		return nil, err
	}
	go s.watchDisconnect()
	return s, nil
}

// SetHandler installs or replaces the delivery handler, arming delivery on
// a session that was subscribed with a nil handler.
func (s *Session) SetHandler(handler func(core.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// State returns the session's current position in the §4.6 state diagram.
func (s *Session) State() State { return s.state.get() }

func (s *Session) dispatch(msg core.Message) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// connect runs the AWAIT_ACK phase: dial, submit, follow redirects, install
// the message dispatcher, and land in ACTIVE on success.
func (s *Session) connect(ctx context.Context, startHost string) error {
	s.state.set(StateConnecting)
	resp, finalHost, ch, err := s.attemptChain(ctx, startHost)
	if err != nil {
		return err
	}
	s.state.set(StateAwaitAck)
	if resp.Status != wire.StatusSuccess {
		ch.Close()
		return fmt.Errorf("client: subscribe %q failed: %s", s.topic, resp.Status)
	}

	ch.setOnMessage(s.dispatch)
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
	s.client.cfg.Hosts.Set(s.topic, finalHost)
	s.state.set(StateActive)
	return nil
}

// attemptChain dials a fresh dedicated channel per redirect hop: the
// server closes a redirected subscribe channel itself, so there is no
// connection to reuse across hops.
func (s *Session) attemptChain(ctx context.Context, startHost string) (wire.PubSubResponse, string, *channel, error) {
	cfg := s.client.cfg
	tried := make(map[string]struct{})
	host := startHost
	shouldClaim := false

	for {
		triedList := make([]string, 0, len(tried))
		for h := range tried {
			triedList = append(triedList, h)
		}

		conn, err := cfg.Dialer.Dial(ctx, host)
		if err != nil {
			return wire.PubSubResponse{}, host, nil, fmt.Errorf("client: dial %s: %w", host, err)
		}
		ch := newChannel(host, conn, s.log)

		req := wire.PubSubRequest{
			ProtocolVersion: wire.ProtocolVersion,
			Op:              wire.OpSubscribe,
			Topic:           string(s.topic),
			TxnID:           newTxnID(ch),
			ShouldClaim:     shouldClaim,
			TriedServers:    triedList,
			Subscribe: &wire.SubscribeRequest{
				SubscriberID: string(s.subscriber),
				Mode:         s.mode,
				Synchronous:  s.synchronous,
				ForceAttach:  s.forceAttach,
				Preferences:  s.prefs,
			},
		}
		resp, err := ch.submit(ctx, req)
		if err != nil {
			ch.Close()
			return wire.PubSubResponse{}, host, nil, err
		}
		if resp.Status != wire.StatusNotResponsibleForTopic {
			return resp, host, ch, nil
		}
		ch.Close()

		if len(tried) >= cfg.MaxRedirects {
			return wire.PubSubResponse{}, host, nil, core.ErrTooManyRedirects
		}
		next := resp.StatusMsg
		if next == "" {
			next = fallbackSeed(cfg.SeedHosts, tried)
		}
		if _, seen := tried[next]; seen {
			return wire.PubSubResponse{}, host, nil, core.ErrRedirectLoop
		}
		tried[host] = struct{}{}
		host = next
		shouldClaim = true
	}
}

// watchDisconnect waits for the active channel to fail and drives
// RECONNECTING, restarting delivery with whatever handler was armed at
// disconnect time. It exits once the session is deliberately closed.
func (s *Session) watchDisconnect() {
	for {
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		if ch == nil {
			return
		}

		select {
		case <-ch.closed:
		case <-s.closed:
			return
		}
		if s.state.get() == StateClosed {
			return
		}
		if !s.state.transitionFrom(StateReconnecting, StateActive, StateAwaitAck, StateConnecting) {
			if s.state.get() == StateClosed {
				return
			}
		}

		s.client.cfg.Hosts.PurgeTopic(s.topic)
		s.log.Info("subscribe channel lost, resubscribing")
		if err := s.connect(context.Background(), s.client.cfg.SeedHosts[0]); err != nil {
			s.state.set(StateFailed)
			s.log.Warn("resubscribe after disconnect failed", "err", err)
			return
		}
	}
}

// Consume acknowledges delivery up to seqID. It is fire-and-forget: the
// server sends no reply.
func (s *Session) Consume(seqID core.SeqID) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return ErrNotActive
	}
	req := wire.PubSubRequest{
		ProtocolVersion: wire.ProtocolVersion,
		Op:              wire.OpConsume,
		Topic:           string(s.topic),
		TxnID:           newTxnID(ch),
		Consume:         &wire.ConsumeRequest{SubscriberID: string(s.subscriber), SeqID: seqID.Local},
	}
	return ch.fireAndForget(req)
}

// Unsubscribe permanently ends the subscription: it calls Client.Unsubscribe
// over the shared channel, then tears down this session's dedicated
// channel and transitions to CLOSED.
func (s *Session) Unsubscribe(ctx context.Context) error {
	var unsubErr error
	s.closeOnce.Do(func() {
		unsubErr = s.client.Unsubscribe(ctx, s.topic, s.subscriber)
		s.teardown()
	})
	return unsubErr
}

// Close tears down the session locally without unsubscribing server-side —
// used on application shutdown when the subscription should survive for a
// future reconnect by a new process.
func (s *Session) Close() error {
	s.closeOnce.Do(s.teardown)
	return nil
}

func (s *Session) teardown() {
	s.state.set(StateClosed)
	close(s.closed)
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}
