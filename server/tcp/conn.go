// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/delivery"
	"github.com/relaymq/relaymq/router"
	"github.com/relaymq/relaymq/wire"
)

// serverConn drives the request/response loop for one accepted connection:
// decode a request, route it, write back the response, and repeat until the
// codec errors or the router says to close. A connection carries at most
// one active subscribe, since MessageFrame carries no topic/subscriber
// discriminator to demultiplex more than one onto the same byte stream —
// this mirrors the client's one-dedicated-channel-per-subscription design.
type serverConn struct {
	conn   net.Conn
	codec  *wire.Codec
	router *router.Router
	cfg    Config
	log    *slog.Logger

	writeMu sync.Mutex

	subMu sync.Mutex
	sub   *core.TopicSubscriber
	sess  *delivery.Session
	ep    *wireEndpoint
}

func newServerConn(conn net.Conn, r *router.Router, cfg Config, log *slog.Logger) *serverConn {
	if log == nil {
		log = slog.Default()
	}
	return &serverConn{
		conn:   conn,
		codec:  wire.NewCodec(conn),
		router: r,
		cfg:    cfg,
		log:    log.With("component", "server.tcp", "remote", conn.RemoteAddr()),
	}
}

func (sc *serverConn) serve(ctx context.Context) {
	defer sc.detachOwnedSubscription()

	// Closing the connection once ctx ends unblocks ReadRequest, so the
	// server's forced shutdown ends this loop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = sc.conn.Close()
		case <-stop:
		}
	}()

	for {
		if sc.cfg.IdleTimeout > 0 {
			_ = sc.conn.SetReadDeadline(time.Now().Add(sc.cfg.IdleTimeout))
		}

		req, err := sc.codec.ReadRequest()
		if err != nil {
			return
		}

		if sc.subActive() && req.Op == wire.OpSubscribe {
			sc.log.Warn("second subscribe on a dedicated channel, rejecting")
			return
		}

		if sc.rateLimited(req) {
			if err := sc.writeResponse(txnResponse(req.TxnID, wire.StatusServiceDown, "rate limited")); err != nil {
				return
			}
			continue
		}

		endpoint := sc.endpointFor(req)
		out := sc.router.Route(ctx, *req, endpoint, nil)

		if req.Op == wire.OpSubscribe && out.Response.Status == wire.StatusSuccess {
			sc.setOwnedSubscription(core.Topic(req.Topic), core.SubscriberID(req.Subscribe.SubscriberID), out.Session)
		}

		if !out.NoReply {
			if err := sc.writeResponse(out.Response); err != nil {
				return
			}
		}
		if out.CloseChannel {
			return
		}
	}
}

// endpointFor lazily builds the connection's single delivery.Endpoint the
// first time a subscribe is routed; publish/unsubscribe/consume requests
// never need one.
func (sc *serverConn) endpointFor(req *wire.PubSubRequest) delivery.Endpoint {
	if req.Op != wire.OpSubscribe {
		return nil
	}
	sc.subMu.Lock()
	defer sc.subMu.Unlock()
	if sc.ep == nil {
		sc.ep = &wireEndpoint{sc: sc, writeTimeout: sc.cfg.WriteTimeout}
	}
	return sc.ep
}

func (sc *serverConn) subActive() bool {
	sc.subMu.Lock()
	defer sc.subMu.Unlock()
	return sc.sub != nil
}

func (sc *serverConn) setOwnedSubscription(topic core.Topic, subscriber core.SubscriberID, sess *delivery.Session) {
	sc.subMu.Lock()
	defer sc.subMu.Unlock()
	sc.sub = &core.TopicSubscriber{Topic: topic, Subscriber: subscriber}
	sc.sess = sess
}

// detachOwnedSubscription tears down this connection's own delivery
// session when the connection drops without an explicit UNSUBSCRIBE, so a
// stale session doesn't hold TopicBusy against a future ForceAttach or
// spin against a dead endpoint until UnwritableTimeout. It uses
// DetachSession rather than Detach: a force-attach from another
// connection closes this connection's endpoint, which is exactly what
// makes serve()'s read loop return and run this deferred cleanup, so this
// must only remove the session if it is still the one this connection
// installed — otherwise it would delete the newer session the force-attach
// just installed under the same key.
func (sc *serverConn) detachOwnedSubscription() {
	sc.subMu.Lock()
	sub := sc.sub
	sess := sc.sess
	sc.subMu.Unlock()
	if sub == nil {
		return
	}
	sc.router.DetachSession(sub.Topic, sub.Subscriber, sess)
}

// rateLimited applies the connection's ratelimit.Manager, if any, keyed by
// remote address for publishes (no client identity travels with a publish
// on the wire) and by subscriber id for subscribes.
func (sc *serverConn) rateLimited(req *wire.PubSubRequest) bool {
	if sc.cfg.RateLimiter == nil {
		return false
	}
	switch req.Op {
	case wire.OpPublish:
		return !sc.cfg.RateLimiter.AllowPublish(sc.conn.RemoteAddr().String())
	case wire.OpSubscribe:
		if req.Subscribe == nil {
			return false
		}
		return !sc.cfg.RateLimiter.AllowSubscribe(req.Subscribe.SubscriberID)
	default:
		return false
	}
}

func txnResponse(txnID string, status wire.StatusCode, msg string) wire.PubSubResponse {
	return wire.PubSubResponse{
		ProtocolVersion: wire.ProtocolVersion,
		Status:          status,
		StatusMsg:       msg,
		TxnID:           txnID,
	}
}

func (sc *serverConn) writeResponse(resp wire.PubSubResponse) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if sc.cfg.WriteTimeout > 0 {
		_ = sc.conn.SetWriteDeadline(time.Now().Add(sc.cfg.WriteTimeout))
		defer sc.conn.SetWriteDeadline(time.Time{})
	}
	return sc.codec.WriteResponse(&resp)
}

// wireEndpoint adapts one serverConn into a delivery.Endpoint. It shares
// writeMu with the request/response loop so a delivered message frame can
// never interleave with an in-flight ack write, and it always reports
// Writable(): backpressure is enforced by blocking Write against a bounded
// write deadline instead of a separate non-blocking check.
type wireEndpoint struct {
	sc           *serverConn
	writeTimeout time.Duration
}

func (e *wireEndpoint) Write(ctx context.Context, msg core.Message) error {
	e.sc.writeMu.Lock()
	defer e.sc.writeMu.Unlock()
	if e.writeTimeout > 0 {
		_ = e.sc.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		defer e.sc.conn.SetWriteDeadline(time.Time{})
	}
	resp := wire.PubSubResponse{
		ProtocolVersion: wire.ProtocolVersion,
		Status:          wire.StatusSuccess,
		Message:         &wire.MessageFrame{SeqID: msg.SeqID.Local, Payload: msg.Bytes()},
	}
	return e.sc.codec.WriteResponse(&resp)
}

func (e *wireEndpoint) Writable() bool { return true }

func (e *wireEndpoint) Close() error { return e.sc.conn.Close() }
