// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements the RequestRouter: it resolves whether this
// node owns the requested topic, redirects when it does not, and otherwise
// dispatches the decoded frame to the ownership/subscription/delivery
// components that carry it out.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/delivery"
	"github.com/relaymq/relaymq/ownership"
	"github.com/relaymq/relaymq/persistence"
	"github.com/relaymq/relaymq/subscription"
	"github.com/relaymq/relaymq/wire"
)

// Outcome tells the caller what became of a routed request: the frame to
// write back (unless NoReply), and whether the channel that carried the
// request should be closed afterward.
type Outcome struct {
	Response     wire.PubSubResponse
	NoReply      bool
	CloseChannel bool

	// Session is set on a successful OpSubscribe: the delivery.Session this
	// call's endpoint was attached to. A caller that needs to tear down its
	// own subscription later (e.g. on disconnect) must hold onto this and
	// pass it to DetachSession rather than Detach, so it never evicts a
	// session a later force-attach installed under the same key.
	Session *delivery.Session
}

// Router is the RequestRouter. One Router serves every connection on a
// node; per-request state lives entirely in the arguments to Route.
type Router struct {
	registry ownership.Registry
	subs     *subscription.Manager
	deliv    *delivery.Manager
	gw       persistence.Gateway
	selfAddr string
	log      *slog.Logger

	ready *readiness
}

// New builds a Router and registers it as an ownership.Listener on
// registry so that claims and releases drive topic acquisition and
// delivery-session teardown automatically.
func New(
	registry ownership.Registry,
	subs *subscription.Manager,
	deliv *delivery.Manager,
	gw persistence.Gateway,
	selfAddr string,
	log *slog.Logger,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "router")

	r := &Router{
		registry: registry,
		subs:     subs,
		deliv:    deliv,
		gw:       gw,
		selfAddr: selfAddr,
		log:      log,
	}
	r.ready = newReadiness(subs, registry, nil, func(topic core.Topic) {
		deliv.DetachTopic(topic)
	}, log)
	registry.AddListener(r.ready)
	return r
}

func txnResponse(txnID string, status wire.StatusCode, msg string) wire.PubSubResponse {
	return wire.PubSubResponse{
		ProtocolVersion: wire.ProtocolVersion,
		Status:          status,
		StatusMsg:       msg,
		TxnID:           txnID,
	}
}

// Route decides ownership, then dispatches req. endpoint is only consulted
// for OpSubscribe; onAdvance, if non-nil, is invoked by the resulting
// delivery session every time its pointer moves.
func (r *Router) Route(ctx context.Context, req wire.PubSubRequest, endpoint delivery.Endpoint, onAdvance func(core.SeqID)) Outcome {
	topic := core.Topic(req.Topic)

	if !r.registry.IsOwner(topic) {
		if req.ShouldClaim {
			claim, err := r.registry.Claim(ctx, topic)
			if err != nil {
				r.log.Warn("claim failed", "topic", topic, "err", err)
				return Outcome{Response: txnResponse(req.TxnID, wire.StatusServiceDown, err.Error())}
			}
			if !claim.Acquired {
				return r.redirect(req, claim.Owner)
			}
			// Claimed: fall through to the readiness check below. OnAcquired
			// has already fired synchronously and kicked off loading.
		} else {
			owner, err := r.registry.Owner(ctx, topic)
			if err != nil {
				r.log.Warn("owner lookup failed", "topic", topic, "err", err)
				return Outcome{Response: txnResponse(req.TxnID, wire.StatusServiceDown, err.Error())}
			}
			return r.redirect(req, owner)
		}
	}

	if !r.ready.isReady(topic) {
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusServiceDown, "topic acquisition in progress")}
	}

	return r.dispatch(ctx, req, endpoint, onAdvance)
}

// IsReady reports whether this node has finished loading topic's persisted
// subscription state after claiming ownership of it. Useful for health
// checks and tests that need to wait past the claim-then-load window.
func (r *Router) IsReady(topic core.Topic) bool {
	return r.ready.isReady(topic)
}

// Detach tears down whatever delivery session currently exists for
// (topic, subscriber), without touching subscription state, regardless of
// which session installed it. For explicit unsubscribe, where the intent
// is that no session for this subscriber should survive.
func (r *Router) Detach(topic core.Topic, subscriber core.SubscriberID) {
	r.deliv.Detach(topic, subscriber)
}

// DetachSession tears down the delivery session for (topic, subscriber)
// only if it is still exactly sess, the session an earlier successful
// Route(OpSubscribe) returned via Outcome.Session. Used by a connection
// cleaning up its own subscription on disconnect, so a stale cleanup
// racing a concurrent force-attach can never close the newer session that
// took over the key.
func (r *Router) DetachSession(topic core.Topic, subscriber core.SubscriberID, sess *delivery.Session) {
	r.deliv.DetachSession(topic, subscriber, sess)
}

func (r *Router) redirect(req wire.PubSubRequest, owner string) Outcome {
	resp := txnResponse(req.TxnID, wire.StatusNotResponsibleForTopic, owner)
	// Subscribe channels are closed after a redirect so the client opens a
	// fresh dedicated channel against the correct owner; publish/unsubscribe
	// share a channel and may keep talking to this node for other topics.
	return Outcome{Response: resp, CloseChannel: req.Op == wire.OpSubscribe}
}

func (r *Router) dispatch(ctx context.Context, req wire.PubSubRequest, endpoint delivery.Endpoint, onAdvance func(core.SeqID)) Outcome {
	topic := core.Topic(req.Topic)

	switch req.Op {
	case wire.OpPublish:
		return r.handlePublish(ctx, topic, req)
	case wire.OpSubscribe:
		return r.handleSubscribe(ctx, topic, req, endpoint, onAdvance)
	case wire.OpUnsubscribe:
		return r.handleUnsubscribe(ctx, topic, req)
	case wire.OpConsume:
		return r.handleConsume(ctx, topic, req)
	default:
		return Outcome{
			Response:     txnResponse(req.TxnID, wire.StatusMalformedRequest, "unknown operation type"),
			CloseChannel: true,
		}
	}
}

func (r *Router) handlePublish(ctx context.Context, topic core.Topic, req wire.PubSubRequest) Outcome {
	if req.Publish == nil {
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusMalformedRequest, "missing publish body"), CloseChannel: true}
	}

	seq, err := r.gw.Append(ctx, topic, req.Publish.Payload)
	if err != nil {
		r.log.Warn("append failed", "topic", topic, "err", err)
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusServiceDown, err.Error())}
	}
	r.deliv.NotifyAppend(topic)

	resp := txnResponse(req.TxnID, wire.StatusSuccess, "")
	resp.ResponseBody = &wire.ResponseBody{PublishSeqID: seq.Local}
	return Outcome{Response: resp}
}

func (r *Router) handleSubscribe(ctx context.Context, topic core.Topic, req wire.PubSubRequest, endpoint delivery.Endpoint, onAdvance func(core.SeqID)) Outcome {
	if req.Subscribe == nil {
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusMalformedRequest, "missing subscribe body"), CloseChannel: true}
	}
	if req.Subscribe.SubscriberID == "" {
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusInvalidSubscriberID, "subscriber id must not be empty"), CloseChannel: true}
	}
	subscriber := core.SubscriberID(req.Subscribe.SubscriberID)

	rec, err := r.subs.Subscribe(ctx, topic, *req.Subscribe)
	switch {
	case errors.Is(err, core.ErrAlreadySubscribed):
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusClientAlreadySubscribed, ""), CloseChannel: true}
	case errors.Is(err, core.ErrNotSubscribed):
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusClientNotSubscribed, ""), CloseChannel: true}
	case err != nil:
		r.log.Warn("subscribe failed", "topic", topic, "subscriber", subscriber, "err", err)
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusServiceDown, err.Error())}
	}

	filters := delivery.BuildFilterChain(rec.Preferences.MessageFilter)
	startSeq := rec.ConsumePointer.Next()

	// Install the DeliverySession before writing the ack, per §4.5: the
	// first delivered message must never precede the subscribe ack.
	sess, err := r.deliv.Attach(ctx, topic, subscriber, endpoint, startSeq, filters, req.Subscribe.ForceAttach, onAdvance)
	if errors.Is(err, core.ErrTopicBusy) {
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusTopicBusy, ""), CloseChannel: true}
	}
	if err != nil {
		r.log.Warn("attach failed", "topic", topic, "subscriber", subscriber, "err", err)
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusServiceDown, err.Error())}
	}

	resp := txnResponse(req.TxnID, wire.StatusSuccess, "")
	resp.ResponseBody = &wire.ResponseBody{SubscribeStart: startSeq.Local}
	return Outcome{Response: resp, Session: sess}
}

func (r *Router) handleUnsubscribe(ctx context.Context, topic core.Topic, req wire.PubSubRequest) Outcome {
	if req.Unsubscribe == nil {
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusMalformedRequest, "missing unsubscribe body"), CloseChannel: true}
	}
	subscriber := core.SubscriberID(req.Unsubscribe.SubscriberID)

	r.deliv.Detach(topic, subscriber)
	if err := r.subs.Unsubscribe(ctx, topic, subscriber); err != nil {
		if errors.Is(err, core.ErrNotSubscribed) {
			return Outcome{Response: txnResponse(req.TxnID, wire.StatusClientNotSubscribed, "")}
		}
		r.log.Warn("unsubscribe failed", "topic", topic, "subscriber", subscriber, "err", err)
		return Outcome{Response: txnResponse(req.TxnID, wire.StatusServiceDown, err.Error())}
	}
	return Outcome{Response: txnResponse(req.TxnID, wire.StatusSuccess, "")}
}

func (r *Router) handleConsume(ctx context.Context, topic core.Topic, req wire.PubSubRequest) Outcome {
	if req.Consume == nil {
		return Outcome{NoReply: true}
	}
	subscriber := core.SubscriberID(req.Consume.SubscriberID)
	if err := r.subs.Consume(ctx, topic, subscriber, core.SeqID{Local: req.Consume.SeqID}); err != nil {
		r.log.Warn("consume failed", "topic", topic, "subscriber", subscriber, "err", err)
	}
	return Outcome{NoReply: true}
}
