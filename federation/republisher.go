// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package federation implements the hub-subscriber cross-region republish
// flow: a Republisher opens an upstream subscription against a remote
// region's seed hosts the first time a topic gets a local subscriber, and
// republishes every message it receives onto the same topic locally.
package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaymq/relaymq/client"
	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/router"
	"github.com/relaymq/relaymq/wire"
)

// Config configures a Republisher.
type Config struct {
	// RegionID names this region and becomes part of the hub subscriber id
	// this node presents upstream, so the remote region's owner node can
	// tell federation traffic apart from an ordinary local client.
	RegionID string
	// HubSeedHosts are the remote region's broker seed hosts.
	HubSeedHosts []string
	ClientConfig client.Config
}

// Republisher is a subscription.Listener that bridges one topic's local
// subscriber population to an upstream hub subscription.
type Republisher struct {
	cfg    Config
	hub    *client.Client
	router *router.Router
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[core.Topic]*client.Session
}

// New builds a Republisher that republishes into r using an upstream
// client dialing cfg.HubSeedHosts.
func New(cfg Config, r *router.Router, log *slog.Logger) (*Republisher, error) {
	if log == nil {
		log = slog.Default()
	}
	clientCfg := cfg.ClientConfig
	clientCfg.SeedHosts = cfg.HubSeedHosts
	hub, err := client.New(clientCfg, log.With("component", "federation.hub"))
	if err != nil {
		return nil, fmt.Errorf("federation: hub client: %w", err)
	}
	return &Republisher{
		cfg:      cfg,
		hub:      hub,
		router:   r,
		log:      log.With("component", "federation"),
		sessions: make(map[core.Topic]*client.Session),
	}, nil
}

func (f *Republisher) hubSubscriberID() core.SubscriberID {
	return core.SubscriberID(core.HubSubscriberPrefix + f.cfg.RegionID)
}

// OnFirstLocalSubscribe opens the upstream hub subscription for topic. An
// error here rolls back the local subscribe that triggered it when the
// caller requested synchronous semantics.
func (f *Republisher) OnFirstLocalSubscribe(ctx context.Context, topic core.Topic) error {
	f.mu.Lock()
	if _, exists := f.sessions[topic]; exists {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	sess, err := f.hub.SubscribeAsHub(ctx, topic, f.hubSubscriberID(), wire.ModeCreateOrAttach,
		wire.SubscriptionPreferences{}, false, false,
		func(msg core.Message) { f.republish(topic, msg) })
	if err != nil {
		return fmt.Errorf("federation: subscribe %q upstream: %w", topic, err)
	}

	f.mu.Lock()
	f.sessions[topic] = sess
	f.mu.Unlock()
	f.log.Info("opened upstream hub subscription", "topic", topic, "region", f.cfg.RegionID)
	return nil
}

// republish writes a message received from the hub onto the local topic
// through the RequestRouter, the same path any ordinary publisher uses.
func (f *Republisher) republish(topic core.Topic, msg core.Message) {
	req := wire.PubSubRequest{
		ProtocolVersion: wire.ProtocolVersion,
		Op:              wire.OpPublish,
		Topic:           string(topic),
		TxnID:           "federation",
		Publish:         &wire.PublishRequest{Payload: msg.Bytes()},
	}
	out := f.router.Route(context.Background(), req, nil, nil)
	if out.Response.Status != wire.StatusSuccess {
		f.log.Warn("republish failed", "topic", topic, "status", out.Response.Status)
		return
	}

	f.mu.Lock()
	sess := f.sessions[topic]
	f.mu.Unlock()
	if sess != nil {
		if err := sess.Consume(msg.SeqID); err != nil {
			f.log.Warn("ack upstream message failed", "topic", topic, "err", err)
		}
	}
}

// OnLastLocalUnsubscribe tears the upstream hub subscription down once the
// last local subscriber for topic leaves.
func (f *Republisher) OnLastLocalUnsubscribe(topic core.Topic, lastSubscriber bool) {
	if !lastSubscriber {
		return
	}
	f.mu.Lock()
	sess, ok := f.sessions[topic]
	if ok {
		delete(f.sessions, topic)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.Unsubscribe(context.Background()); err != nil {
		f.log.Warn("upstream unsubscribe failed", "topic", topic, "err", err)
	}
	f.log.Info("closed upstream hub subscription", "topic", topic, "region", f.cfg.RegionID)
}

// Close tears down every open upstream subscription and the hub client.
func (f *Republisher) Close() error {
	f.mu.Lock()
	sessions := make([]*client.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.sessions = make(map[core.Topic]*client.Session)
	f.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return f.hub.Close()
}
