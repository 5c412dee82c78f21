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

// Client is the process-wide entry point: it owns the shared HostCache and
// the publish/unsubscribe channels reused across topics routed to the same
// host (§4.6 "Publish channel reuse"). Dedicated subscribe channels are
// owned by the *Session returned from Subscribe, not by Client.
type Client struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel // host -> shared publish/unsubscribe channel
}

// New returns a Client using cfg. A nil cfg.Hosts is replaced with a fresh
// HostCache; DefaultConfig supplies one.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if len(cfg.SeedHosts) == 0 {
		return nil, ErrNoSeedHosts
	}
	if cfg.Hosts == nil {
		cfg.Hosts = NewHostCache()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewTCPDialer(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log.With("component", "client"), channels: make(map[string]*channel)}, nil
}

func (c *Client) startHost(topic core.Topic) string {
	if host, ok := c.cfg.Hosts.Get(topic); ok {
		return host
	}
	return c.cfg.SeedHosts[0]
}

// sharedChannel returns the existing publish/unsubscribe channel for host,
// dialing a new one if none exists or the prior one has failed.
func (c *Client) sharedChannel(ctx context.Context, host string) (*channel, error) {
	c.mu.Lock()
	if ch, ok := c.channels[host]; ok {
		select {
		case <-ch.closed:
			delete(c.channels, host)
		default:
			c.mu.Unlock()
			return ch, nil
		}
	}
	c.mu.Unlock()

	conn, err := c.cfg.Dialer.Dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", host, err)
	}
	ch := newChannel(host, conn, c.log)

	c.mu.Lock()
	c.channels[host] = ch
	c.mu.Unlock()
	go func() {
		<-ch.closed
		c.mu.Lock()
		if c.channels[host] == ch {
			delete(c.channels, host)
		}
		c.mu.Unlock()
		c.cfg.Hosts.PurgeHost(host)
	}()
	return ch, nil
}

func newTxnID(ch *channel) string { return ch.pending.nextTxnID() }

// Publish sends payload to topic, following redirects to the owning node,
// and returns the assigned sequence id.
func (c *Client) Publish(ctx context.Context, topic core.Topic, payload []byte) (uint64, error) {
	resp, finalHost, err := redirectLoop(c.cfg, c.cfg.SeedHosts, c.startHost(topic),
		func(host string, shouldClaim bool, tried []string) (wire.PubSubResponse, error) {
			ch, err := c.sharedChannel(ctx, host)
			if err != nil {
				return wire.PubSubResponse{}, err
			}
			req := wire.PubSubRequest{
				ProtocolVersion: wire.ProtocolVersion,
				Op:              wire.OpPublish,
				Topic:           string(topic),
				TxnID:           newTxnID(ch),
				ShouldClaim:     shouldClaim,
				TriedServers:    tried,
				Publish:         &wire.PublishRequest{Payload: payload},
			}
			return ch.submit(ctx, req)
		})
	if err != nil {
		return 0, err
	}
	if resp.Status != wire.StatusSuccess {
		return 0, fmt.Errorf("client: publish %q failed: %s", topic, resp.Status)
	}
	c.cfg.Hosts.Set(topic, finalHost)
	if resp.ResponseBody == nil {
		return 0, fmt.Errorf("client: publish %q: missing response body", topic)
	}
	return resp.ResponseBody.PublishSeqID, nil
}

// Unsubscribe ends subscriber's subscription to topic, following redirects
// to the owning node. It shares the publish channel to that host.
func (c *Client) Unsubscribe(ctx context.Context, topic core.Topic, subscriber core.SubscriberID) error {
	if subscriber == "" {
		return ErrEmptySubscriber
	}
	resp, finalHost, err := redirectLoop(c.cfg, c.cfg.SeedHosts, c.startHost(topic),
		func(host string, shouldClaim bool, tried []string) (wire.PubSubResponse, error) {
			ch, err := c.sharedChannel(ctx, host)
			if err != nil {
				return wire.PubSubResponse{}, err
			}
			req := wire.PubSubRequest{
				ProtocolVersion: wire.ProtocolVersion,
				Op:              wire.OpUnsubscribe,
				Topic:           string(topic),
				TxnID:           newTxnID(ch),
				ShouldClaim:     shouldClaim,
				TriedServers:    tried,
				Unsubscribe:     &wire.UnsubscribeRequest{SubscriberID: string(subscriber)},
			}
			return ch.submit(ctx, req)
		})
	if err != nil {
		return err
	}
	c.cfg.Hosts.Set(topic, finalHost)
	switch resp.Status {
	case wire.StatusSuccess:
		return nil
	case wire.StatusClientNotSubscribed:
		return core.ErrNotSubscribed
	default:
		return fmt.Errorf("client: unsubscribe %q failed: %s", topic, resp.Status)
	}
}

// Close tears down every shared publish/unsubscribe channel. Active
// subscribe sessions are owned separately and must be closed individually.
func (c *Client) Close() error {
	c.mu.Lock()
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}
