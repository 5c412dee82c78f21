// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/wire"
)

// channel is one physical connection to a broker node, framed with
// wire.Codec. A publish/unsubscribe channel is shared across topics routed
// to the same host; a subscribe channel is dedicated to one TopicSubscriber
// so its flow control never blocks another subscription (§4.6).
type channel struct {
	host  string
	conn  io.ReadWriteCloser
	codec *wire.Codec
	log   *slog.Logger

	pending *pendingStore

	// onMessage, when set, receives every MessageFrame read on this
	// channel — only populated on dedicated subscribe channels.
	mu        sync.Mutex
	onMessage func(core.Message)

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newChannel(host string, conn io.ReadWriteCloser, log *slog.Logger) *channel {
	if log == nil {
		log = slog.Default()
	}
	c := &channel{
		host:    host,
		conn:    conn,
		codec:   wire.NewCodec(conn),
		log:     log.With("component", "client.channel", "host", host),
		pending: newPendingStore(host),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *channel) setOnMessage(fn func(core.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *channel) readLoop() {
	for {
		resp, err := c.codec.ReadResponse()
		if err != nil {
			c.fail(err)
			return
		}
		if resp.Message != nil {
			c.mu.Lock()
			handler := c.onMessage
			c.mu.Unlock()
			if handler != nil {
				handler(core.Message{
					SeqID:   core.SeqID{Local: resp.Message.SeqID},
					Payload: resp.Message.Payload,
				})
			}
			continue
		}
		if !c.pending.complete(resp.TxnID, *resp) {
			c.log.Warn("response for unknown txn, dropping", "txn", resp.TxnID)
		}
	}
}

// submit is submitOnce, resent on this channel with a doubling backoff
// (20ms up to about 5s in all) while the node answers SERVICE_DOWN because
// it is still acquiring the topic.
func (c *channel) submit(ctx context.Context, req wire.PubSubRequest) (wire.PubSubResponse, error) {
	for backoff := 20 * time.Millisecond; ; backoff *= 2 {
		resp, err := c.submitOnce(ctx, req)
		if err != nil || backoff > 3*time.Second || resp.Status != wire.StatusServiceDown || resp.StatusMsg != "topic acquisition in progress" {
			return resp, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return wire.PubSubResponse{}, ctx.Err()
		}
	}
}

// submitOnce writes req and blocks for its response, or until ctx is done.
func (c *channel) submitOnce(ctx context.Context, req wire.PubSubRequest) (wire.PubSubResponse, error) {
	op := c.pending.add(req.TxnID, req)
	if err := c.codec.WriteRequest(&req); err != nil {
		c.pending.complete(req.TxnID, wire.PubSubResponse{})
		return wire.PubSubResponse{}, err
	}
	select {
	case <-op.done:
		return op.resp, op.err
	case <-ctx.Done():
		return wire.PubSubResponse{}, ctx.Err()
	case <-c.closed:
		return wire.PubSubResponse{}, c.closeErr
	}
}

// fireAndForget writes req without waiting for a reply, used for Consume.
func (c *channel) fireAndForget(req wire.PubSubRequest) error {
	return c.codec.WriteRequest(&req)
}

// fail tears the channel down and completes every pending op with
// core.ErrUncertainState: the server may or may not have observed them,
// per §4.6 "Pending-request recovery".
func (c *channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		_ = c.conn.Close()
		c.pending.failAll(fmt.Errorf("%w: %v", core.ErrUncertainState, err))
	})
}

func (c *channel) Close() error {
	c.fail(errors.New("client: channel closed locally"))
	return nil
}
