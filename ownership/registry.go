// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ownership implements topic-owner election on top of a watchable
// key-value store. Exactly one node may hold the ephemeral key
// "owners/<topic>" at a time; that node is the topic's owner until it
// releases the key or its session lease expires.
package ownership

import (
	"context"

	"github.com/relaymq/relaymq/core"
)

// ClaimResult is the outcome of a Claim call.
type ClaimResult struct {
	Acquired bool
	// Owner is the current holder's address triplet, populated only when
	// Acquired is false.
	Owner string
}

// Listener receives ownership-change notifications. Implementations must
// return quickly; long work should be handed off to another goroutine.
type Listener interface {
	OnAcquired(topic core.Topic)
	// OnReleased fires both for voluntary release and for externally
	// observed lease expiry (crash, network partition, revoked session).
	OnReleased(topic core.Topic)
}

// Registry maintains, via a metadata store, the claim that "this node owns
// topic T" and notifies a Listener of every acquisition and release,
// including ones caused by session expiry rather than a local call.
type Registry interface {
	// Claim attempts to become the owner of topic. On failure the returned
	// ClaimResult.Owner names the current holder for redirect purposes; an
	// empty Owner means the holder's identity could not be determined and
	// callers should fall back to a seed host.
	Claim(ctx context.Context, topic core.Topic) (ClaimResult, error)

	// Release voluntarily gives up ownership of topic. It is a no-op if
	// this node does not currently hold it.
	Release(ctx context.Context, topic core.Topic) error

	// Owner returns the current owner's address triplet for topic, or ""
	// if no node currently owns it.
	Owner(ctx context.Context, topic core.Topic) (string, error)

	// IsOwner reports whether this node currently holds topic's ownership
	// key, from the in-memory view maintained by the watch loop.
	IsOwner(topic core.Topic) bool

	// AddListener registers l to receive ownership-change events. Safe to
	// call before or after Start.
	AddListener(l Listener)

	// Start begins the session-keepalive and watch loop. Blocks until ctx
	// is canceled or an unrecoverable error occurs.
	Start(ctx context.Context) error

	// Close releases every topic this node owns and tears down the
	// session.
	Close() error
}
