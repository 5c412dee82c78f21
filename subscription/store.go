// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription implements the SubscriptionManager: the in-memory,
// per-topic map of subscriber state, backed by a metadata store for
// crash recovery, with its own listener hooks for cross-region federation.
package subscription

import (
	"context"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/wire"
)

// Preferences mirrors wire.SubscriptionPreferences at rest, decoupled from
// the wire schema so the store and its persisted records are stable across
// protocol revisions.
type Preferences struct {
	HasBound      bool
	MessageBound  uint32
	MessageFilter string
	Options       map[string]string
}

func preferencesFromWire(p wire.SubscriptionPreferences) Preferences {
	return Preferences{
		HasBound:      p.HasBound,
		MessageBound:  p.MessageBound,
		MessageFilter: p.MessageFilter,
		Options:       p.Options,
	}
}

// Record is the durable representation of one subscription.
type Record struct {
	Topic          core.Topic
	Subscriber     core.SubscriberID
	ConsumePointer core.SeqID
	Preferences    Preferences
}

func (r Record) isHub() bool { return r.Subscriber.IsHub() }

// Store persists subscription records in a metadata store so that they
// survive an owning node's restart. It is keyed by topic for bulk load on
// acquireTopic.
type Store interface {
	// List returns every persisted record for topic, in no particular order.
	List(ctx context.Context, topic core.Topic) ([]Record, error)
	// Put creates or overwrites a single record.
	Put(ctx context.Context, rec Record) error
	// Delete removes a single record. No-op if absent.
	Delete(ctx context.Context, topic core.Topic, subscriber core.SubscriberID) error
}
