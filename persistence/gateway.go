// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package persistence adapts the durable, append-only, range-scannable
// per-topic log the broker's core is written against. Every message the
// owner accepts is appended here before it is fanned out; every delivery
// scan reads back through the same interface.
package persistence

import (
	"context"
	"errors"

	"github.com/relaymq/relaymq/core"
)

var (
	// ErrTopicNotFound names a missing topic. Neither MemoryGateway nor
	// BadgerGateway returns it: an unknown topic reads as empty.
	ErrTopicNotFound = errors.New("persistence: topic not found")
)

// Gateway is the durable log the broker's core is written against. It knows
// nothing about ownership, subscriptions, or delivery: it stores messages
// per topic in append order and answers range scans and pointer queries.
type Gateway interface {
	// Append writes msg to topic's log, assigning it the next sequence id.
	// Returns the assigned SeqID.
	Append(ctx context.Context, topic core.Topic, payload []byte) (core.SeqID, error)

	// ScanRange returns up to limit messages on topic starting at fromSeq
	// (inclusive), in ascending seqId order. An empty result with a nil
	// error means "nothing new past fromSeq yet."
	ScanRange(ctx context.Context, topic core.Topic, fromSeq core.SeqID, limit int) ([]core.Message, error)

	// CurrentSeqID returns the seqId of the most recently appended message
	// on topic, or the zero value if the topic has never been published to.
	CurrentSeqID(ctx context.Context, topic core.Topic) (core.SeqID, error)

	// ConsumedUntil returns the advisory low-water mark last set for topic:
	// every message with a local component at or below it is no longer
	// needed by any subscriber known to this node. The zero value and
	// false mean no hint has ever been set.
	ConsumedUntil(ctx context.Context, topic core.Topic) (core.SeqID, bool, error)

	// SetConsumedUntil records the advisory low-water mark. Purely a
	// retention hint for the log; it does not affect ScanRange semantics.
	// Called by the subscription manager's periodic derived-state pass,
	// computed as the minimum consume pointer across a topic's
	// subscribers, not on every individual consume.
	SetConsumedUntil(ctx context.Context, topic core.Topic, seqID core.SeqID) error

	// SetMessageBound records a retention hint: messages at or below
	// seqID minus bound may be reclaimed. Enforcement (compaction) is
	// asynchronous and best-effort.
	SetMessageBound(ctx context.Context, topic core.Topic, bound uint64) error

	// MessageBound returns the last bound set for topic, and whether one
	// has ever been set.
	MessageBound(ctx context.Context, topic core.Topic) (uint64, bool, error)

	// ClearMessageBound removes any retention cap for topic, reverting to
	// unbounded retention. Called once a topic no longer has every
	// subscriber expressing a bound preference.
	ClearMessageBound(ctx context.Context, topic core.Topic) error

	// DeleteTopic removes every persisted message, pointer, and bound for
	// topic. Used when a topic is explicitly torn down.
	DeleteTopic(ctx context.Context, topic core.Topic) error

	Close() error
}
