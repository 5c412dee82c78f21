// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/relaymq/relaymq/core"
)

// MemoryGateway is a Gateway backed by in-memory maps. It is used for
// single-node development and tests where no BadgerDB directory is
// available; nothing survives a process restart.
type MemoryGateway struct {
	mu       sync.RWMutex
	messages map[core.Topic]map[uint64][]byte
	seq      map[core.Topic]uint64
	pointers map[core.Topic]uint64
	bounds   map[core.Topic]uint64
}

// NewMemoryGateway returns an empty Gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		messages: make(map[core.Topic]map[uint64][]byte),
		seq:      make(map[core.Topic]uint64),
		pointers: make(map[core.Topic]uint64),
		bounds:   make(map[core.Topic]uint64),
	}
}

func (g *MemoryGateway) Append(_ context.Context, topic core.Topic, payload []byte) (core.SeqID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq[topic]++
	assigned := g.seq[topic]
	if g.messages[topic] == nil {
		g.messages[topic] = make(map[uint64][]byte)
	}
	stored := append([]byte(nil), payload...)
	g.messages[topic][assigned] = stored
	return core.SeqID{Local: assigned}, nil
}

func (g *MemoryGateway) ScanRange(_ context.Context, topic core.Topic, fromSeq core.SeqID, limit int) ([]core.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	current := g.seq[topic]
	var out []core.Message
	for s := fromSeq.Local; s <= current && len(out) < limit; s++ {
		payload, ok := g.messages[topic][s]
		if !ok {
			continue
		}
		out = append(out, core.Message{
			Topic:       topic,
			SeqID:       core.SeqID{Local: s},
			Payload:     payload,
			PublishedAt: time.Now(),
		})
	}
	return out, nil
}

func (g *MemoryGateway) CurrentSeqID(_ context.Context, topic core.Topic) (core.SeqID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return core.SeqID{Local: g.seq[topic]}, nil
}

func (g *MemoryGateway) ConsumedUntil(_ context.Context, topic core.Topic) (core.SeqID, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seq, ok := g.pointers[topic]
	return core.SeqID{Local: seq}, ok, nil
}

func (g *MemoryGateway) SetConsumedUntil(_ context.Context, topic core.Topic, seqID core.SeqID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pointers[topic] = seqID.Local
	return nil
}

func (g *MemoryGateway) SetMessageBound(_ context.Context, topic core.Topic, bound uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bounds[topic] = bound
	return nil
}

func (g *MemoryGateway) MessageBound(_ context.Context, topic core.Topic) (uint64, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	bound, ok := g.bounds[topic]
	return bound, ok, nil
}

func (g *MemoryGateway) ClearMessageBound(_ context.Context, topic core.Topic) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bounds, topic)
	return nil
}

func (g *MemoryGateway) DeleteTopic(_ context.Context, topic core.Topic) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.messages, topic)
	delete(g.seq, topic)
	delete(g.pointers, topic)
	delete(g.bounds, topic)
	return nil
}

func (g *MemoryGateway) Close() error { return nil }
