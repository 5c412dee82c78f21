// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"sync"

	"github.com/relaymq/relaymq/core"
)

// MemoryStore is a Store backed by an in-memory map, for single-node
// deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[core.Topic]map[core.SubscriberID]Record
}

// NewMemoryStore returns an empty Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[core.Topic]map[core.SubscriberID]Record)}
}

func (s *MemoryStore) List(_ context.Context, topic core.Topic) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byTopic := s.records[topic]
	out := make([]Record, 0, len(byTopic))
	for _, rec := range byTopic {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[rec.Topic] == nil {
		s.records[rec.Topic] = make(map[core.SubscriberID]Record)
	}
	s.records[rec.Topic][rec.Subscriber] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, topic core.Topic, subscriber core.SubscriberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[topic], subscriber)
	return nil
}
