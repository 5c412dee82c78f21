// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ownership

import (
	"context"
	"sync"

	"github.com/relaymq/relaymq/core"
)

// MemoryRegistry is a single-process Registry that always succeeds in
// claiming any unclaimed topic. It is used for single-node deployments and
// tests where no etcd cluster is available; there is never a remote owner
// to redirect to.
type MemoryRegistry struct {
	selfAddress string

	mu        sync.Mutex
	owners    map[core.Topic]string
	listeners []Listener
}

// NewMemoryRegistry returns a Registry with no external dependency, always
// resolving ownership locally.
func NewMemoryRegistry(selfAddress string) *MemoryRegistry {
	return &MemoryRegistry{
		selfAddress: selfAddress,
		owners:      make(map[core.Topic]string),
	}
}

func (r *MemoryRegistry) Claim(_ context.Context, topic core.Topic) (ClaimResult, error) {
	r.mu.Lock()
	if owner, ok := r.owners[topic]; ok {
		r.mu.Unlock()
		if owner == r.selfAddress {
			return ClaimResult{Acquired: true}, nil
		}
		return ClaimResult{Acquired: false, Owner: owner}, nil
	}
	r.owners[topic] = r.selfAddress
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnAcquired(topic)
	}
	return ClaimResult{Acquired: true}, nil
}

func (r *MemoryRegistry) Release(_ context.Context, topic core.Topic) error {
	r.mu.Lock()
	owner, ok := r.owners[topic]
	if !ok || owner != r.selfAddress {
		r.mu.Unlock()
		return nil
	}
	delete(r.owners, topic)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l.OnReleased(topic)
	}
	return nil
}

func (r *MemoryRegistry) Owner(_ context.Context, topic core.Topic) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[topic], nil
}

func (r *MemoryRegistry) IsOwner(topic core.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[topic] == r.selfAddress
}

func (r *MemoryRegistry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *MemoryRegistry) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	topics := make([]core.Topic, 0, len(r.owners))
	for t, owner := range r.owners {
		if owner == r.selfAddress {
			topics = append(topics, t)
		}
	}
	r.mu.Unlock()
	for _, t := range topics {
		_ = r.Release(context.Background(), t)
	}
	return nil
}
