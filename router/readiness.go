// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/ownership"
	"github.com/relaymq/relaymq/subscription"
)

// acquireRetries bounds the backoff loop that loads a newly-claimed topic's
// subscription records before it is marked ready to serve. Exhausting the
// budget releases ownership so redirects keep flowing to whichever node
// claims the topic next, rather than wedging it on this node forever.
const acquireRetries = 5

// readiness tracks, per topic owned by this node, whether AcquireTopic has
// finished loading persisted subscription state. A topic claimed but not
// yet ready fails requests with SERVICE_DOWN so the client retries rather
// than seeing a false NOT_RESPONSIBLE_FOR_TOPIC.
//
// It also implements ownership.Listener: acquisition is kicked off from
// OnAcquired and torn down from OnReleased, keeping the readiness map in
// step with the registry's view of what this node owns.
type readiness struct {
	subs     *subscription.Manager
	registry ownership.Registry
	onReady  func(topic core.Topic)
	onDrop   func(topic core.Topic)
	log      *slog.Logger

	mu    sync.Mutex
	ready map[core.Topic]chan struct{} // nil channel value: currently loading
}

func newReadiness(subs *subscription.Manager, registry ownership.Registry, onReady, onDrop func(core.Topic), log *slog.Logger) *readiness {
	return &readiness{
		subs:     subs,
		registry: registry,
		onReady:  onReady,
		onDrop:   onDrop,
		log:      log,
		ready:    make(map[core.Topic]chan struct{}),
	}
}

func (r *readiness) isReady(topic core.Topic) bool {
	r.mu.Lock()
	ch, loading := r.ready[topic]
	r.mu.Unlock()
	if !loading {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// OnAcquired implements ownership.Listener. It must return quickly, so the
// bounded acquire-with-backoff loop runs on its own goroutine.
func (r *readiness) OnAcquired(topic core.Topic) {
	done := make(chan struct{})
	r.mu.Lock()
	r.ready[topic] = done
	r.mu.Unlock()

	go r.loadTopic(topic, done)
}

func (r *readiness) loadTopic(topic core.Topic, done chan struct{}) {
	ctx := context.Background()
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < acquireRetries; attempt++ {
		if err = r.subs.AcquireTopic(ctx, topic); err == nil {
			close(done)
			if r.onReady != nil {
				r.onReady(topic)
			}
			return
		}
		r.log.Warn("acquire topic failed, retrying", "topic", topic, "attempt", attempt, "err", err)
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	r.log.Error("acquire topic exhausted retries, releasing ownership", "topic", topic, "err", err)
	r.mu.Lock()
	delete(r.ready, topic)
	r.mu.Unlock()
	if relErr := r.registry.Release(ctx, topic); relErr != nil {
		r.log.Warn("release after failed acquire failed", "topic", topic, "err", relErr)
	}
}

// OnReleased implements ownership.Listener.
func (r *readiness) OnReleased(topic core.Topic) {
	r.mu.Lock()
	_, existed := r.ready[topic]
	delete(r.ready, topic)
	r.mu.Unlock()
	if !existed {
		return
	}
	if r.onDrop != nil {
		r.onDrop(topic)
	}
	if err := r.subs.ReleaseTopic(context.Background(), topic); err != nil {
		r.log.Warn("release topic subscription state failed", "topic", topic, "err", err)
	}
}
