// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/persistence"
)

// Manager is the DeliveryManager: it owns every active DeliverySession on
// this node, keyed by (topic, subscriber-id), and the per-topic
// tail-notification a session waits on when it catches up to the log.
//
// force-attach / TopicBusy channel takeover lives here rather than in
// subscription.Manager: it is a property of "who currently holds the
// physical connection for this TopicSubscriber", not of the persisted
// subscription record.
type Manager struct {
	gw  persistence.Gateway
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	sessions  map[core.TopicSubscriber]*Session
	notifiers map[core.Topic]*notifier
}

// NewManager constructs a Manager. Sessions are created via Attach.
func NewManager(gw persistence.Gateway, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		gw:        gw,
		cfg:       cfg,
		log:       log.With("component", "delivery.manager"),
		sessions:  make(map[core.TopicSubscriber]*Session),
		notifiers: make(map[core.Topic]*notifier),
	}
}

func (m *Manager) notifierFor(topic core.Topic) *notifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifiers[topic]
	if !ok {
		n = newNotifier()
		m.notifiers[topic] = n
	}
	return n
}

// NotifyAppend wakes every session on topic waiting for new messages.
// Called by the router after a successful publish.
func (m *Manager) NotifyAppend(topic core.Topic) {
	m.notifierFor(topic).broadcast()
}

// Attach starts (or, with forceAttach, takes over) a DeliverySession for
// (topic, subscriber) starting at startSeq. If a session for the same key
// already exists and forceAttach is false, returns core.ErrTopicBusy
// without disturbing the existing session — the caller is expected to
// close the new endpoint. With forceAttach true, the old session's
// endpoint is closed and this call's endpoint takes over.
func (m *Manager) Attach(
	ctx context.Context,
	topic core.Topic,
	subscriber core.SubscriberID,
	endpoint Endpoint,
	startSeq core.SeqID,
	filters FilterChain,
	forceAttach bool,
	onAdvance func(core.SeqID),
) (*Session, error) {
	key := core.TopicSubscriber{Topic: topic, Subscriber: subscriber}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		if !forceAttach {
			m.mu.Unlock()
			return nil, core.ErrTopicBusy
		}
		existing.Close()
		m.log.Info("force-attach closed prior session", "topic", topic, "subscriber", subscriber)
	}

	sess := newSession(topic, subscriber, endpoint, filters, m.gw, m.cfg, startSeq,
		func() <-chan struct{} { return m.notifierFor(topic).wait() },
		onAdvance, m.log)
	m.sessions[key] = sess
	m.mu.Unlock()

	go sess.run(ctx)
	return sess, nil
}

// Detach ends the session for (topic, subscriber), if one exists,
// regardless of which session currently holds the key. Used when the
// caller's intent is "no session should exist for this subscriber
// anymore" — explicit unsubscribe — where evicting whatever is currently
// attached (even one installed by a later force-attach) is correct.
func (m *Manager) Detach(topic core.Topic, subscriber core.SubscriberID) {
	key := core.TopicSubscriber{Topic: topic, Subscriber: subscriber}
	m.mu.Lock()
	sess, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// DetachSession ends the session for (topic, subscriber) only if it is
// still exactly sess — a remove-if-equal so a connection tearing down its
// own session on disconnect can never evict a newer session a concurrent
// force-attach has since installed under the same key. Callers that only
// hold a *Session because they created it (rather than expressing intent
// to remove whatever is currently subscribed) must use this instead of
// Detach.
func (m *Manager) DetachSession(topic core.Topic, subscriber core.SubscriberID, sess *Session) {
	if sess == nil {
		return
	}
	key := core.TopicSubscriber{Topic: topic, Subscriber: subscriber}
	m.mu.Lock()
	current, ok := m.sessions[key]
	if !ok || current != sess {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	m.mu.Unlock()
	sess.Close()
}

// DetachTopic ends every session on topic, used on topic release.
func (m *Manager) DetachTopic(topic core.Topic) {
	m.mu.Lock()
	var victims []*Session
	for key, sess := range m.sessions {
		if key.Topic == topic {
			victims = append(victims, sess)
			delete(m.sessions, key)
		}
	}
	delete(m.notifiers, topic)
	m.mu.Unlock()

	for _, sess := range victims {
		sess.Close()
	}
}

// Session returns the active session for (topic, subscriber), if any.
func (m *Manager) Session(topic core.Topic, subscriber core.SubscriberID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[core.TopicSubscriber{Topic: topic, Subscriber: subscriber}]
	return sess, ok
}

// Count returns the number of active sessions, for diagnostics/tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
