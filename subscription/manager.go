// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/persistence"
	"github.com/relaymq/relaymq/wire"
)

// Listener receives federation-relevant subscription events. Errors
// returned from OnFirstLocalSubscribe abort and roll back the subscribe
// call that triggered it when the caller requested synchronous delivery.
type Listener interface {
	OnFirstLocalSubscribe(ctx context.Context, topic core.Topic) error
	OnLastLocalUnsubscribe(topic core.Topic, lastSubscriber bool)
}

// Config tunes the lazy consume-pointer flush and the derived-state timer.
type Config struct {
	// ConsumeFlushInterval is the minimum distance, in sequence numbers,
	// between persisted consume pointers for a single subscriber.
	ConsumeFlushInterval uint64
	// DerivedStateInterval is how often the min-consume-pointer /
	// message-bound pass runs over owned topics.
	DerivedStateInterval time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		ConsumeFlushInterval: 1000,
		DerivedStateInterval: 5 * time.Second,
	}
}

type subState struct {
	rec           Record
	lastPersisted uint64
}

type topicState struct {
	localOpLock sync.Mutex
	hubOpLock   sync.Mutex

	mapMu sync.Mutex
	subs  map[core.SubscriberID]*subState
}

func newTopicState() *topicState {
	return &topicState{subs: make(map[core.SubscriberID]*subState)}
}

func (t *topicState) opLock(subscriber core.SubscriberID) *sync.Mutex {
	if subscriber.IsHub() {
		return &t.hubOpLock
	}
	return &t.localOpLock
}

func (t *topicState) countLocal() int {
	n := 0
	for id := range t.subs {
		if !id.IsHub() {
			n++
		}
	}
	return n
}

// Manager is the SubscriptionManager: the authoritative in-memory view of
// every topic's subscribers on this node, backed by Store for crash
// recovery and Gateway for start-of-stream and retention bookkeeping.
type Manager struct {
	store Store
	gw    persistence.Gateway
	cfg   Config
	log   *slog.Logger

	mu        sync.RWMutex
	topics    map[core.Topic]*topicState
	listeners []Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a Manager. Call Start to begin the derived-state timer.
func NewManager(store Store, gw persistence.Gateway, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:  store,
		gw:     gw,
		cfg:    cfg,
		log:    log.With("component", "subscription.manager"),
		topics: make(map[core.Topic]*topicState),
		stopCh: make(chan struct{}),
	}
}

// AddListener registers l for onFirstLocalSubscribe / onLastLocalUnsubscribe
// events. Not safe to call concurrently with topic operations.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) topicState(topic core.Topic) *topicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.topics[topic]
	if !ok {
		ts = newTopicState()
		m.topics[topic] = ts
	}
	return ts
}

// AcquireTopic loads persisted subscription records for topic into memory.
// Must complete before the topic is marked ready to serve requests.
func (m *Manager) AcquireTopic(ctx context.Context, topic core.Topic) error {
	records, err := m.store.List(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscription: acquire %q: %w", topic, err)
	}

	ts := m.topicState(topic)
	ts.mapMu.Lock()
	hadLocal := ts.countLocal() > 0
	for _, rec := range records {
		ts.subs[rec.Subscriber] = &subState{rec: rec, lastPersisted: rec.ConsumePointer.Local}
	}
	hasLocal := ts.countLocal() > 0
	ts.mapMu.Unlock()

	if !hadLocal && hasLocal {
		m.fireFirstLocalSubscribe(ctx, topic)
	}
	return nil
}

// ReleaseTopic flushes dirty consume pointers and drops topic's in-memory
// state, firing onLastLocalUnsubscribe if the topic had local subscribers.
func (m *Manager) ReleaseTopic(ctx context.Context, topic core.Topic) error {
	m.mu.Lock()
	ts, ok := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ts.mapMu.Lock()
	hadLocal := ts.countLocal() > 0
	for _, st := range ts.subs {
		rec := st.rec
		ts.mapMu.Unlock()
		if err := m.store.Put(ctx, rec); err != nil {
			m.log.Warn("flush on release failed", "topic", topic, "subscriber", rec.Subscriber, "err", err)
		}
		ts.mapMu.Lock()
	}
	ts.mapMu.Unlock()

	if hadLocal {
		m.fireLastLocalUnsubscribe(topic, true)
	}
	return nil
}

// Subscribe implements create/attach/create-or-attach semantics.
func (m *Manager) Subscribe(ctx context.Context, topic core.Topic, req wire.SubscribeRequest) (Record, error) {
	subscriber := core.SubscriberID(req.SubscriberID)
	ts := m.topicState(topic)
	lock := ts.opLock(subscriber)
	lock.Lock()
	defer lock.Unlock()

	ts.mapMu.Lock()
	existing, ok := ts.subs[subscriber]
	ts.mapMu.Unlock()

	switch {
	case ok && req.Mode == wire.ModeCreate:
		return Record{}, core.ErrAlreadySubscribed

	case ok && (req.Mode == wire.ModeAttach || req.Mode == wire.ModeCreateOrAttach):
		merged := existing.rec
		if hasPreferences(req.Preferences) {
			merged.Preferences = preferencesFromWire(req.Preferences)
			if err := m.store.Put(ctx, merged); err != nil {
				return Record{}, fmt.Errorf("subscription: persist merged preferences: %w", err)
			}
			ts.mapMu.Lock()
			existing.rec = merged
			ts.mapMu.Unlock()
		}
		return merged, nil

	case !ok && req.Mode == wire.ModeAttach:
		return Record{}, core.ErrNotSubscribed

	default:
		startSeq, err := m.gw.CurrentSeqID(ctx, topic)
		if err != nil {
			return Record{}, fmt.Errorf("subscription: read start seq: %w", err)
		}
		rec := Record{
			Topic:          topic,
			Subscriber:     subscriber,
			ConsumePointer: startSeq,
			Preferences:    preferencesFromWire(req.Preferences),
		}
		if err := m.store.Put(ctx, rec); err != nil {
			return Record{}, fmt.Errorf("subscription: persist new record: %w", err)
		}

		ts.mapMu.Lock()
		hadLocal := ts.countLocal() > 0
		ts.subs[subscriber] = &subState{rec: rec, lastPersisted: startSeq.Local}
		isFirstLocal := !rec.isHub() && !hadLocal
		ts.mapMu.Unlock()

		if isFirstLocal {
			if req.Synchronous {
				if err := m.fireFirstLocalSubscribeSync(ctx, topic); err != nil {
					ts.mapMu.Lock()
					delete(ts.subs, subscriber)
					ts.mapMu.Unlock()
					_ = m.store.Delete(ctx, topic, subscriber)
					return Record{}, fmt.Errorf("subscription: listener rejected subscribe: %w", err)
				}
			} else {
				m.fireFirstLocalSubscribe(ctx, topic)
			}
		}
		return rec, nil
	}
}

func hasPreferences(p wire.SubscriptionPreferences) bool {
	return p.HasBound || p.MessageFilter != "" || len(p.Options) > 0
}

// Consume advances the in-memory consume pointer for (topic, subscriber) if
// seqID is newer, flushing to the store only past the configured distance
// threshold. Lazy on purpose: crash recovery redelivers a bounded number of
// duplicates rather than writing the metadata store on every message.
func (m *Manager) Consume(ctx context.Context, topic core.Topic, subscriber core.SubscriberID, seqID core.SeqID) error {
	ts := m.topicState(topic)

	ts.mapMu.Lock()
	st, ok := ts.subs[subscriber]
	if !ok {
		ts.mapMu.Unlock()
		return core.ErrNotSubscribed
	}
	if seqID.Local <= st.rec.ConsumePointer.Local {
		ts.mapMu.Unlock()
		return nil
	}
	st.rec.ConsumePointer = seqID
	distance := seqID.Local - st.lastPersisted
	shouldFlush := distance > m.cfg.ConsumeFlushInterval
	rec := st.rec
	if shouldFlush {
		st.lastPersisted = seqID.Local
	}
	ts.mapMu.Unlock()

	if !shouldFlush {
		return nil
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("subscription: flush consume pointer: %w", err)
	}
	return nil
}

// Unsubscribe deletes the persisted record and in-memory entry for
// (topic, subscriber).
func (m *Manager) Unsubscribe(ctx context.Context, topic core.Topic, subscriber core.SubscriberID) error {
	ts := m.topicState(topic)
	lock := ts.opLock(subscriber)
	lock.Lock()
	defer lock.Unlock()

	ts.mapMu.Lock()
	_, ok := ts.subs[subscriber]
	if !ok {
		ts.mapMu.Unlock()
		return core.ErrNotSubscribed
	}
	delete(ts.subs, subscriber)
	remainingLocal := ts.countLocal()
	ts.mapMu.Unlock()

	if err := m.store.Delete(ctx, topic, subscriber); err != nil {
		return fmt.Errorf("subscription: delete record: %w", err)
	}

	if !subscriber.IsHub() && remainingLocal == 0 {
		m.fireLastLocalUnsubscribe(topic, true)
	}
	return nil
}

// Get returns the current record for (topic, subscriber), if any.
func (m *Manager) Get(topic core.Topic, subscriber core.SubscriberID) (Record, bool) {
	ts := m.topicState(topic)
	ts.mapMu.Lock()
	defer ts.mapMu.Unlock()
	st, ok := ts.subs[subscriber]
	if !ok {
		return Record{}, false
	}
	return st.rec, true
}

func (m *Manager) fireFirstLocalSubscribe(ctx context.Context, topic core.Topic) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		if err := l.OnFirstLocalSubscribe(ctx, topic); err != nil {
			m.log.Warn("async onFirstLocalSubscribe failed", "topic", topic, "err", err)
		}
	}
}

func (m *Manager) fireFirstLocalSubscribeSync(ctx context.Context, topic core.Topic) error {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		if err := l.OnFirstLocalSubscribe(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fireLastLocalUnsubscribe(topic core.Topic, lastSubscriber bool) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.OnLastLocalUnsubscribe(topic, lastSubscriber)
	}
}

// Start begins the periodic derived-state pass: per owned topic, compute
// the minimum consume pointer across subscribers and push it to the
// Gateway as a retention hint, plus a message-bound hint when every
// subscriber has expressed one.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.DerivedStateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runDerivedStatePass(ctx)
			}
		}
	}()
}

// Stop halts the derived-state timer and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) runDerivedStatePass(ctx context.Context) {
	m.mu.RLock()
	topics := make([]core.Topic, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	m.mu.RUnlock()

	for _, topic := range topics {
		ts := m.topicState(topic)
		ts.mapMu.Lock()
		if len(ts.subs) == 0 {
			ts.mapMu.Unlock()
			continue
		}
		min := uint64(0)
		first := true
		var maxBound uint32
		allBounded := true
		for _, st := range ts.subs {
			if first || st.rec.ConsumePointer.Local < min {
				min = st.rec.ConsumePointer.Local
				first = false
			}
			if st.rec.Preferences.HasBound {
				if st.rec.Preferences.MessageBound > maxBound {
					maxBound = st.rec.Preferences.MessageBound
				}
			} else {
				allBounded = false
			}
		}
		ts.mapMu.Unlock()

		if err := m.gw.SetConsumedUntil(ctx, topic, core.SeqID{Local: min}); err != nil {
			m.log.Warn("derived state: set consumed-until failed", "topic", topic, "err", err)
		}
		if allBounded {
			if err := m.gw.SetMessageBound(ctx, topic, uint64(maxBound)); err != nil {
				m.log.Warn("derived state: set message bound failed", "topic", topic, "err", err)
			}
		} else if err := m.gw.ClearMessageBound(ctx, topic); err != nil {
			m.log.Warn("derived state: clear message bound failed", "topic", topic, "err", err)
		}
	}
}
