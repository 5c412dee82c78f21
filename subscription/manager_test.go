// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/persistence"
	"github.com/relaymq/relaymq/wire"
)

type recordingFedListener struct {
	mu               sync.Mutex
	firstSubscribes  []core.Topic
	lastUnsubscribes []core.Topic
	failNext         bool
}

func (l *recordingFedListener) OnFirstLocalSubscribe(_ context.Context, topic core.Topic) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return errors.New("federation rejected")
	}
	l.firstSubscribes = append(l.firstSubscribes, topic)
	return nil
}

func (l *recordingFedListener) OnLastLocalUnsubscribe(topic core.Topic, _ bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUnsubscribes = append(l.lastUnsubscribes, topic)
}

func newTestManager() (*Manager, *MemoryStore, persistence.Gateway) {
	store := NewMemoryStore()
	gw := persistence.NewMemoryGateway()
	mgr := NewManager(store, gw, DefaultConfig(), nil)
	return mgr, store, gw
}

func TestManager_SubscribeCreate(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	rec, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate})
	require.NoError(t, err)
	assert.Equal(t, core.SubscriberID("c1"), rec.Subscriber)

	_, err = mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate})
	assert.ErrorIs(t, err, core.ErrAlreadySubscribed)
}

func TestManager_AttachRequiresExisting(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeAttach})
	assert.ErrorIs(t, err, core.ErrNotSubscribed)

	_, err = mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate})
	require.NoError(t, err)

	rec, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeAttach})
	require.NoError(t, err)
	assert.Equal(t, core.SubscriberID("c1"), rec.Subscriber)
}

func TestManager_CreateOrAttachMergesPreferences(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate})
	require.NoError(t, err)

	rec, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{
		SubscriberID: "c1",
		Mode:         wire.ModeCreateOrAttach,
		Preferences: wire.SubscriptionPreferences{
			HasBound:     true,
			MessageBound: 100,
		},
	})
	require.NoError(t, err)
	assert.True(t, rec.Preferences.HasBound)
	assert.Equal(t, uint32(100), rec.Preferences.MessageBound)
}

func TestManager_SubscribeStartsAtCurrentSeq(t *testing.T) {
	mgr, _, gw := newTestManager()
	ctx := context.Background()

	_, err := gw.Append(ctx, "orders", []byte("m1"))
	require.NoError(t, err)
	_, err = gw.Append(ctx, "orders", []byte("m2"))
	require.NoError(t, err)

	rec, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.ConsumePointer.Local)
}

func TestManager_FirstLocalSubscribeFiresListenerSynchronously(t *testing.T) {
	mgr, _, _ := newTestManager()
	lst := &recordingFedListener{}
	mgr.AddListener(lst)
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate, Synchronous: true})
	require.NoError(t, err)
	assert.Equal(t, []core.Topic{"orders"}, lst.firstSubscribes)

	// second local subscriber must not refire.
	_, err = mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c2", Mode: wire.ModeCreate, Synchronous: true})
	require.NoError(t, err)
	assert.Len(t, lst.firstSubscribes, 1)
}

func TestManager_SynchronousListenerFailureRollsBack(t *testing.T) {
	mgr, store, _ := newTestManager()
	lst := &recordingFedListener{failNext: true}
	mgr.AddListener(lst)
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate, Synchronous: true})
	require.Error(t, err)

	_, ok := mgr.Get("orders", "c1")
	assert.False(t, ok)

	records, err := store.List(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManager_HubSubscriberDoesNotTriggerFederation(t *testing.T) {
	mgr, _, _ := newTestManager()
	lst := &recordingFedListener{}
	mgr.AddListener(lst)
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{
		SubscriberID: string(core.HubSubscriberPrefix) + "region-eu",
		Mode:         wire.ModeCreate,
		Synchronous:  true,
	})
	require.NoError(t, err)
	assert.Empty(t, lst.firstSubscribes)
}

func TestManager_Consume(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate})
	require.NoError(t, err)

	require.NoError(t, mgr.Consume(ctx, "orders", "c1", core.SeqID{Local: 5}))
	rec, ok := mgr.Get("orders", "c1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), rec.ConsumePointer.Local)

	// a stale seqId must not move the pointer backwards.
	require.NoError(t, mgr.Consume(ctx, "orders", "c1", core.SeqID{Local: 2}))
	rec, _ = mgr.Get("orders", "c1")
	assert.Equal(t, uint64(5), rec.ConsumePointer.Local)
}

func TestManager_ConsumeUnknownSubscriber(t *testing.T) {
	mgr, _, _ := newTestManager()
	err := mgr.Consume(context.Background(), "orders", "ghost", core.SeqID{Local: 1})
	assert.ErrorIs(t, err, core.ErrNotSubscribed)
}

func TestManager_UnsubscribeFiresLastLocalUnsubscribe(t *testing.T) {
	mgr, store, _ := newTestManager()
	lst := &recordingFedListener{}
	mgr.AddListener(lst)
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate, Synchronous: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Unsubscribe(ctx, "orders", "c1"))
	assert.Equal(t, []core.Topic{"orders"}, lst.lastUnsubscribes)

	records, err := store.List(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, records)

	err = mgr.Unsubscribe(ctx, "orders", "c1")
	assert.ErrorIs(t, err, core.ErrNotSubscribed)
}

func TestManager_UnsubscribeKeepsFiringOnlyWhenLastLocalLeaves(t *testing.T) {
	mgr, _, _ := newTestManager()
	lst := &recordingFedListener{}
	mgr.AddListener(lst)
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate, Synchronous: true})
	require.NoError(t, err)
	_, err = mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c2", Mode: wire.ModeCreate, Synchronous: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Unsubscribe(ctx, "orders", "c1"))
	assert.Empty(t, lst.lastUnsubscribes)

	require.NoError(t, mgr.Unsubscribe(ctx, "orders", "c2"))
	assert.Equal(t, []core.Topic{"orders"}, lst.lastUnsubscribes)
}

func TestManager_AcquireTopicLoadsPersistedRecords(t *testing.T) {
	store := NewMemoryStore()
	gw := persistence.NewMemoryGateway()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{Topic: "orders", Subscriber: "c1", ConsumePointer: core.SeqID{Local: 3}}))

	mgr := NewManager(store, gw, DefaultConfig(), nil)
	lst := &recordingFedListener{}
	mgr.AddListener(lst)

	require.NoError(t, mgr.AcquireTopic(ctx, "orders"))
	rec, ok := mgr.Get("orders", "c1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), rec.ConsumePointer.Local)
	assert.Equal(t, []core.Topic{"orders"}, lst.firstSubscribes)
}

func TestManager_ReleaseTopicFlushesAndFires(t *testing.T) {
	mgr, store, _ := newTestManager()
	lst := &recordingFedListener{}
	mgr.AddListener(lst)
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c1", Mode: wire.ModeCreate, Synchronous: true})
	require.NoError(t, err)
	require.NoError(t, mgr.Consume(ctx, "orders", "c1", core.SeqID{Local: 5}))

	require.NoError(t, mgr.ReleaseTopic(ctx, "orders"))
	assert.Equal(t, []core.Topic{"orders"}, lst.lastUnsubscribes)

	records, err := store.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(5), records[0].ConsumePointer.Local)
}

func TestManager_DerivedStatePassComputesMinAndBound(t *testing.T) {
	mgr, _, gw := newTestManager()
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{
		SubscriberID: "c1", Mode: wire.ModeCreate,
		Preferences: wire.SubscriptionPreferences{HasBound: true, MessageBound: 50},
	})
	require.NoError(t, err)
	_, err = mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{
		SubscriberID: "c2", Mode: wire.ModeCreate,
		Preferences: wire.SubscriptionPreferences{HasBound: true, MessageBound: 200},
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Consume(ctx, "orders", "c1", core.SeqID{Local: 10}))
	// c1's pointer moves to 10 in memory only (below the flush interval);
	// the derived pass computes against in-memory pointers directly.
	mgr.runDerivedStatePass(ctx)

	bound, found, err := gw.MessageBound(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(200), bound)

	seq, found, err := gw.ConsumedUntil(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(0), seq.Local) // c2 never consumed, min is 0
}

func TestManager_DerivedStateClearsBoundWhenNotAllBounded(t *testing.T) {
	mgr, _, gw := newTestManager()
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{
		SubscriberID: "c1", Mode: wire.ModeCreate,
		Preferences: wire.SubscriptionPreferences{HasBound: true, MessageBound: 50},
	})
	require.NoError(t, err)
	require.NoError(t, gw.SetMessageBound(ctx, "orders", 50))

	_, err = mgr.Subscribe(ctx, "orders", wire.SubscribeRequest{SubscriberID: "c2", Mode: wire.ModeCreate})
	require.NoError(t, err)

	mgr.runDerivedStatePass(ctx)

	_, found, err := gw.MessageBound(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, found)
}
