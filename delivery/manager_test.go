// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/persistence"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	writable bool
	received []core.Message
	closed   bool
	writeErr error
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{writable: true}
}

func (e *fakeEndpoint) Write(_ context.Context, msg core.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr != nil {
		return e.writeErr
	}
	e.received = append(e.received, msg)
	return nil
}

func (e *fakeEndpoint) Writable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writable
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEndpoint) snapshot() []core.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Message, len(e.received))
	copy(out, e.received)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func fastConfig() Config {
	return Config{
		BatchCount:           16,
		UnwritableTimeout:    200 * time.Millisecond,
		FallbackPollInterval: 20 * time.Millisecond,
	}
}

func TestManager_DeliversExistingMessagesInOrder(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := gw.Append(ctx, "orders", []byte{byte(i)})
		require.NoError(t, err)
	}

	mgr := NewManager(gw, fastConfig(), nil)
	ep := newFakeEndpoint()

	_, err := mgr.Attach(ctx, "orders", "c1", ep, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return len(ep.snapshot()) == 3 })
	msgs := ep.snapshot()
	assert.Equal(t, uint64(1), msgs[0].SeqID.Local)
	assert.Equal(t, uint64(2), msgs[1].SeqID.Local)
	assert.Equal(t, uint64(3), msgs[2].SeqID.Local)
}

func TestManager_DeliversNewlyAppendedAfterNotify(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(gw, fastConfig(), nil)
	ep := newFakeEndpoint()

	_, err := mgr.Attach(ctx, "orders", "c1", ep, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	require.NoError(t, err)

	_, err = gw.Append(ctx, "orders", []byte("hello"))
	require.NoError(t, err)
	mgr.NotifyAppend("orders")

	waitFor(t, time.Second, func() bool { return len(ep.snapshot()) == 1 })
	assert.Equal(t, []byte("hello"), ep.snapshot()[0].Payload)
}

func TestManager_AttachWithoutForceFailsWhenBusy(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(gw, fastConfig(), nil)
	ep1 := newFakeEndpoint()
	_, err := mgr.Attach(ctx, "orders", "c1", ep1, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	require.NoError(t, err)

	ep2 := newFakeEndpoint()
	_, err = mgr.Attach(ctx, "orders", "c1", ep2, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	assert.ErrorIs(t, err, core.ErrTopicBusy)
	assert.Equal(t, 1, mgr.Count())
}

func TestManager_ForceAttachTakesOverAndClosesOld(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(gw, fastConfig(), nil)
	ep1 := newFakeEndpoint()
	_, err := mgr.Attach(ctx, "orders", "c1", ep1, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	require.NoError(t, err)

	ep2 := newFakeEndpoint()
	_, err = mgr.Attach(ctx, "orders", "c1", ep2, core.SeqID{Local: 0}, BuildFilterChain(""), true, nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		ep1.mu.Lock()
		defer ep1.mu.Unlock()
		return ep1.closed
	})
	assert.Equal(t, 1, mgr.Count())
}

func TestManager_FilterSkipsButAdvancesPointer(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := gw.Append(ctx, "orders", []byte("skip-me"))
	require.NoError(t, err)
	_, err = gw.Append(ctx, "orders", []byte("keep-me"))
	require.NoError(t, err)

	mgr := NewManager(gw, fastConfig(), nil)
	ep := newFakeEndpoint()

	sess, err := mgr.Attach(ctx, "orders", "c1", ep, core.SeqID{Local: 0}, BuildFilterChain("keep"), false, nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return sess.NextSeq().Local == 3 })
	msgs := ep.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("keep-me"), msgs[0].Payload)
}

func TestManager_UnwritableEndpointTimesOutAndCloses(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(gw, fastConfig(), nil)
	ep := newFakeEndpoint()
	ep.writable = false

	_, err := mgr.Attach(ctx, "orders", "c1", ep, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		return ep.closed
	})
}

func TestManager_DetachClosesSession(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(gw, fastConfig(), nil)
	ep := newFakeEndpoint()
	_, err := mgr.Attach(ctx, "orders", "c1", ep, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	require.NoError(t, err)

	mgr.Detach("orders", "c1")
	assert.Equal(t, 0, mgr.Count())
	waitFor(t, time.Second, func() bool {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		return ep.closed
	})
}

func TestManager_DetachSessionIgnoresStaleSession(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(gw, fastConfig(), nil)
	ep1 := newFakeEndpoint()
	sess1, err := mgr.Attach(ctx, "orders", "c1", ep1, core.SeqID{Local: 0}, BuildFilterChain(""), false, nil)
	require.NoError(t, err)

	ep2 := newFakeEndpoint()
	sess2, err := mgr.Attach(ctx, "orders", "c1", ep2, core.SeqID{Local: 0}, BuildFilterChain(""), true, nil)
	require.NoError(t, err)

	// Simulate the evicted connection's cleanup path racing in after the
	// force-attach has already installed sess2 under the same key: it must
	// not evict the newer session, even though it targets the same
	// (topic, subscriber) key sess1 used to own.
	mgr.DetachSession("orders", "c1", sess1)
	assert.Equal(t, 1, mgr.Count())
	assert.False(t, func() bool { ep2.mu.Lock(); defer ep2.mu.Unlock(); return ep2.closed }())

	got, ok := mgr.Session("orders", "c1")
	require.True(t, ok)
	assert.Same(t, sess2, got)

	mgr.DetachSession("orders", "c1", sess2)
	assert.Equal(t, 0, mgr.Count())
	waitFor(t, time.Second, func() bool {
		ep2.mu.Lock()
		defer ep2.mu.Unlock()
		return ep2.closed
	})
}

func TestManager_OnAdvanceCallback(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := gw.Append(ctx, "orders", []byte("m1"))
	require.NoError(t, err)

	var mu sync.Mutex
	var advanced []uint64
	mgr := NewManager(gw, fastConfig(), nil)
	ep := newFakeEndpoint()

	_, err = mgr.Attach(ctx, "orders", "c1", ep, core.SeqID{Local: 0}, BuildFilterChain(""), false, func(seq core.SeqID) {
		mu.Lock()
		defer mu.Unlock()
		advanced = append(advanced, seq.Local)
	})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(advanced) == 1
	})
}
