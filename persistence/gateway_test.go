// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/core"
)

func gatewayImplementations(t *testing.T) map[string]Gateway {
	t.Helper()

	dir, err := os.MkdirTemp("", "relaymq-badger-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	badgerGW, err := OpenBadgerGateway(dir)
	require.NoError(t, err)
	t.Cleanup(func() { badgerGW.Close() })

	return map[string]Gateway{
		"memory": NewMemoryGateway(),
		"badger": badgerGW,
	}
}

func TestGateway_AppendAssignsMonotoneSeq(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")

			first, err := gw.Append(ctx, topic, []byte("m1"))
			require.NoError(t, err)
			second, err := gw.Append(ctx, topic, []byte("m2"))
			require.NoError(t, err)

			assert.Equal(t, uint64(1), first.Local)
			assert.Equal(t, uint64(2), second.Local)
			assert.True(t, first.Less(second))
		})
	}
}

func TestGateway_ScanRangeReturnsInOrder(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")

			for i := 0; i < 5; i++ {
				_, err := gw.Append(ctx, topic, []byte{byte(i)})
				require.NoError(t, err)
			}

			msgs, err := gw.ScanRange(ctx, topic, core.SeqID{Local: 1}, 3)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, uint64(1), msgs[0].SeqID.Local)
			assert.Equal(t, uint64(2), msgs[1].SeqID.Local)
			assert.Equal(t, uint64(3), msgs[2].SeqID.Local)

			rest, err := gw.ScanRange(ctx, topic, core.SeqID{Local: 4}, 10)
			require.NoError(t, err)
			require.Len(t, rest, 2)
			assert.Equal(t, uint64(4), rest[0].SeqID.Local)
			assert.Equal(t, uint64(5), rest[1].SeqID.Local)
		})
	}
}

func TestGateway_ScanRangePastEndIsEmpty(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")
			_, err := gw.Append(ctx, topic, []byte("m1"))
			require.NoError(t, err)

			msgs, err := gw.ScanRange(ctx, topic, core.SeqID{Local: 100}, 10)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestGateway_ScanRangePreservesPayloadBytes(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")

			want := []byte("order-created:42")
			_, err := gw.Append(ctx, topic, want)
			require.NoError(t, err)

			msgs, err := gw.ScanRange(ctx, topic, core.SeqID{Local: 1}, 1)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, want, msgs[0].Bytes())
			msgs[0].Release()
		})
	}
}

func TestBadgerGateway_ScanRangeUsesPooledBuffer(t *testing.T) {
	dir, err := os.MkdirTemp("", "relaymq-badger-pool-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	gw, err := OpenBadgerGateway(dir)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	ctx := context.Background()
	topic := core.Topic("orders")
	_, err = gw.Append(ctx, topic, []byte("hello"))
	require.NoError(t, err)

	msgs, err := gw.ScanRange(ctx, topic, core.SeqID{Local: 1}, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].PayloadBuf)
	assert.Equal(t, int32(1), msgs[0].PayloadBuf.RefCount())
	msgs[0].Release()
}

func TestGateway_ConsumedUntilRoundTrip(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")

			_, found, err := gw.ConsumedUntil(ctx, topic)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, gw.SetConsumedUntil(ctx, topic, core.SeqID{Local: 42}))

			got, found, err := gw.ConsumedUntil(ctx, topic)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, uint64(42), got.Local)
		})
	}
}

func TestGateway_MessageBound(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")

			_, found, err := gw.MessageBound(ctx, topic)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, gw.SetMessageBound(ctx, topic, 1000))

			bound, found, err := gw.MessageBound(ctx, topic)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, uint64(1000), bound)
		})
	}
}

func TestGateway_ClearMessageBound(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")

			require.NoError(t, gw.SetMessageBound(ctx, topic, 500))
			require.NoError(t, gw.ClearMessageBound(ctx, topic))

			_, found, err := gw.MessageBound(ctx, topic)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestGateway_DeleteTopicClearsEverything(t *testing.T) {
	for name, gw := range gatewayImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic := core.Topic("orders")

			_, err := gw.Append(ctx, topic, []byte("m1"))
			require.NoError(t, err)
			require.NoError(t, gw.SetConsumedUntil(ctx, topic, core.SeqID{Local: 1}))
			require.NoError(t, gw.SetMessageBound(ctx, topic, 10))

			require.NoError(t, gw.DeleteTopic(ctx, topic))

			seq, err := gw.CurrentSeqID(ctx, topic)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), seq.Local)

			_, found, err := gw.ConsumedUntil(ctx, topic)
			require.NoError(t, err)
			assert.False(t, found)

			_, found, err = gw.MessageBound(ctx, topic)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}
