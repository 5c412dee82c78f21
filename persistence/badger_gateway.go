// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/relaymq/relaymq/core"
)

const (
	msgPrefix     = "log:msg:"     // log:msg:<topic>:<seq big-endian> -> payload
	seqPrefix     = "log:seq:"     // log:seq:<topic> -> uint64 current seq
	pointerPrefix = "log:ptr:"     // log:ptr:<topic> -> uint64 seq
	boundPrefix   = "log:bound:"   // log:bound:<topic> -> uint64 bound
)

// BadgerGateway is a Gateway backed by an embedded BadgerDB instance, one
// key range per concern, following the same prefix-per-concern scheme as
// the rest of this broker's metadata storage.
type BadgerGateway struct {
	db *badger.DB
}

// NewBadgerGateway wraps an already-opened BadgerDB handle.
func NewBadgerGateway(db *badger.DB) *BadgerGateway {
	return &BadgerGateway{db: db}
}

// OpenBadgerGateway opens (creating if absent) a BadgerDB instance rooted at
// dir and wraps it as a Gateway.
func OpenBadgerGateway(dir string) (*BadgerGateway, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open badger at %q: %w", dir, err)
	}
	return NewBadgerGateway(db), nil
}

func msgKey(topic core.Topic, seq uint64) []byte {
	key := make([]byte, 0, len(msgPrefix)+len(topic)+1+8)
	key = append(key, msgPrefix...)
	key = append(key, topic...)
	key = append(key, ':')
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(key, seqBuf[:]...)
}

func msgKeyPrefix(topic core.Topic) []byte {
	key := make([]byte, 0, len(msgPrefix)+len(topic)+1)
	key = append(key, msgPrefix...)
	key = append(key, topic...)
	return append(key, ':')
}

func seqKey(topic core.Topic) []byte {
	return []byte(seqPrefix + string(topic))
}

func pointerKey(topic core.Topic) []byte {
	return []byte(pointerPrefix + string(topic))
}

func boundKey(topic core.Topic) []byte {
	return []byte(boundPrefix + string(topic))
}

func encodeU64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (g *BadgerGateway) Append(ctx context.Context, topic core.Topic, payload []byte) (core.SeqID, error) {
	var assigned uint64
	err := g.db.Update(func(txn *badger.Txn) error {
		var current uint64
		item, err := txn.Get(seqKey(topic))
		switch {
		case err == nil:
			if verr := item.Value(func(val []byte) error {
				current = decodeU64(val)
				return nil
			}); verr != nil {
				return verr
			}
		case err == badger.ErrKeyNotFound:
			current = 0
		default:
			return err
		}

		assigned = current + 1
		if err := txn.Set(seqKey(topic), encodeU64(assigned)); err != nil {
			return err
		}
		return txn.Set(msgKey(topic, assigned), payload)
	})
	if err != nil {
		return core.SeqID{}, fmt.Errorf("persistence: append to %q: %w", topic, err)
	}
	return core.SeqID{Local: assigned}, nil
}

func (g *BadgerGateway) ScanRange(ctx context.Context, topic core.Topic, fromSeq core.SeqID, limit int) ([]core.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []core.Message
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgKeyPrefix(topic)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		start := msgKey(topic, fromSeq.Local)
		for it.Seek(start); it.ValidForPrefix(opts.Prefix) && len(out) < limit; it.Next() {
			item := it.Item()
			key := item.Key()
			seq := decodeU64(key[len(key)-8:])

			// BadgerDB's value callback buffer is only valid for the
			// duration of this call, so the payload must be copied out
			// regardless; route that copy through the shared pool so a
			// session that scans the same range repeatedly reuses buffers
			// instead of allocating fresh ones each pass.
			var buf *core.RefCountedBuffer
			if err := item.Value(func(val []byte) error {
				buf = core.DefaultBufferPool.GetWithData(val)
				return nil
			}); err != nil {
				return err
			}
			out = append(out, core.Message{
				Topic:       topic,
				SeqID:       core.SeqID{Local: seq},
				PayloadBuf:  buf,
				PublishedAt: time.Now(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: scan %q from %d: %w", topic, fromSeq.Local, err)
	}
	return out, nil
}

func (g *BadgerGateway) CurrentSeqID(ctx context.Context, topic core.Topic) (core.SeqID, error) {
	var seq uint64
	err := g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(topic))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			seq = decodeU64(val)
			return nil
		})
	})
	if err != nil {
		return core.SeqID{}, fmt.Errorf("persistence: current seq %q: %w", topic, err)
	}
	return core.SeqID{Local: seq}, nil
}

func (g *BadgerGateway) ConsumedUntil(ctx context.Context, topic core.Topic) (core.SeqID, bool, error) {
	var seq uint64
	var found bool
	err := g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pointerKey(topic))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			seq = decodeU64(val)
			return nil
		})
	})
	if err != nil {
		return core.SeqID{}, false, fmt.Errorf("persistence: consumed-until %q: %w", topic, err)
	}
	return core.SeqID{Local: seq}, found, nil
}

func (g *BadgerGateway) SetConsumedUntil(ctx context.Context, topic core.Topic, seqID core.SeqID) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pointerKey(topic), encodeU64(seqID.Local))
	})
	if err != nil {
		return fmt.Errorf("persistence: set consumed-until %q: %w", topic, err)
	}
	return nil
}

func (g *BadgerGateway) SetMessageBound(ctx context.Context, topic core.Topic, bound uint64) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		return txn.Set(boundKey(topic), encodeU64(bound))
	})
	if err != nil {
		return fmt.Errorf("persistence: set bound %q: %w", topic, err)
	}
	return nil
}

func (g *BadgerGateway) ClearMessageBound(ctx context.Context, topic core.Topic) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(boundKey(topic))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("persistence: clear bound %q: %w", topic, err)
	}
	return nil
}

func (g *BadgerGateway) MessageBound(ctx context.Context, topic core.Topic) (uint64, bool, error) {
	var bound uint64
	var found bool
	err := g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(boundKey(topic))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			bound = decodeU64(val)
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("persistence: bound %q: %w", topic, err)
	}
	return bound, found, nil
}

func (g *BadgerGateway) DeleteTopic(ctx context.Context, topic core.Topic) error {
	prefixes := [][]byte{
		msgKeyPrefix(topic),
		seqKey(topic),
		boundKey(topic),
		pointerKey(topic),
	}
	for _, prefix := range prefixes {
		if err := g.deleteByPrefix(prefix); err != nil {
			return fmt.Errorf("persistence: delete topic %q: %w", topic, err)
		}
	}
	return nil
}

func (g *BadgerGateway) deleteByPrefix(prefix []byte) error {
	for {
		var keys [][]byte
		err := g.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < 1000; it.Next() {
				keys = append(keys, append([]byte(nil), it.Item().Key()...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		if err := g.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
}

func (g *BadgerGateway) Close() error {
	return g.db.Close()
}
