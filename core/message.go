// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// Message is a single published record on a topic, as minted by the owning
// node at publish time and as returned from a persistence-layer scan.
//
// PayloadBuf, when set, is the preferred representation: a buffer drawn from
// a size-classed pool rather than a fresh allocation. Payload is kept for
// callers, such as MemoryGateway, whose backing storage is already a stable
// byte slice with nothing to pool.
type Message struct {
	Topic      Topic
	SeqID      SeqID
	Payload    []byte
	PayloadBuf *RefCountedBuffer
	PublishedAt time.Time
}

// Bytes returns the message payload, preferring the pooled buffer when present.
func (m *Message) Bytes() []byte {
	if m.PayloadBuf != nil {
		return m.PayloadBuf.Bytes()
	}
	return m.Payload
}

// Release returns any pooled buffer backing this message. Safe to call on a
// message with no pooled buffer.
func (m *Message) Release() {
	if m.PayloadBuf != nil {
		m.PayloadBuf.Release()
		m.PayloadBuf = nil
	}
}
