// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"sync/atomic"

	"github.com/relaymq/relaymq/wire"
)

// pendingOp is one in-flight request awaiting its ack, keyed by txnId. done
// closes exactly once, after which resp/err are safe to read without a lock.
type pendingOp struct {
	req  wire.PubSubRequest
	done chan struct{}
	resp wire.PubSubResponse
	err  error
}

// pendingStore tracks in-flight requests on a single channel, mirroring the
// teacher client's packet-id-keyed pending map but keyed by this protocol's
// string txnId instead.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
	prefix  string
}

// txnCounter numbers transaction ids across every channel in the process.
var txnCounter uint64

func newPendingStore(prefix string) *pendingStore {
	return &pendingStore{pending: make(map[string]*pendingOp), prefix: prefix}
}

// nextTxnID mints a process-unique transaction id, prefixed with this
// channel's host.
func (ps *pendingStore) nextTxnID() string {
	n := atomic.AddUint64(&txnCounter, 1)
	return ps.prefix + "-" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// add registers req under txnID and returns the handle to wait on.
func (ps *pendingStore) add(txnID string, req wire.PubSubRequest) *pendingOp {
	op := &pendingOp{req: req, done: make(chan struct{})}
	ps.mu.Lock()
	ps.pending[txnID] = op
	ps.mu.Unlock()
	return op
}

// complete resolves the pending op for txnID, if any, and reports whether
// one was found.
func (ps *pendingStore) complete(txnID string, resp wire.PubSubResponse) bool {
	ps.mu.Lock()
	op, ok := ps.pending[txnID]
	if ok {
		delete(ps.pending, txnID)
	}
	ps.mu.Unlock()
	if !ok {
		return false
	}
	op.resp = resp
	close(op.done)
	return true
}

// failAll completes every pending op with ErrUncertainState, used when the
// channel carrying them drops — the server may or may not have observed
// them, per §4.6 "Pending-request recovery".
func (ps *pendingStore) failAll(err error) {
	ps.mu.Lock()
	ops := make([]*pendingOp, 0, len(ps.pending))
	for id, op := range ps.pending {
		ops = append(ops, op)
		delete(ps.pending, id)
	}
	ps.mu.Unlock()
	for _, op := range ops {
		op.err = err
		close(op.done)
	}
}
