// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "sync"

// notifier is a broadcast condition variable expressed as a channel: every
// waiter takes the channel returned by wait() and blocks on it; broadcast()
// closes that channel (waking every waiter) and installs a fresh one for
// the next round. This lets a scan-empty session register as a "waiter on
// the PersistenceGateway's tail" without a callback registry per session.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
