// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil builds single-process broker node stacks for tests
// across package boundaries, the same role the teacher's testutil.TestCluster
// played for spinning up isolated MQTT nodes — generalized down to this
// module's much simpler single-node-per-process model, since ownership and
// persistence here are in-memory rather than etcd/BadgerDB-backed
// subprocesses.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/delivery"
	"github.com/relaymq/relaymq/ownership"
	"github.com/relaymq/relaymq/persistence"
	"github.com/relaymq/relaymq/router"
	"github.com/relaymq/relaymq/server/tcp"
	"github.com/relaymq/relaymq/subscription"
)

// Node is a fully wired, in-memory-backed broker node listening on a real
// loopback TCP port, for tests that need to drive the wire protocol or the
// client package end to end without a multi-process cluster.
type Node struct {
	Registry *ownership.MemoryRegistry
	Router   *router.Router
	Subs     *subscription.Manager
	Server   *tcp.Server
	Addr     string
}

func buildStack(selfAddr string) (*ownership.MemoryRegistry, *subscription.Manager, *router.Router) {
	registry := ownership.NewMemoryRegistry(selfAddr)
	gw := persistence.NewMemoryGateway()
	store := subscription.NewMemoryStore()
	subs := subscription.NewManager(store, gw, subscription.DefaultConfig(), nil)
	deliv := delivery.NewManager(gw, delivery.Config{
		BatchCount:           16,
		UnwritableTimeout:    500 * time.Millisecond,
		FallbackPollInterval: 20 * time.Millisecond,
	}, nil)
	r := router.New(registry, subs, deliv, gw, selfAddr, nil)
	return registry, subs, r
}

// NewNode starts a Node advertising selfAddr as its owner identity and
// listening on an OS-assigned loopback port. The server is stopped and
// drained automatically via t.Cleanup.
func NewNode(t *testing.T, selfAddr string) *Node {
	t.Helper()

	registry, subs, r := buildStack(selfAddr)

	srv := tcp.New(tcp.Config{Address: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second}, r)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Log("testutil: node server did not stop within 3s")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("testutil: node never bound an address")
		}
		time.Sleep(time.Millisecond)
	}

	return &Node{Registry: registry, Router: r, Subs: subs, Server: srv, Addr: srv.Addr().String()}
}

// Claim makes this node the owner of topic and blocks until the router has
// finished loading its persisted subscription state.
func (n *Node) Claim(t *testing.T, topic core.Topic) {
	t.Helper()
	if _, err := n.Registry.Claim(context.Background(), topic); err != nil {
		t.Fatalf("testutil: claim %s: %v", topic, err)
	}
	deadline := time.Now().Add(time.Second)
	for !n.Router.IsReady(topic) {
		if time.Now().After(deadline) {
			t.Fatalf("testutil: topic %s never became ready", topic)
		}
		time.Sleep(time.Millisecond)
	}
}

// NewRouter builds a router.Router over an in-memory stack, claiming and
// waiting ready on every topic in topics, for tests that drive requests
// directly against a router.Router without going through a real listener.
func NewRouter(t *testing.T, selfAddr string, topics ...core.Topic) *router.Router {
	t.Helper()
	registry, _, r := buildStack(selfAddr)
	n := &Node{Registry: registry, Router: r}
	for _, topic := range topics {
		n.Claim(t, topic)
	}
	return r
}
