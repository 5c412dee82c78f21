// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/delivery"
	"github.com/relaymq/relaymq/ownership"
	"github.com/relaymq/relaymq/persistence"
	"github.com/relaymq/relaymq/router"
	"github.com/relaymq/relaymq/subscription"
)

// newTestRouter builds a fully in-memory Router and claims selfAddr as
// owner of every topic used by these tests, so requests never redirect.
func newTestRouter(t *testing.T, selfAddr string, topics ...string) *router.Router {
	t.Helper()
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

	ctx := context.Background()
	for _, topic := range topics {
		if _, err := registry.Claim(ctx, core.Topic(topic)); err != nil {
			t.Fatalf("claim %s: %v", topic, err)
		}
		deadline := time.Now().Add(time.Second)
		for !r.IsReady(core.Topic(topic)) {
			if time.Now().After(deadline) {
				t.Fatalf("topic %s never became ready", topic)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return r
}
