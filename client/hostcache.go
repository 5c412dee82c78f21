// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/relaymq/relaymq/core"
)

// HostCache is the process-wide topic→host mapping described in §4.6,
// populated from the first non-redirect ack for a topic and consulted
// before falling back to a discovery round trip through the seed host.
// Insertion is compare-and-set so two sessions racing to resolve the same
// topic converge on whichever host answered first.
type HostCache struct {
	mu    sync.RWMutex
	hosts map[core.Topic]string
}

// NewHostCache returns an empty cache shared by every ClientSession in a
// process.
func NewHostCache() *HostCache {
	return &HostCache{hosts: make(map[core.Topic]string)}
}

// Get returns the cached host for topic, if any.
func (c *HostCache) Get(topic core.Topic) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	host, ok := c.hosts[topic]
	return host, ok
}

// Set unconditionally records host as topic's owner, overwriting any prior
// entry. Used once a fresh ack is known-current (e.g. after a redirect).
func (c *HostCache) Set(topic core.Topic, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[topic] = host
}

// CompareAndSet installs host for topic only if no entry exists yet,
// reporting whether it did so.
func (c *HostCache) CompareAndSet(topic core.Topic, host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.hosts[topic]; exists {
		return false
	}
	c.hosts[topic] = host
	return true
}

// PurgeTopic drops topic's entry, used on a topic-specific disconnect
// (subscribe channels).
func (c *HostCache) PurgeTopic(topic core.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hosts, topic)
}

// PurgeHost drops every topic mapped to host, used on a shared publish or
// unsubscribe channel disconnect where every topic routed through it is
// now suspect.
func (c *HostCache) PurgeHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, h := range c.hosts {
		if h == host {
			delete(c.hosts, topic)
		}
	}
}
