// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ownership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/sony/gobreaker"

	"github.com/relaymq/relaymq/core"
)

const ownerKeyPrefix = "owners/"

// EtcdConfig configures an etcd-backed Registry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL bounds how long an owned topic survives this node
	// vanishing without a clean Release: the etcd lease backing the
	// session expires after this many seconds of missed keepalives.
	SessionTTL int
	// SelfAddress is this node's host:port:sslPort triplet, written as the
	// value of every owner key this node claims.
	SelfAddress string
}

// DefaultEtcdConfig returns sane single-node defaults.
func DefaultEtcdConfig(selfAddress string) EtcdConfig {
	return EtcdConfig{
		Endpoints:   []string{"127.0.0.1:2379"},
		DialTimeout: 5 * time.Second,
		SessionTTL:  10,
		SelfAddress: selfAddress,
	}
}

// EtcdRegistry is a Registry backed by etcd's watchable KV store, using an
// ephemeral (lease-bound) key per owned topic so that a crashed or
// partitioned node's claims expire on their own.
type EtcdRegistry struct {
	cfg    EtcdConfig
	client *clientv3.Client
	cb     *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	session   *concurrency.Session
	owned     map[core.Topic]struct{}
	listeners []Listener

	log *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEtcdRegistry dials etcd and returns a Registry. The returned registry
// does not claim anything until Start is called.
func NewEtcdRegistry(cfg EtcdConfig, log *slog.Logger) (*EtcdRegistry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ownership: dial etcd: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	breakerSettings := gobreaker.Settings{
		Name:        "ownership-etcd",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	return &EtcdRegistry{
		cfg:    cfg,
		client: cli,
		cb:     gobreaker.NewCircuitBreaker(breakerSettings),
		owned:  make(map[core.Topic]struct{}),
		log:    log.With("component", "ownership.etcd"),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

func (r *EtcdRegistry) ownerKey(topic core.Topic) string {
	return ownerKeyPrefix + string(topic)
}

// Client returns the underlying etcd client, so other components backed by
// the same cluster (subscription.EtcdStore) can share this registry's
// connection instead of dialing again.
func (r *EtcdRegistry) Client() *clientv3.Client {
	return r.client
}

// Ready returns a channel that closes once Start has established a lease
// session and Claim is usable. It never closes if Start fails before
// reaching that point.
func (r *EtcdRegistry) Ready() <-chan struct{} {
	return r.ready
}

// Start opens the client's lease session and blocks servicing keepalives
// until ctx is canceled.
func (r *EtcdRegistry) Start(ctx context.Context) error {
	sess, err := concurrency.NewSession(r.client, concurrency.WithTTL(r.cfg.SessionTTL))
	if err != nil {
		return fmt.Errorf("ownership: create session: %w", err)
	}
	r.mu.Lock()
	r.session = sess
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })

	r.log.Info("ownership session established", "lease", sess.Lease())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		r.log.Warn("ownership session expired, all claims lost")
		r.purgeAll()
		return errors.New("ownership: session expired")
	case <-r.closed:
		return nil
	}
}

func (r *EtcdRegistry) Claim(ctx context.Context, topic core.Topic) (ClaimResult, error) {
	r.mu.RLock()
	sess := r.session
	r.mu.RUnlock()
	if sess == nil {
		return ClaimResult{}, errors.New("ownership: not started")
	}

	key := r.ownerKey(topic)
	result, err := r.cb.Execute(func() (interface{}, error) {
		txn := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, r.cfg.SelfAddress, clientv3.WithLease(sess.Lease()))).
			Else(clientv3.OpGet(key))
		return txn.Commit()
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("ownership: claim %q: %w", topic, err)
	}
	resp := result.(*clientv3.TxnResponse)

	if resp.Succeeded {
		r.mu.Lock()
		r.owned[topic] = struct{}{}
		listeners := append([]Listener(nil), r.listeners...)
		r.mu.Unlock()
		for _, l := range listeners {
			l.OnAcquired(topic)
		}
		go r.watchKey(topic, key)
		return ClaimResult{Acquired: true}, nil
	}

	getResp := resp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// Lost a race: the holder released between the failed compare and
		// our read. Caller can retry; report no known owner.
		return ClaimResult{Acquired: false}, nil
	}
	return ClaimResult{Acquired: false, Owner: string(getResp.Kvs[0].Value)}, nil
}

func (r *EtcdRegistry) watchKey(topic core.Topic, key string) {
	watchCh := r.client.Watch(context.Background(), key)
	for resp := range watchCh {
		for _, ev := range resp.Events {
			if ev.Type == clientv3.EventTypeDelete {
				r.handleReleased(topic)
				return
			}
		}
	}
}

func (r *EtcdRegistry) handleReleased(topic core.Topic) {
	r.mu.Lock()
	_, wasOwned := r.owned[topic]
	delete(r.owned, topic)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	if !wasOwned {
		return
	}
	for _, l := range listeners {
		l.OnReleased(topic)
	}
}

func (r *EtcdRegistry) Release(ctx context.Context, topic core.Topic) error {
	r.mu.Lock()
	_, owned := r.owned[topic]
	delete(r.owned, topic)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	if !owned {
		return nil
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		return r.client.Delete(ctx, r.ownerKey(topic))
	})
	for _, l := range listeners {
		l.OnReleased(topic)
	}
	if err != nil {
		return fmt.Errorf("ownership: release %q: %w", topic, err)
	}
	return nil
}

func (r *EtcdRegistry) Owner(ctx context.Context, topic core.Topic) (string, error) {
	result, err := r.cb.Execute(func() (interface{}, error) {
		return r.client.Get(ctx, r.ownerKey(topic))
	})
	if err != nil {
		return "", fmt.Errorf("ownership: lookup %q: %w", topic, err)
	}
	resp := result.(*clientv3.GetResponse)
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (r *EtcdRegistry) IsOwner(topic core.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owned[topic]
	return ok
}

func (r *EtcdRegistry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *EtcdRegistry) purgeAll() {
	r.mu.Lock()
	topics := make([]core.Topic, 0, len(r.owned))
	for t := range r.owned {
		topics = append(topics, t)
	}
	r.owned = make(map[core.Topic]struct{})
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, t := range topics {
		for _, l := range listeners {
			l.OnReleased(t)
		}
	}
}

func (r *EtcdRegistry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		r.mu.RLock()
		topics := make([]core.Topic, 0, len(r.owned))
		for t := range r.owned {
			topics = append(topics, t)
		}
		r.mu.RUnlock()
		for _, t := range topics {
			_ = r.Release(ctx, t)
		}

		r.mu.RLock()
		sess := r.session
		r.mu.RUnlock()
		if sess != nil {
			_ = sess.Close()
		}
		err = r.client.Close()
	})
	return err
}
