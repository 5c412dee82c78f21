// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/relaymq/relaymq/core"
)

const subscriptionKeyPrefix = "subs/"

// EtcdStore is a Store backed by etcd, sharing the same cluster the
// OwnershipRegistry uses for topic-owner election.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore wraps an already-connected etcd client.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

func recordKey(topic core.Topic, subscriber core.SubscriberID) string {
	return subscriptionKeyPrefix + string(topic) + "/" + string(subscriber)
}

func recordKeyPrefix(topic core.Topic) string {
	return subscriptionKeyPrefix + string(topic) + "/"
}

type wireRecord struct {
	Topic          string      `json:"topic"`
	Subscriber     string      `json:"subscriber"`
	ConsumeLocal   uint64      `json:"consume_local"`
	HasBound       bool        `json:"has_bound"`
	MessageBound   uint32      `json:"message_bound"`
	MessageFilter  string      `json:"message_filter"`
	Options        map[string]string `json:"options,omitempty"`
}

func toWire(r Record) wireRecord {
	return wireRecord{
		Topic:         string(r.Topic),
		Subscriber:    string(r.Subscriber),
		ConsumeLocal:  r.ConsumePointer.Local,
		HasBound:      r.Preferences.HasBound,
		MessageBound:  r.Preferences.MessageBound,
		MessageFilter: r.Preferences.MessageFilter,
		Options:       r.Preferences.Options,
	}
}

func fromWire(w wireRecord) Record {
	return Record{
		Topic:          core.Topic(w.Topic),
		Subscriber:     core.SubscriberID(w.Subscriber),
		ConsumePointer: core.SeqID{Local: w.ConsumeLocal},
		Preferences: Preferences{
			HasBound:      w.HasBound,
			MessageBound:  w.MessageBound,
			MessageFilter: w.MessageFilter,
			Options:       w.Options,
		},
	}
}

func (s *EtcdStore) List(ctx context.Context, topic core.Topic) ([]Record, error) {
	resp, err := s.client.Get(ctx, recordKeyPrefix(topic), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("subscription: list %q: %w", topic, err)
	}
	out := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var w wireRecord
		if err := json.Unmarshal(kv.Value, &w); err != nil {
			return nil, fmt.Errorf("subscription: decode record: %w", err)
		}
		out = append(out, fromWire(w))
	}
	return out, nil
}

func (s *EtcdStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(toWire(rec))
	if err != nil {
		return fmt.Errorf("subscription: encode record: %w", err)
	}
	if _, err := s.client.Put(ctx, recordKey(rec.Topic, rec.Subscriber), string(data)); err != nil {
		return fmt.Errorf("subscription: put %q/%q: %w", rec.Topic, rec.Subscriber, err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, topic core.Topic, subscriber core.SubscriberID) error {
	if _, err := s.client.Delete(ctx, recordKey(topic, subscriber)); err != nil {
		return fmt.Errorf("subscription: delete %q/%q: %w", topic, subscriber, err)
	}
	return nil
}
