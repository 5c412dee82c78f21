// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery implements the DeliveryManager: one DeliverySession per
// actively-receiving (topic, subscriber-id) pair, scanning the persistence
// gateway in order and writing kept messages to the subscriber's endpoint.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relaymq/core"
	"github.com/relaymq/relaymq/persistence"
)

// Endpoint is the write side of a subscriber's connection, as seen by a
// DeliverySession. It knows nothing about the wire protocol; the caller
// that constructs an Endpoint is responsible for framing.
type Endpoint interface {
	// Write sends msg to the subscriber. Must not block indefinitely; a
	// slow or unresponsive endpoint should report itself Writable()==false
	// instead of blocking Write.
	Write(ctx context.Context, msg core.Message) error
	// Writable reports whether the endpoint can currently accept a Write
	// without blocking or growing an unbounded queue.
	Writable() bool
	Close() error
}

// Config tunes the scan batch size and backpressure timeout.
type Config struct {
	BatchCount int
	// UnwritableTimeout bounds how long a session waits for an endpoint to
	// become writable again before closing the connection outright.
	UnwritableTimeout time.Duration
	// FallbackPollInterval re-checks the log even without a notification,
	// guarding against a missed or coalesced broadcast.
	FallbackPollInterval time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		BatchCount:           256,
		UnwritableTimeout:    30 * time.Second,
		FallbackPollInterval: 2 * time.Second,
	}
}

// Session is one DeliverySession: FIFO delivery from a topic's log to one
// subscriber's endpoint, starting at nextSeq and advancing monotonically.
type Session struct {
	topic      core.Topic
	subscriber core.SubscriberID
	endpoint   Endpoint
	filters    FilterChain
	gw         persistence.Gateway
	cfg        Config
	log        *slog.Logger

	waitFor func() <-chan struct{}
	onAdvance func(seqID core.SeqID)

	mu      sync.Mutex
	nextSeq uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSession(
	topic core.Topic,
	subscriber core.SubscriberID,
	endpoint Endpoint,
	filters FilterChain,
	gw persistence.Gateway,
	cfg Config,
	startSeq core.SeqID,
	waitFor func() <-chan struct{},
	onAdvance func(core.SeqID),
	log *slog.Logger,
) *Session {
	return &Session{
		topic:      topic,
		subscriber: subscriber,
		endpoint:   endpoint,
		filters:    filters,
		gw:         gw,
		cfg:        cfg,
		log:        log,
		waitFor:    waitFor,
		onAdvance:  onAdvance,
		nextSeq:    startSeq.Local,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// NextSeq returns the session's current delivery pointer.
func (s *Session) NextSeq() core.SeqID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.SeqID{Local: s.nextSeq}
}

// Close terminates the session and its endpoint. Safe to call more than
// once and from any goroutine.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.endpoint.Close()
	})
}

// run is the delivery loop described by the four-step scan/filter/write/
// wait algorithm. It exits when stopCh closes or ctx is canceled.
func (s *Session) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !s.endpoint.Writable() {
			if !s.waitForWritable(ctx) {
				s.Close()
				return
			}
			continue
		}

		s.mu.Lock()
		from := s.nextSeq
		s.mu.Unlock()

		msgs, err := s.gw.ScanRange(ctx, s.topic, core.SeqID{Local: from}, s.cfg.BatchCount)
		if err != nil {
			s.log.Warn("delivery scan failed", "topic", s.topic, "subscriber", s.subscriber, "err", err)
			if !s.sleep(ctx, s.cfg.FallbackPollInterval) {
				return
			}
			continue
		}

		if len(msgs) == 0 {
			if !s.waitForTail(ctx) {
				return
			}
			continue
		}

		for i, m := range msgs {
			advanced := m.SeqID
			if s.filters.Accept(m) {
				if err := s.endpoint.Write(ctx, m); err != nil {
					s.log.Info("delivery write failed, closing session", "topic", s.topic, "subscriber", s.subscriber, "err", err)
					releaseAll(msgs[i:])
					s.Close()
					return
				}
			}
			m.Release()
			s.mu.Lock()
			s.nextSeq = advanced.Local + 1
			s.mu.Unlock()
			if s.onAdvance != nil {
				s.onAdvance(advanced)
			}
		}
	}
}

// releaseAll returns every scanned message's pooled buffer, used when a
// batch is abandoned partway through (e.g. a write failure) so the messages
// after the failed one don't leak their buffers back to core.BufferPool.
func releaseAll(msgs []core.Message) {
	for i := range msgs {
		msgs[i].Release()
	}
}

func (s *Session) waitForWritable(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.UnwritableTimeout):
		return false
	case <-s.waitFor():
		return true
	}
}

func (s *Session) waitForTail(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.FallbackPollInterval):
		return true
	case <-s.waitFor():
		return true
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
