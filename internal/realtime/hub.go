// Package realtime fans committed matches out to subscribers by match id.
package realtime

import (
	"context"
	"sync"

	"duel/internal/match"
	"duel/internal/metrics"
)

const defaultBuffer = 16

// Hub keeps in-process subscriptions keyed by match id
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]bool
	buffer int
}

// NewHub creates an empty hub. Each subscriber gets buffer pending updates.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		topics: make(map[string]map[*subscription]bool),
		buffer: buffer,
	}
}

// subscription delivers only versions newer than the last one it passed on
type subscription struct {
	hub     *Hub
	matchID string

	mu      sync.Mutex
	ch      chan *match.Match
	tracker *match.Tracker
	closed  bool
}

func (s *subscription) Updates() <-chan *match.Match {
	return s.ch
}

// Cancel stops delivery and closes the updates channel. Safe to call twice.
func (s *subscription) Cancel() {
	s.hub.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
		metrics.Subscribers.Dec()
	}
}

// offer queues m without blocking. When the buffer is full the oldest queued
// update is dropped; a newer full record supersedes it.
func (s *subscription) offer(m *match.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.tracker.Observe(m) {
		return
	}

	select {
	case s.ch <- m:
		return
	default:
	}

	select {
	case <-s.ch:
		metrics.Dropped.Inc()
	default:
	}
	select {
	case s.ch <- m:
	default:
		metrics.Dropped.Inc()
	}
}

// Subscribe opens a subscription for one match
func (h *Hub) Subscribe(matchID string) match.Subscription {
	s := &subscription{
		hub:     h,
		matchID: matchID,
		ch:      make(chan *match.Match, h.buffer),
		tracker: match.NewTracker(nil),
	}

	h.mu.Lock()
	subs, ok := h.topics[matchID]
	if !ok {
		subs = make(map[*subscription]bool)
		h.topics[matchID] = subs
	}
	subs[s] = true
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	return s
}

// Publish delivers m to local subscribers
func (h *Hub) Publish(ctx context.Context, m *match.Match) error {
	h.Deliver(m)
	return nil
}

// Deliver hands m to every subscriber of its match
func (h *Hub) Deliver(m *match.Match) {
	if m == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.topics[m.ID] {
		s.offer(m.Clone())
	}
}

// Subscribers returns the number of open subscriptions for a match
func (h *Hub) Subscribers(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[matchID])
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[s.matchID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.matchID)
		}
	}
}
