// Package events fans registry events out to live subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/google/uuid"
)

const subscriberBuffer = 256

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	Device string
	Kinds  []core.EventKind
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev core.Event) bool {
	if f.Device != "" && f.Device != ev.Device {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

type subscriber struct {
	filter Filter
	ch     chan core.Event
}

// Streamer is a core.Observer. Slow subscribers lose events instead of
// stalling acquisition.
type Streamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*subscriber
	dropped     atomic.Uint64
	closed      bool
}

func NewStreamer() *Streamer {
	return &Streamer{subscribers: make(map[uuid.UUID]*subscriber)}
}

// Subscribe returns a subscription id and its event channel. The channel is
// closed by Unsubscribe or Close.
func (s *Streamer) Subscribe(f Filter) (uuid.UUID, <-chan core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	ch := make(chan core.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = &subscriber{filter: f, ch: ch}
	return id, ch
}

func (s *Streamer) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(sub.ch)
	}
}

func (s *Streamer) OnEvent(ev core.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscribers {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Streamer) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Dropped counts events skipped because a subscriber was full.
func (s *Streamer) Dropped() uint64 { return s.dropped.Load() }

// Close ends every subscription.
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub.ch)
	}
}
