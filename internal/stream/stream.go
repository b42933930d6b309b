// Package stream fans synchronization events out to live subscribers (the
// UI's audit log and connection-health indicators).
package stream

import (
	"context"
	"sync"
	"time"
)

// Event is one synchronization occurrence pushed to subscribers.
type Event struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Success      bool      `json:"success"`
	At           time.Time `json:"at"`
	Data         any       `json:"data,omitempty"`
}

// HeartbeatType marks keep-alive events emitted by StartHeartbeat.
const HeartbeatType = "heartbeat"

// Filter selects the events a subscriber receives. Nil accepts everything.
type Filter func(Event) bool

// ForUser accepts events addressed to userID plus heartbeats.
func ForUser(userID string) Filter {
	return func(e Event) bool {
		return e.Type == HeartbeatType || e.UserID == userID
	}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	next   int
	buffer int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber), buffer: 16}
}

// Subscribe registers a subscriber and returns a channel which will receive
// matching events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan Event {
	ch := make(chan Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all matching subscribers without blocking.
func (s *Stream) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// StartHeartbeat publishes keep-alive events at the provided interval until
// the returned stop function is called.
func (s *Stream) StartHeartbeat(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Publish(Event{Type: HeartbeatType, Success: true})
			}
		}
	}()
	return cancel
}
