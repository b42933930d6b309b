// Package audit keeps the append-only trail of synchronization lifecycle
// events. Every remote-affecting operation records exactly one entry.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"jirasync.io/internal/ids"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/stream"
)

// Event names.
const (
	EventTokenRefreshed     = "token_refreshed"
	EventTokenRefreshFailed = "token_refresh_failed"
	EventWebhookReceived    = "webhook_received"
	EventReconciliationPass = "reconciliation_pass"
	EventOutboundPush       = "outbound_push"
	EventConnectionCreated  = "connection_created"
	EventProjectsUpdated    = "projects_updated"
	EventDisconnected       = "disconnected"
	EventErasure            = "erasure"
	EventTasksPruned        = "tasks_pruned"
)

// Entry is one audit record.
type Entry struct {
	ID           string         `json:"id"`
	At           time.Time      `json:"at"`
	Event        string         `json:"event"`
	ConnectionID string         `json:"connection_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Success      bool           `json:"success"`
	Details      map[string]any `json:"details"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID       string
	ConnectionID string
	Event        string
	Limit        int
}

func (f Filter) matches(e Entry) bool {
	return (f.UserID == "" || f.UserID == e.UserID) &&
		(f.ConnectionID == "" || f.ConnectionID == e.ConnectionID) &&
		(f.Event == "" || f.Event == e.Event)
}

// EffectiveLimit applies the default and the cap.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns newest entries first.
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// InMemory implements Store.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemory() *InMemory { return &InMemory{} }

func (s *InMemory) Append(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("event name is required")
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < f.EffectiveLimit(); i-- {
		if f.matches(s.entries[i]) {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// All returns every entry oldest first.
func (s *InMemory) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Entry(nil), s.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Recorder appends entries, mirrors them to the log and publishes them to
// live subscribers.
type Recorder struct {
	store  Store
	stream *stream.Stream
	now    func() time.Time
}

// NewRecorder wires a recorder. stream may be nil.
func NewRecorder(store Store, s *stream.Stream) *Recorder {
	return &Recorder{store: store, stream: s, now: func() time.Time { return time.Now().UTC() }}
}

// Record stores e after assigning its id and timestamp. A storage failure is
// logged and returned; callers treat it as non-fatal.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = ids.NewPrefixed("aud")
	}
	if e.At.IsZero() {
		e.At = r.now()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	fields := map[string]any{"success": e.Success, "details": e.Details}
	if e.ConnectionID != "" {
		fields["connection_id"] = e.ConnectionID
	}
	if e.UserID != "" {
		fields["subject_user_id"] = e.UserID
	}
	_ = LogEvent(ctx, e.Event, fields)

	if err := r.store.Append(ctx, e); err != nil {
		obs.Logger().Error("audit append failed", zap.String("event", e.Event), zap.Error(err))
		return e, err
	}
	if r.stream != nil {
		r.stream.Publish(stream.Event{
			Type:         e.Event,
			UserID:       e.UserID,
			ConnectionID: e.ConnectionID,
			Success:      e.Success,
			At:           e.At,
			Data:         e.Details,
		})
	}
	return e, nil
}

// List proxies to the underlying store.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	return r.store.List(ctx, f)
}
