package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"jirasync.io/internal/obs"
	"jirasync.io/internal/stream"
)

func TestRecorderStoresAndPublishes(t *testing.T) {
	var buf bytes.Buffer
	defer obs.SetOutput(&buf)()

	st := NewInMemory()
	s := stream.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Subscribe(ctx, stream.ForUser("u1"))

	rec := NewRecorder(st, s)
	e, err := rec.Record(ctx, Entry{Event: EventTokenRefreshed, UserID: "u1", ConnectionID: "c1", Success: true})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.ID == "" || e.At.IsZero() || e.Details == nil {
		t.Fatalf("entry not completed: %+v", e)
	}

	select {
	case evt := <-sub:
		if evt.Type != EventTokenRefreshed || evt.ConnectionID != "c1" {
			t.Fatalf("unexpected stream event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("entry was not published")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"event":"token_refreshed"`)) {
		t.Fatalf("entry not logged: %s", buf.String())
	}
}

func TestListNewestFirstWithFilter(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ev := range []string{EventWebhookReceived, EventReconciliationPass, EventWebhookReceived} {
		_ = st.Append(ctx, Entry{ID: string(rune('a' + i)), At: base.Add(time.Duration(i) * time.Minute), Event: ev, UserID: "u1"})
	}
	_ = st.Append(ctx, Entry{ID: "z", At: base, Event: EventWebhookReceived, UserID: "u2"})

	got, err := st.List(ctx, Filter{UserID: "u1", Event: EventWebhookReceived})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("unexpected entries %+v", got)
	}
	limited, _ := st.List(ctx, Filter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "z" {
		t.Fatalf("unexpected limited entries %+v", limited)
	}
	if err := st.Append(ctx, Entry{}); err == nil {
		t.Fatal("expected error for unnamed entry")
	}
}
