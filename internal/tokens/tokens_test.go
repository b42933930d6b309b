package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/vault"
)

type tokenServer struct {
	calls  int32
	status int
	body   map[string]any
	delay  time.Duration
	last   url.Values
	mu     sync.Mutex
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.calls, 1)
	_ = r.ParseForm()
	s.mu.Lock()
	s.last = r.PostForm
	status, delay := s.status, s.delay
	body, _ := json.Marshal(s.body)
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_, _ = w.Write(body)
}

func (s *tokenServer) respond(status int, body map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if body != nil {
		s.body = body
	}
}

func (s *tokenServer) form() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *tokenServer) count() int32 { return atomic.LoadInt32(&s.calls) }

type fixture struct {
	mgr      *Manager
	registry *connection.InMemory
	vault    *vault.InMemory
	audit    *audit.InMemory
	server   *tokenServer
	conn     connection.Connection
}

func newFixture(t *testing.T, expiresIn time.Duration) *fixture {
	t.Helper()
	ts := &tokenServer{body: map[string]any{
		"access_token":  "access-2",
		"refresh_token": "refresh-2",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	reg := connection.NewInMemory()
	v := vault.NewInMemory()
	auditStore := audit.NewInMemory()
	ctx := context.Background()

	access, _ := v.Store(ctx, "access-1")
	refresh, _ := v.Store(ctx, "refresh-1")
	conn, err := reg.Create(ctx, connection.Connection{
		UserID:          "u1",
		SiteID:          "cloud-1",
		AccessSecret:    access,
		RefreshSecret:   refresh,
		TokenExpiresAt:  time.Now().Add(expiresIn),
		RemoteAccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mgr := NewManager(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://sync.example.com/v1/oauth/jira/callback",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/oauth/token",
		Audience:     "api.atlassian.com",
		Scopes:       []string{"read:jira-work", "offline_access"},
	}, reg, v, audit.NewRecorder(auditStore, nil))
	return &fixture{mgr: mgr, registry: reg, vault: v, audit: auditStore, server: ts, conn: conn}
}

func (f *fixture) events() []string {
	var out []string
	for _, e := range f.audit.All() {
		out = append(out, e.Event)
	}
	return out
}

func TestValidTokenIsNotRefreshed(t *testing.T) {
	f := newFixture(t, time.Hour)
	tok, err := f.mgr.GetValidToken(context.Background(), f.conn)
	if err != nil || tok != "access-1" {
		t.Fatalf("GetValidToken = %q, %v", tok, err)
	}
	if f.server.count() != 0 || len(f.events()) != 0 {
		t.Fatalf("unexpected refresh: calls=%d events=%v", f.server.count(), f.events())
	}
}

func TestRefreshRotatesSecrets(t *testing.T) {
	f := newFixture(t, 2*time.Minute)
	ctx := context.Background()

	tok, err := f.mgr.GetValidToken(ctx, f.conn)
	if err != nil || tok != "access-2" {
		t.Fatalf("GetValidToken = %q, %v", tok, err)
	}
	if f.server.form().Get("grant_type") != "refresh_token" || f.server.form().Get("refresh_token") != "refresh-1" {
		t.Fatalf("unexpected grant %v", f.server.form())
	}
	if _, err := f.vault.Fetch(ctx, f.conn.AccessSecret); !errors.Is(err, vault.ErrSecretNotFound) {
		t.Fatalf("old access secret still readable: %v", err)
	}
	if _, err := f.vault.Fetch(ctx, f.conn.RefreshSecret); !errors.Is(err, vault.ErrSecretNotFound) {
		t.Fatalf("old refresh secret still readable: %v", err)
	}
	updated, _ := f.registry.Get(ctx, f.conn.ID)
	if got, err := f.vault.Fetch(ctx, updated.AccessSecret); err != nil || got != "access-2" {
		t.Fatalf("new access secret = %q, %v", got, err)
	}
	if got, err := f.vault.Fetch(ctx, updated.RefreshSecret); err != nil || got != "refresh-2" {
		t.Fatalf("new refresh secret = %q, %v", got, err)
	}
	if time.Until(updated.TokenExpiresAt) < 50*time.Minute {
		t.Fatalf("expiry not advanced: %v", updated.TokenExpiresAt)
	}
	if f.vault.Len() != 2 {
		t.Fatalf("expected exactly two live secrets, got %d", f.vault.Len())
	}
	if ev := f.events(); len(ev) != 1 || ev[0] != audit.EventTokenRefreshed {
		t.Fatalf("unexpected audit trail %v", ev)
	}
}

func TestRefreshWithoutRotationKeepsRefreshSecret(t *testing.T) {
	f := newFixture(t, -time.Minute)
	f.server.respond(0, map[string]any{"access_token": "access-2", "token_type": "Bearer", "expires_in": 3600})
	ctx := context.Background()

	if _, err := f.mgr.GetValidToken(ctx, f.conn); err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	updated, _ := f.registry.Get(ctx, f.conn.ID)
	if updated.RefreshSecret != f.conn.RefreshSecret {
		t.Fatalf("refresh secret ref changed without rotation")
	}
	if got, err := f.vault.Fetch(ctx, updated.RefreshSecret); err != nil || got != "refresh-1" {
		t.Fatalf("refresh secret = %q, %v", got, err)
	}
}

func TestRejectedRefreshMarksNeedsReconnect(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.server.respond(http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Unknown or invalid refresh token."})
	ctx := context.Background()

	_, err := f.mgr.GetValidToken(ctx, f.conn)
	if !errors.Is(err, ErrNeedsReconnect) {
		t.Fatalf("expected ErrNeedsReconnect, got %v", err)
	}
	var credErr *CredentialError
	if !errors.As(err, &credErr) || credErr.ConnectionID != f.conn.ID {
		t.Fatalf("expected CredentialError, got %T", err)
	}
	updated, _ := f.registry.Get(ctx, f.conn.ID)
	if !updated.NeedsReconnect || updated.LastError == "" {
		t.Fatalf("connection not flagged: %+v", updated)
	}
	if got, _ := f.vault.Fetch(ctx, f.conn.AccessSecret); got != "access-1" {
		t.Fatal("access secret must not be deleted on failure")
	}
	if got, _ := f.vault.Fetch(ctx, f.conn.RefreshSecret); got != "refresh-1" {
		t.Fatal("refresh secret must not be deleted on failure")
	}
	entries := f.audit.All()
	if len(entries) != 1 || entries[0].Event != audit.EventTokenRefreshFailed || entries[0].Success {
		t.Fatalf("unexpected audit trail %+v", entries)
	}

	// Flagged connections short-circuit without touching the endpoint.
	calls := f.server.count()
	if _, err := f.mgr.GetValidToken(ctx, f.conn); !errors.Is(err, ErrNeedsReconnect) {
		t.Fatalf("expected short-circuit, got %v", err)
	}
	if f.server.count() != calls {
		t.Fatal("flagged connection hit the token endpoint")
	}
}

func TestTransientFailureDoesNotFlag(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.server.respond(http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})
	ctx := context.Background()

	_, err := f.mgr.GetValidToken(ctx, f.conn)
	if err == nil || errors.Is(err, ErrNeedsReconnect) {
		t.Fatalf("expected transient error, got %v", err)
	}
	updated, _ := f.registry.Get(ctx, f.conn.ID)
	if updated.NeedsReconnect {
		t.Fatal("transient failure must not require reconnect")
	}
	if ev := f.events(); len(ev) != 1 || ev[0] != audit.EventTokenRefreshFailed {
		t.Fatalf("unexpected audit trail %v", ev)
	}
}

func TestMissingRefreshSecretNeedsReconnect(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	_ = f.vault.Delete(ctx, f.conn.RefreshSecret)

	if _, err := f.mgr.GetValidToken(ctx, f.conn); !errors.Is(err, ErrNeedsReconnect) {
		t.Fatalf("expected ErrNeedsReconnect, got %v", err)
	}
	if f.server.count() != 0 {
		t.Fatal("token endpoint should not be called without a refresh token")
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.server.mu.Lock()
	f.server.delay = 50 * time.Millisecond
	f.server.mu.Unlock()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 10)
	errs := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.mgr.GetValidToken(ctx, f.conn)
		}(i)
	}
	wg.Wait()
	for i := range results {
		if errs[i] != nil || results[i] != "access-2" {
			t.Fatalf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
	if n := f.server.count(); n != 1 {
		t.Fatalf("expected one refresh grant, got %d", n)
	}
}

func TestAuthCodeURLAndExchange(t *testing.T) {
	f := newFixture(t, time.Hour)
	u, err := url.Parse(f.mgr.AuthCodeURL("state-1"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("audience") != "api.atlassian.com" || q.Get("prompt") != "consent" || q.Get("state") != "state-1" {
		t.Fatalf("unexpected auth url %s", u)
	}
	if !strings.Contains(q.Get("scope"), "offline_access") {
		t.Fatalf("scope missing offline_access: %s", q.Get("scope"))
	}

	tok, err := f.mgr.Exchange(context.Background(), "code-1")
	if err != nil || tok.AccessToken != "access-2" {
		t.Fatalf("Exchange = %+v, %v", tok, err)
	}
	if f.server.form().Get("grant_type") != "authorization_code" || f.server.form().Get("code") != "code-1" {
		t.Fatalf("unexpected exchange form %v", f.server.form())
	}
	if _, err := f.mgr.Exchange(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty code")
	}

	g, err := f.mgr.Store(context.Background(), tok)
	if err != nil || g.Access.IsZero() || g.Refresh.IsZero() {
		t.Fatalf("Store = %+v, %v", g, err)
	}
	if err := f.mgr.Erase(context.Background(), g.Access, g.Refresh); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := f.vault.Fetch(context.Background(), g.Access); !errors.Is(err, vault.ErrSecretNotFound) {
		t.Fatal("erased secret still readable")
	}
}
