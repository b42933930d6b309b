package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/tasks"
)

func newTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteOAuthCreatesConnection(t *testing.T) {
	srv := newTokenEndpoint(t)
	f := newFixture(t, withTokenURL(srv.URL))
	f.dialer.resources = append(f.dialer.resources, jira.Resource{ID: "cloud-2", URL: "https://other.atlassian.net", Name: "Other"})

	res, err := f.eng.CompleteOAuth(context.Background(), "user-1", "code-1", "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	c := res.Connection
	if res.Reconnect || c.ID == "" || c.SiteID != testCloud || c.RemoteAccountID != "acct-1" {
		t.Fatalf("unexpected connection %+v", c)
	}
	if len(c.Projects) != 2 || c.HasEnabledProjects() {
		t.Fatalf("projects should be listed and disabled: %+v", c.Projects)
	}
	if len(res.OtherSites) != 1 || res.OtherSites[0].ID != "cloud-2" {
		t.Fatalf("other sites = %+v", res.OtherSites)
	}
	tok, err := f.vault.Fetch(context.Background(), c.AccessSecret)
	if err != nil || tok != "at-new" {
		t.Fatalf("access token not vaulted: %q %v", tok, err)
	}
	if n := len(f.events(audit.EventConnectionCreated)); n != 1 {
		t.Fatalf("expected 1 audit entry, got %d", n)
	}
}

func TestCompleteOAuthReconnectKeepsProjects(t *testing.T) {
	srv := newTokenEndpoint(t)
	f := newFixture(t, withTokenURL(srv.URL))
	ctx := context.Background()
	old := f.connect(t, "user-1", "acct-1", "ENG")
	if err := f.reg.MarkError(ctx, old.ID, "revoked", true); err != nil {
		t.Fatalf("mark: %v", err)
	}

	res, err := f.eng.CompleteOAuth(ctx, "user-1", "code-2", testCloud)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	c := res.Connection
	if !res.Reconnect || c.ID != old.ID || c.NeedsReconnect {
		t.Fatalf("unexpected reconnect result %+v", res)
	}
	if !c.ProjectEnabled("ENG") || c.ProjectEnabled("OPS") {
		t.Fatalf("enabled flags not preserved: %+v", c.Projects)
	}
	if _, err := f.vault.Fetch(ctx, old.AccessSecret); err == nil {
		t.Fatalf("old access secret should be erased")
	}
	if f.vault.Len() != 2 {
		t.Fatalf("expected only the new secrets, got %d", f.vault.Len())
	}
}

func TestCompleteOAuthUnknownSite(t *testing.T) {
	srv := newTokenEndpoint(t)
	f := newFixture(t, withTokenURL(srv.URL))

	_, err := f.eng.CompleteOAuth(context.Background(), "user-1", "code-1", "cloud-404")
	if !errors.Is(err, connection.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if f.vault.Len() != 0 {
		t.Fatalf("nothing should be vaulted")
	}
	entries := f.events(audit.EventConnectionCreated)
	if len(entries) != 1 || entries[0].Success {
		t.Fatalf("expected one failed entry, got %+v", entries)
	}
}

func TestUpdateProjectsRegistersWebhookAndImports(t *testing.T) {
	f := newFixture(t, withSigner("hook-secret"), withPublicURL("https://sync.example.com/"))
	c := f.connect(t, "user-1", "acct-1")
	ctx := context.Background()
	f.remote.put(testIssue("ENG-1", "To Do", "new", "acct-1"))

	res, err := f.eng.UpdateProjects(ctx, c.ID, []string{"eng"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.WebhookID == nil || res.Sync.Created != 1 {
		t.Fatalf("got %+v", res)
	}
	if len(f.remote.registered) != 1 {
		t.Fatalf("expected one registration, got %v", f.remote.registered)
	}
	u, err := url.Parse(f.remote.registered[0])
	if err != nil || u.Host != "sync.example.com" || u.Path != WebhookPath {
		t.Fatalf("bad callback %q", f.remote.registered[0])
	}
	claims, err := f.signer.ParseWebhookToken(u.Query().Get("token"))
	if err != nil || claims.SiteID != testCloud || claims.Subject != c.ID {
		t.Fatalf("callback token invalid: %+v %v", claims, err)
	}
	if f.remote.registeredJQL[0] != `project in ("ENG")` {
		t.Fatalf("jql = %q", f.remote.registeredJQL[0])
	}

	first := *res.WebhookID
	res, err = f.eng.UpdateProjects(ctx, c.ID, []string{"ENG", "10001"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(f.remote.deleted) != 1 || f.remote.deleted[0] != first {
		t.Fatalf("old webhook not deleted: %v", f.remote.deleted)
	}
	if !strings.Contains(f.remote.registeredJQL[1], `"OPS"`) {
		t.Fatalf("jql = %q", f.remote.registeredJQL[1])
	}
	if n := len(f.events(audit.EventProjectsUpdated)); n != 2 {
		t.Fatalf("expected 2 audit entries, got %d", n)
	}

	if _, err := f.eng.UpdateProjects(ctx, c.ID, []string{"NOPE"}); !errors.Is(err, connection.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDisconnectTearsDown(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "user-1", "acct-1", "ENG")
	ctx := context.Background()
	id := int64(77)
	if err := f.reg.SetWebhook(ctx, c.ID, &id, nil); err != nil {
		t.Fatalf("set webhook: %v", err)
	}
	linked := linkedTask(t, f, "ENG-1")

	res, err := f.eng.Disconnect(ctx, c.ID)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !res.WebhookDeleted || res.TasksUnlinked != 1 {
		t.Fatalf("got %+v", res)
	}
	if _, err := f.reg.Get(ctx, c.ID); !errors.Is(err, connection.ErrNotFound) {
		t.Fatalf("connection should be gone: %v", err)
	}
	if f.vault.Len() != 0 {
		t.Fatalf("secrets not erased: %d left", f.vault.Len())
	}
	task, err := f.store.Get(ctx, linked.ID)
	if err != nil || task.Linked() {
		t.Fatalf("task should survive unlinked: %+v %v", task, err)
	}
	entries := f.events(audit.EventDisconnected)
	if len(entries) != 1 || !entries[0].Success {
		t.Fatalf("expected one successful entry, got %+v", entries)
	}
}

func TestEraseAccount(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "user-1", "acct-1", "ENG")
	b := f.connect(t, "user-2", "acct-1")
	keep := f.connect(t, "user-3", "acct-3")

	res, err := f.eng.EraseAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("erase: %v", err)
	}
	if len(res.Disconnected) != 2 {
		t.Fatalf("got %+v", res)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := f.reg.Get(context.Background(), id); !errors.Is(err, connection.ErrNotFound) {
			t.Fatalf("%s should be deleted", id)
		}
	}
	if _, err := f.reg.Get(context.Background(), keep.ID); err != nil {
		t.Fatalf("unrelated connection removed: %v", err)
	}
	if n := len(f.events(audit.EventErasure)); n != 1 {
		t.Fatalf("expected one erasure entry, got %d", n)
	}
}

func TestPruneUnlinksOldDeletedTasks(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1", "acct-1", "ENG")
	ctx := context.Background()
	gone := linkedTask(t, f, "ENG-1")
	live := linkedTask(t, f, "ENG-2")
	f.eng.HandleWebhook(ctx, delivery(t, jira.EventIssueDeleted, issuePayload("ENG-1", "To Do", "new", "acct-1"), nil), "")

	if n, err := f.eng.Prune(ctx); err != nil || n != 0 {
		t.Fatalf("fresh deletions must be kept: %d %v", n, err)
	}

	f.eng.now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }
	n, err := f.eng.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
	got, _ := f.store.Get(ctx, gone.ID)
	if got.Linked() || got.SyncStatus != "" {
		t.Fatalf("deleted task should be unlinked: %+v", got)
	}
	if got, _ := f.store.Get(ctx, live.ID); !got.Linked() || got.SyncStatus != tasks.SyncActive {
		t.Fatalf("active task touched: %+v", got)
	}
	if n := len(f.events(audit.EventTasksPruned)); n != 2 {
		t.Fatalf("expected 2 prune entries, got %d", n)
	}
}
