package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/auth"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/statusmap"
	"jirasync.io/internal/tasks"
	"jirasync.io/internal/tokens"
	"jirasync.io/internal/vault"
)

const (
	testCloud   = "cloud-1"
	testSiteURL = "https://acme.atlassian.net"
)

// fakeRemote is an in-memory remote site. Searches understand the handful
// of JQL shapes the engine emits.
type fakeRemote struct {
	mu          sync.Mutex
	issues      map[string]jira.Issue
	transitions []statusmap.Transition
	myself      jira.Myself
	projects    []jira.Project

	searchErr  error
	updateErr  error
	refreshErr error

	searches      []string
	updates       []map[string]any
	doTransitions []string
	registered    []string
	registeredJQL []string
	deleted       []int64
	refreshed     []int64
	nextWebhook   int64
	gets          int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		issues:      map[string]jira.Issue{},
		myself:      jira.Myself{AccountID: "acct-1", EmailAddress: "ada@example.com", DisplayName: "Ada"},
		projects:    []jira.Project{{ID: "10000", Key: "ENG", Name: "Engineering"}, {ID: "10001", Key: "OPS", Name: "Operations"}},
		nextWebhook: 100,
	}
}

func (r *fakeRemote) put(iss jira.Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues[iss.Key] = iss
}

func (r *fakeRemote) Myself(ctx context.Context) (jira.Myself, error) { return r.myself, nil }

func (r *fakeRemote) ListProjects(ctx context.Context) ([]jira.Project, error) {
	return r.projects, nil
}

func (r *fakeRemote) SearchIssues(ctx context.Context, jql string, fields []string) ([]jira.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searches = append(r.searches, jql)
	if r.searchErr != nil {
		return nil, r.searchErr
	}
	var out []jira.Issue
	for _, iss := range r.issues {
		if matchJQL(jql, iss) {
			out = append(out, iss)
		}
	}
	return out, nil
}

func matchJQL(jql string, iss jira.Issue) bool {
	if strings.HasPrefix(jql, "key in ") {
		return strings.Contains(jql, jira.QuoteJQL(iss.Key))
	}
	if !strings.Contains(jql, "assignee = "+jira.QuoteJQL(iss.AssigneeAccountID)) {
		return false
	}
	if !strings.Contains(jql, jira.QuoteJQL(iss.ProjectKey)) {
		return false
	}
	if strings.Contains(jql, "resolution = Unresolved") && iss.StatusCategory == statusmap.CategoryDone {
		return false
	}
	if strings.HasPrefix(jql, "sprint = ") {
		return iss.Sprint != nil && strings.HasPrefix(jql, fmt.Sprintf("sprint = %d ", iss.Sprint.ID))
	}
	return true
}

func (r *fakeRemote) GetIssue(ctx context.Context, key string) (jira.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	iss, ok := r.issues[key]
	if !ok {
		return jira.Issue{}, &jira.APIError{Status: 404, Method: "GET", Path: "/issue/" + key}
	}
	return iss, nil
}

func (r *fakeRemote) UpdateIssue(ctx context.Context, key string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updates = append(r.updates, fields)
	return nil
}

func (r *fakeRemote) Transitions(ctx context.Context, key string) ([]statusmap.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions, nil
}

func (r *fakeRemote) DoTransition(ctx context.Context, key, transitionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doTransitions = append(r.doTransitions, key+":"+transitionID)
	return nil
}

func (r *fakeRemote) RegisterWebhook(ctx context.Context, callbackURL string, events []string, jql string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextWebhook++
	r.registered = append(r.registered, callbackURL)
	r.registeredJQL = append(r.registeredJQL, jql)
	return r.nextWebhook, nil
}

func (r *fakeRemote) DeleteWebhooks(ctx context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids...)
	return nil
}

func (r *fakeRemote) RefreshWebhooks(ctx context.Context, ids []int64) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, ids...)
	if r.refreshErr != nil {
		return time.Time{}, r.refreshErr
	}
	return time.Now().Add(30 * 24 * time.Hour), nil
}

func (r *fakeRemote) searchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.searches)
}

// authedRemote resolves a token before every call like the real client.
type authedRemote struct {
	*fakeRemote
	tp jira.TokenProvider
}

func (a authedRemote) auth(ctx context.Context) error {
	_, err := a.tp(ctx)
	return err
}

func (a authedRemote) SearchIssues(ctx context.Context, jql string, fields []string) ([]jira.Issue, error) {
	if err := a.auth(ctx); err != nil {
		return nil, err
	}
	return a.fakeRemote.SearchIssues(ctx, jql, fields)
}

func (a authedRemote) UpdateIssue(ctx context.Context, key string, fields map[string]any) error {
	if err := a.auth(ctx); err != nil {
		return err
	}
	return a.fakeRemote.UpdateIssue(ctx, key, fields)
}

func (a authedRemote) Transitions(ctx context.Context, key string) ([]statusmap.Transition, error) {
	if err := a.auth(ctx); err != nil {
		return nil, err
	}
	return a.fakeRemote.Transitions(ctx, key)
}

type fakeDialer struct {
	remote    *fakeRemote
	resources []jira.Resource
}

func (d *fakeDialer) ForSite(cloudID string, tp jira.TokenProvider) Remote {
	return authedRemote{fakeRemote: d.remote, tp: tp}
}

func (d *fakeDialer) AccessibleResources(ctx context.Context, accessToken string) ([]jira.Resource, error) {
	return d.resources, nil
}

func (d *fakeDialer) FieldSet() jira.FieldSet { return jira.FieldSet{StartDate: "customfield_10015"} }

type fixture struct {
	eng      *Engine
	reg      *connection.InMemory
	store    *tasks.InMemory
	vault    *vault.InMemory
	audits   *audit.InMemory
	remote   *fakeRemote
	dialer   *fakeDialer
	tokens   *tokens.Manager
	signer   *auth.Signer
	tokenURL string
}

type fixtureOption func(*fixture, *tokens.Config, *Options)

func withSigner(secret string) fixtureOption {
	return func(f *fixture, _ *tokens.Config, _ *Options) {
		s, err := auth.NewSigner(secret, "jirasync-test")
		if err != nil {
			panic(err)
		}
		f.signer = s
	}
}

func withTokenURL(u string) fixtureOption {
	return func(_ *fixture, cfg *tokens.Config, _ *Options) { cfg.TokenURL = u }
}

func withPublicURL(u string) fixtureOption {
	return func(_ *fixture, _ *tokens.Config, o *Options) { o.PublicBaseURL = u }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		reg:    connection.NewInMemory(),
		store:  tasks.NewInMemory(),
		vault:  vault.NewInMemory(),
		audits: audit.NewInMemory(),
		remote: newFakeRemote(),
	}
	f.dialer = &fakeDialer{remote: f.remote, resources: []jira.Resource{{ID: testCloud, URL: testSiteURL, Name: "Acme"}}}
	cfg := tokens.Config{ClientID: "client", ClientSecret: "secret", TokenURL: "http://127.0.0.1:1/token"}
	eopts := Options{FanoutRatePerSec: 1000}
	for _, o := range opts {
		o(f, &cfg, &eopts)
	}
	rec := audit.NewRecorder(f.audits, nil)
	f.tokens = tokens.NewManager(cfg, f.reg, f.vault, rec)
	f.eng = New(Deps{
		Registry: f.reg,
		Tasks:    f.store,
		Projects: f.store,
		Tokens:   f.tokens,
		Remote:   f.dialer,
		Recorder: rec,
		Signer:   f.signer,
	}, eopts)
	return f
}

// connect stores a connection with a long-lived access token.
func (f *fixture) connect(t *testing.T, userID, accountID string, enabled ...string) connection.Connection {
	t.Helper()
	ctx := context.Background()
	access, err := f.vault.Store(ctx, "access-"+userID)
	if err != nil {
		t.Fatalf("store access: %v", err)
	}
	refresh, err := f.vault.Store(ctx, "refresh-"+userID)
	if err != nil {
		t.Fatalf("store refresh: %v", err)
	}
	projects := []connection.ProjectSetting{
		{ID: "10000", Key: "ENG", Name: "Engineering"},
		{ID: "10001", Key: "OPS", Name: "Operations"},
	}
	for i := range projects {
		for _, k := range enabled {
			if projects[i].Key == k {
				projects[i].Enabled = true
			}
		}
	}
	c, err := f.reg.Create(ctx, connection.Connection{
		UserID:          userID,
		SiteID:          testCloud,
		SiteURL:         testSiteURL,
		AccessSecret:    access,
		RefreshSecret:   refresh,
		TokenExpiresAt:  time.Now().Add(time.Hour),
		RemoteAccountID: accountID,
		Projects:        projects,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return c
}

func (f *fixture) events(name string) []audit.Entry {
	var out []audit.Entry
	for _, e := range f.audits.All() {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) task(t *testing.T, key string) tasks.Task {
	t.Helper()
	task, err := f.store.FindByRemoteKey(context.Background(), testCloud, key)
	if err != nil {
		t.Fatalf("find %s: %v", key, err)
	}
	return task
}

func testIssue(key, status, category, assignee string) jira.Issue {
	return jira.Issue{
		ID:                "1" + strings.TrimPrefix(key, "ENG-"),
		Key:               key,
		Summary:           "Issue " + key,
		StatusName:        status,
		StatusCategory:    category,
		Priority:          "Medium",
		ProjectID:         "10000",
		ProjectKey:        "ENG",
		ProjectName:       "Engineering",
		AssigneeAccountID: assignee,
		IssueType:         "Task",
	}
}

// issuePayload renders a webhook issue object the way the remote sends it.
func issuePayload(key, status, category, assignee string) map[string]any {
	fields := map[string]any{
		"summary":   "Issue " + key,
		"status":    map[string]any{"name": status, "statusCategory": map[string]any{"key": category}},
		"priority":  map[string]any{"name": "Medium"},
		"issuetype": map[string]any{"name": "Task"},
		"project":   map[string]any{"id": "10000", "key": "ENG", "name": "Engineering"},
	}
	if assignee != "" {
		fields["assignee"] = map[string]any{"accountId": assignee}
	}
	return map[string]any{
		"id":     "1" + strings.TrimPrefix(key, "ENG-"),
		"key":    key,
		"self":   "https://api.atlassian.com/ex/jira/" + testCloud + "/rest/api/3/issue/" + key,
		"fields": fields,
	}
}

func delivery(t *testing.T, event string, issue map[string]any, extra map[string]any) []byte {
	t.Helper()
	body := map[string]any{"webhookEvent": event, "timestamp": time.Now().UnixMilli()}
	if issue != nil {
		body["issue"] = issue
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal delivery: %v", err)
	}
	return raw
}
