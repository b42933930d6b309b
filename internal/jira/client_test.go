package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func staticToken(tok string) TokenProvider {
	return func(context.Context) (string, error) { return tok, nil }
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{
		APIBaseURL: srv.URL,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestSearchIssuesPaginates(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ex/jira/cloud-1/rest/api/3/search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req struct {
			JQL        string   `json:"jql"`
			StartAt    int      `json:"startAt"`
			MaxResults int      `json:"maxResults"`
			Fields     []string `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.MaxResults != MaxPageSize || req.JQL != `project = "AB"` || len(req.Fields) == 0 {
			t.Errorf("unexpected request %+v", req)
		}
		n := 100
		if req.StartAt == 100 {
			n = 50
		}
		issues := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			issues = append(issues, map[string]any{
				"id":  fmt.Sprint(req.StartAt + i),
				"key": fmt.Sprintf("AB-%d", req.StartAt+i),
				"fields": map[string]any{
					"summary": "issue",
					"status":  map[string]any{"name": "To Do", "statusCategory": map[string]any{"key": "new"}},
				},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"startAt": req.StartAt, "total": 150, "issues": issues})
	})
	c := newTestClient(t, mux)

	issues, err := c.ForSite("cloud-1", staticToken("tok-1")).SearchIssues(context.Background(), `project = "AB"`, nil)
	if err != nil {
		t.Fatalf("SearchIssues: %v", err)
	}
	if len(issues) != 150 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("got %d issues in %d calls", len(issues), calls)
	}
	if issues[149].Key != "AB-149" || issues[0].StatusCategory != "new" || issues[0].ProjectKey != "AB" {
		t.Fatalf("unexpected issue %+v", issues[0])
	}
}

func TestRetriesServerErrorsOnly(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ex/jira/c/rest/api/3/myself", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"accountId":"acct-1","displayName":"Ada"}`))
	})
	mux.HandleFunc("/ex/jira/c/rest/api/3/issue/AB-1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorMessages":["bad"],"errors":{"duedate":"invalid"}}`))
	})
	c := newTestClient(t, mux)
	site := c.ForSite("c", staticToken("tok"))

	me, err := site.Myself(context.Background())
	if err != nil || me.AccountID != "acct-1" {
		t.Fatalf("Myself = %+v, %v", me, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	atomic.StoreInt32(&calls, 0)
	err = site.UpdateIssue(context.Background(), "AB-1", map[string]any{"duedate": "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Temporary() {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if len(apiErr.Messages) != 2 {
		t.Fatalf("unexpected messages %v", apiErr.Messages)
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls)
	}
}

func TestTooManyRequestsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	_, err := c.ForSite("c", staticToken("tok")).Myself(context.Background())
	if !IsStatus(err, http.StatusTooManyRequests) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := c.ForSite("c", staticToken("tok")).Myself(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Temporary() {
		t.Fatalf("expected temporary APIError, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 1+2 attempts, got %d", calls)
	}
}

func TestTokenProviderErrorShortCircuits(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	boom := errors.New("needs reconnect")
	_, err := c.ForSite("c", func(context.Context) (string, error) { return "", boom }).Myself(context.Background())
	if !errors.Is(err, boom) || calls != 0 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestTransitionsAndUpdate(t *testing.T) {
	var transitioned, updated map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/ex/jira/c/rest/api/3/issue/AB-1/transitions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"transitions":[
				{"id":"11","name":"Start","to":{"name":"In Progress","statusCategory":{"key":"indeterminate"}}},
				{"id":"31","name":"Finish","to":{"name":"Done","statusCategory":{"key":"done"}}}]}`))
		case http.MethodPost:
			_ = json.NewDecoder(r.Body).Decode(&transitioned)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/ex/jira/c/rest/api/3/issue/AB-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&updated)
		w.WriteHeader(http.StatusNoContent)
	})
	site := newTestClient(t, mux).ForSite("c", staticToken("tok"))
	ctx := context.Background()

	ts, err := site.Transitions(ctx, "AB-1")
	if err != nil || len(ts) != 2 || ts[1].ToCategory != "done" || ts[0].ToName != "In Progress" {
		t.Fatalf("Transitions = %+v, %v", ts, err)
	}
	if err := site.DoTransition(ctx, "AB-1", "31"); err != nil {
		t.Fatalf("DoTransition: %v", err)
	}
	if tr, _ := transitioned["transition"].(map[string]any); tr["id"] != "31" {
		t.Fatalf("unexpected transition body %v", transitioned)
	}
	if err := site.UpdateIssue(ctx, "AB-1", map[string]any{"summary": "New", "duedate": nil}); err != nil {
		t.Fatalf("UpdateIssue: %v", err)
	}
	fields, _ := updated["fields"].(map[string]any)
	if fields["summary"] != "New" {
		t.Fatalf("unexpected update body %v", updated)
	}
	if v, ok := fields["duedate"]; !ok || v != nil {
		t.Fatalf("duedate should be sent as null, got %v", fields)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	var deleted map[string][]int64
	mux := http.NewServeMux()
	mux.HandleFunc("/ex/jira/c/rest/api/3/webhook", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				URL      string `json:"url"`
				Webhooks []struct {
					Events    []string `json:"events"`
					JQLFilter string   `json:"jqlFilter"`
				} `json:"webhooks"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.URL == "" || len(body.Webhooks) != 1 || body.Webhooks[0].JQLFilter != `project in ("AB")` {
				t.Errorf("unexpected registration %+v", body)
			}
			_, _ = w.Write([]byte(`{"webhookRegistrationResult":[{"createdWebhookId":42}]}`))
		case http.MethodDelete:
			_ = json.NewDecoder(r.Body).Decode(&deleted)
			w.WriteHeader(http.StatusAccepted)
		}
	})
	mux.HandleFunc("/ex/jira/c/rest/api/3/webhook/refresh", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"expirationDate":"2026-12-01T10:00:00.000+0000"}`))
	})
	site := newTestClient(t, mux).ForSite("c", staticToken("tok"))
	ctx := context.Background()

	id, err := site.RegisterWebhook(ctx, "https://sync.example.com/v1/webhooks/jira?token=x", IssueEvents, `project in `+QuoteList([]string{"AB"}))
	if err != nil || id != 42 {
		t.Fatalf("RegisterWebhook = %d, %v", id, err)
	}
	exp, err := site.RefreshWebhooks(ctx, []int64{42})
	if err != nil || exp.Year() != 2026 || exp.Month() != time.December {
		t.Fatalf("RefreshWebhooks = %v, %v", exp, err)
	}
	if err := site.DeleteWebhooks(ctx, []int64{42}); err != nil {
		t.Fatalf("DeleteWebhooks: %v", err)
	}
	if len(deleted["webhookIds"]) != 1 || deleted["webhookIds"][0] != 42 {
		t.Fatalf("unexpected delete body %v", deleted)
	}
}

func TestAccessibleResourcesAndProjects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token/accessible-resources", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`[{"id":"cloud-1","url":"https://acme.atlassian.net","name":"acme"}]`))
	})
	mux.HandleFunc("/ex/jira/cloud-1/rest/api/3/project/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startAt") == "0" {
			_, _ = w.Write([]byte(`{"values":[{"id":"1","key":"AB","name":"Alpha"}],"isLast":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"values":[{"id":"2","key":"CD","name":"Charlie"}],"isLast":true}`))
	})
	c := newTestClient(t, mux)
	res, err := c.AccessibleResources(context.Background(), "fresh")
	if err != nil || len(res) != 1 || res[0].ID != "cloud-1" {
		t.Fatalf("AccessibleResources = %+v, %v", res, err)
	}
	projects, err := c.ForSite("cloud-1", staticToken("fresh")).ListProjects(context.Background())
	if err != nil || len(projects) != 2 || projects[1].Key != "CD" {
		t.Fatalf("ListProjects = %+v, %v", projects, err)
	}
}

func TestRetryDelay(t *testing.T) {
	c := New(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if d := c.retryDelay(1, ""); d != 100*time.Millisecond {
		t.Fatalf("attempt 1: %s", d)
	}
	if d := c.retryDelay(3, ""); d != 400*time.Millisecond {
		t.Fatalf("attempt 3: %s", d)
	}
	if d := c.retryDelay(10, ""); d != time.Second {
		t.Fatalf("attempt 10: %s", d)
	}
	if d := c.retryDelay(1, "30"); d != time.Second {
		t.Fatalf("retry-after should be capped: %s", d)
	}
}
