package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jirasync.io/internal/statusmap"
)

// MaxPageSize is the largest page the search endpoint returns.
const MaxPageSize = 100

// Myself is the remote account behind the access token.
type Myself struct {
	AccountID    string `json:"accountId"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

// Project is a remote project visible to the account.
type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (s *Site) fieldSet() FieldSet {
	return s.client.FieldSet()
}

// Myself returns the account the token belongs to.
func (s *Site) Myself(ctx context.Context) (Myself, error) {
	var me Myself
	err := s.call(ctx, http.MethodGet, "/myself", nil, &me)
	return me, err
}

// ListProjects pages through every project the account can browse.
func (s *Site) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	startAt := 0
	for {
		var page struct {
			Values     []Project `json:"values"`
			IsLast     bool      `json:"isLast"`
			MaxResults int       `json:"maxResults"`
		}
		q := url.Values{}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", "50")
		if err := s.call(ctx, http.MethodGet, "/project/search?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Values...)
		if page.IsLast || len(page.Values) == 0 {
			return out, nil
		}
		startAt += len(page.Values)
	}
}

// SearchIssues runs jql and returns every matching issue, paging at
// MaxPageSize. A nil fields projection selects the default set.
func (s *Site) SearchIssues(ctx context.Context, jql string, fields []string) ([]Issue, error) {
	fs := s.fieldSet()
	if fields == nil {
		fields = fs.Fields()
	}
	var out []Issue
	startAt := 0
	for {
		req := map[string]any{
			"jql":        jql,
			"startAt":    startAt,
			"maxResults": MaxPageSize,
			"fields":     fields,
		}
		var page struct {
			StartAt int        `json:"startAt"`
			Total   int        `json:"total"`
			Issues  []rawIssue `json:"issues"`
		}
		if err := s.call(ctx, http.MethodPost, "/search", req, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Issues {
			out = append(out, raw.normalize(fs))
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			return out, nil
		}
	}
}

// GetIssue fetches one issue by key or id.
func (s *Site) GetIssue(ctx context.Context, key string) (Issue, error) {
	fs := s.fieldSet()
	q := url.Values{}
	q.Set("fields", strings.Join(fs.Fields(), ","))
	var raw rawIssue
	if err := s.call(ctx, http.MethodGet, "/issue/"+url.PathEscape(key)+"?"+q.Encode(), nil, &raw); err != nil {
		return Issue{}, err
	}
	return raw.normalize(fs), nil
}

// UpdateIssue sends a sparse field map. A nil value clears the field.
func (s *Site) UpdateIssue(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.call(ctx, http.MethodPut, "/issue/"+url.PathEscape(key), map[string]any{"fields": fields}, nil)
}

// Transitions lists the workflow moves currently allowed on the issue.
func (s *Site) Transitions(ctx context.Context, key string) ([]statusmap.Transition, error) {
	var resp struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   struct {
				Name           string `json:"name"`
				StatusCategory struct {
					Key string `json:"key"`
				} `json:"statusCategory"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := s.call(ctx, http.MethodGet, "/issue/"+url.PathEscape(key)+"/transitions", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]statusmap.Transition, 0, len(resp.Transitions))
	for _, t := range resp.Transitions {
		out = append(out, statusmap.Transition{
			ID:         t.ID,
			Name:       t.Name,
			ToName:     t.To.Name,
			ToCategory: t.To.StatusCategory.Key,
		})
	}
	return out, nil
}

// DoTransition executes one transition.
func (s *Site) DoTransition(ctx context.Context, key, transitionID string) error {
	body := map[string]any{"transition": map[string]string{"id": transitionID}}
	return s.call(ctx, http.MethodPost, "/issue/"+url.PathEscape(key)+"/transitions", body, nil)
}

// RegisterWebhook registers one dynamic webhook and returns its id.
func (s *Site) RegisterWebhook(ctx context.Context, callbackURL string, events []string, jql string) (int64, error) {
	body := map[string]any{
		"url": callbackURL,
		"webhooks": []map[string]any{{
			"events":    events,
			"jqlFilter": jql,
		}},
	}
	var resp struct {
		Results []struct {
			CreatedWebhookID int64    `json:"createdWebhookId"`
			Errors           []string `json:"errors"`
		} `json:"webhookRegistrationResult"`
	}
	if err := s.call(ctx, http.MethodPost, "/webhook", body, &resp); err != nil {
		return 0, err
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("register webhook: empty result")
	}
	r := resp.Results[0]
	if len(r.Errors) > 0 || r.CreatedWebhookID == 0 {
		return 0, fmt.Errorf("register webhook: %s", strings.Join(r.Errors, "; "))
	}
	return r.CreatedWebhookID, nil
}

// DeleteWebhooks removes registrations by id.
func (s *Site) DeleteWebhooks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.call(ctx, http.MethodDelete, "/webhook", map[string]any{"webhookIds": ids}, nil)
}

// RefreshWebhooks extends registrations and returns the new expiry.
func (s *Site) RefreshWebhooks(ctx context.Context, ids []int64) (time.Time, error) {
	if len(ids) == 0 {
		return time.Time{}, nil
	}
	var resp struct {
		ExpirationDate json.RawMessage `json:"expirationDate"`
	}
	if err := s.call(ctx, http.MethodPut, "/webhook/refresh", map[string]any{"webhookIds": ids}, &resp); err != nil {
		return time.Time{}, err
	}
	return parseExpiration(resp.ExpirationDate), nil
}

// parseExpiration accepts either an RFC 3339 string or epoch milliseconds.
func parseExpiration(raw json.RawMessage) time.Time {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		return time.Time{}
	}
	var ms int64
	if json.Unmarshal(raw, &ms) == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// QuoteJQL quotes a value for use in a JQL clause.
func QuoteJQL(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

// QuoteList renders ("A","B") for an "in" clause.
func QuoteList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, QuoteJQL(v))
	}
	return "(" + strings.Join(quoted, ",") + ")"
}
