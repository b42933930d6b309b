package jira

import (
	"testing"
)

const sampleIssue = `{
  "id": "10001",
  "key": "AB-12",
  "self": "https://api.atlassian.com/ex/jira/cloud-1/rest/api/3/issue/10001",
  "fields": {
    "summary": "Ship the importer",
    "description": {
      "type": "doc", "version": 1,
      "content": [
        {"type": "paragraph", "content": [{"type": "text", "text": "First line"}, {"type": "hardBreak"}, {"type": "text", "text": "second"}]},
        {"type": "bulletList", "content": [
          {"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "one"}]}]},
          {"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "mention", "attrs": {"text": "@ada"}}]}]}
        ]}
      ]
    },
    "status": {"name": "In Review", "statusCategory": {"key": "indeterminate"}},
    "priority": {"name": "Highest"},
    "duedate": "2026-03-05",
    "customfield_10015": "2026-03-01",
    "parent": {"key": "AB-1"},
    "issuetype": {"name": "Story"},
    "project": {"id": "100", "key": "AB", "name": "Alpha"},
    "assignee": {"accountId": "acct-1"},
    "labels": ["backend"],
    "customfield_10020": [
      {"id": 3, "name": "Sprint 3", "state": "closed"},
      {"id": 4, "name": "Sprint 4", "state": "active"}
    ]
  }
}`

func TestParseIssue(t *testing.T) {
	iss, err := ParseIssue([]byte(sampleIssue), FieldSet{StartDate: "customfield_10015", Sprint: "customfield_10020"})
	if err != nil {
		t.Fatalf("ParseIssue: %v", err)
	}
	if iss.Key != "AB-12" || iss.Summary != "Ship the importer" || iss.StatusCategory != "indeterminate" {
		t.Fatalf("unexpected issue %+v", iss)
	}
	wantDesc := "First line\nsecond\n- one\n- @ada"
	if iss.Description != wantDesc {
		t.Fatalf("description = %q want %q", iss.Description, wantDesc)
	}
	if iss.DueDate == nil || iss.DueDate.Format(DateLayout) != "2026-03-05" {
		t.Fatalf("unexpected due date %v", iss.DueDate)
	}
	if iss.StartDate == nil || iss.StartDate.Format(DateLayout) != "2026-03-01" {
		t.Fatalf("unexpected start date %v", iss.StartDate)
	}
	if iss.Sprint == nil || iss.Sprint.ID != 4 {
		t.Fatalf("expected the active sprint, got %+v", iss.Sprint)
	}
	if iss.ParentKey != "AB-1" || iss.IssueType != "Story" || iss.ProjectID != "100" || iss.AssigneeAccountID != "acct-1" {
		t.Fatalf("unexpected references %+v", iss)
	}
	if iss.Priority != "Highest" || len(iss.Labels) != 1 {
		t.Fatalf("unexpected priority/labels %+v", iss)
	}
}

func TestParseIssuePlainDescriptionAndNulls(t *testing.T) {
	raw := `{"key":"CD-1","fields":{"summary":"x","description":"  plain text ","duedate":null,"assignee":null,"customfield_10015":"bogus"}}`
	iss, err := ParseIssue([]byte(raw), FieldSet{StartDate: "customfield_10015"})
	if err != nil {
		t.Fatal(err)
	}
	if iss.Description != "plain text" || iss.DueDate != nil || iss.StartDate != nil || iss.AssigneeAccountID != "" {
		t.Fatalf("unexpected issue %+v", iss)
	}
	if iss.ProjectKey != "CD" {
		t.Fatalf("project key should fall back to the issue key prefix, got %q", iss.ProjectKey)
	}
}

func TestSiteFromSelf(t *testing.T) {
	cases := []struct {
		in   string
		want SiteRef
	}{
		{"https://api.atlassian.com/ex/jira/cloud-9/rest/api/3/issue/1", SiteRef{CloudID: "cloud-9"}},
		{"https://acme.atlassian.net/rest/api/2/issue/10001", SiteRef{BaseURL: "https://acme.atlassian.net"}},
		{"https://acme.atlassian.net/rest/agile/1.0/sprint/4", SiteRef{BaseURL: "https://acme.atlassian.net"}},
		{"", SiteRef{}},
		{"not a url", SiteRef{}},
	}
	for _, tc := range cases {
		if got := SiteFromSelf(tc.in); got != tc.want {
			t.Fatalf("SiteFromSelf(%q) = %+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseWebhook(t *testing.T) {
	if _, err := ParseWebhook([]byte("{not json")); err != ErrMalformedPayload {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := ParseWebhook([]byte(`{"issue":{}}`)); err != ErrMissingEvent {
		t.Fatalf("expected ErrMissingEvent, got %v", err)
	}
	evt, err := ParseWebhook([]byte(`{
		"webhookEvent": "jira:issue_updated",
		"issue": {"key": "AB-1", "self": "https://acme.atlassian.net/rest/api/2/issue/1", "fields": {}},
		"changelog": {"items": [{"field": "status", "to": "3"}, {"field": "assignee", "fieldId": "assignee", "from": "acct-1", "to": "acct-2"}]}
	}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	to, changed := evt.AssigneeChange()
	if !changed || to != "acct-2" {
		t.Fatalf("AssigneeChange = %q, %v", to, changed)
	}
	if ref := evt.ResolveSite(); ref.BaseURL != "https://acme.atlassian.net" {
		t.Fatalf("unexpected site %+v", ref)
	}
	if iss, ok := evt.IssueSnapshot(FieldSet{}); !ok || iss.Key != "AB-1" {
		t.Fatalf("IssueSnapshot = %+v, %v", iss, ok)
	}

	sprint, _ := ParseWebhook([]byte(`{"webhookEvent":"sprint_started","sprint":{"id":4,"state":"active","self":"https://acme.atlassian.net/rest/agile/1.0/sprint/4"}}`))
	if sprint.HasIssue() || sprint.Sprint == nil || sprint.ResolveSite().BaseURL != "https://acme.atlassian.net" {
		t.Fatalf("unexpected sprint event %+v", sprint)
	}
	explicit, _ := ParseWebhook([]byte(`{"webhookEvent":"jira:issue_deleted","baseUrl":"https://acme.atlassian.net/","issue":{"key":"AB-1"}}`))
	if explicit.ResolveSite().BaseURL != "https://acme.atlassian.net" {
		t.Fatalf("baseUrl fallback failed: %+v", explicit.ResolveSite())
	}
}

func TestQuoteJQL(t *testing.T) {
	if got := QuoteJQL(`a"b`); got != `"a\"b"` {
		t.Fatalf("QuoteJQL = %s", got)
	}
	if got := QuoteList([]string{"AB", "CD"}); got != `("AB","CD")` {
		t.Fatalf("QuoteList = %s", got)
	}
}
