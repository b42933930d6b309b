package jira

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// Webhook event names.
const (
	EventIssueCreated  = "jira:issue_created"
	EventIssueUpdated  = "jira:issue_updated"
	EventIssueDeleted  = "jira:issue_deleted"
	EventSprintStarted = "sprint_started"
	EventSprintClosed  = "sprint_closed"
)

// IssueEvents are the events registered for issue-level webhooks.
var IssueEvents = []string{EventIssueCreated, EventIssueUpdated, EventIssueDeleted}

// ChangeItem is one field change in an issue_updated changelog.
type ChangeItem struct {
	Field      string `json:"field"`
	FieldID    string `json:"fieldId"`
	From       string `json:"from"`
	FromString string `json:"fromString"`
	To         string `json:"to"`
	ToString   string `json:"toString"`
}

// Changelog is attached to issue_updated deliveries.
type Changelog struct {
	ID    string       `json:"id"`
	Items []ChangeItem `json:"items"`
}

// WebhookEvent is an inbound delivery.
type WebhookEvent struct {
	WebhookEvent string          `json:"webhookEvent"`
	Timestamp    int64           `json:"timestamp"`
	BaseURL      string          `json:"baseUrl"`
	Issue        json.RawMessage `json:"issue"`
	Changelog    *Changelog      `json:"changelog"`
	Sprint       *Sprint         `json:"sprint"`
	User         *Myself         `json:"user"`
	MatchedIDs   []int64         `json:"matchedWebhookIds"`
}

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingEvent     = errors.New("missing webhookEvent")
)

// ParseWebhook decodes a delivery and checks the event name is present.
func ParseWebhook(raw []byte) (WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return WebhookEvent{}, ErrMalformedPayload
	}
	evt.WebhookEvent = strings.TrimSpace(evt.WebhookEvent)
	if evt.WebhookEvent == "" {
		return evt, ErrMissingEvent
	}
	return evt, nil
}

// HasIssue reports whether the delivery carries an issue object.
func (e WebhookEvent) HasIssue() bool {
	s := strings.TrimSpace(string(e.Issue))
	return strings.HasPrefix(s, "{")
}

// IssueSnapshot normalizes the embedded issue.
func (e WebhookEvent) IssueSnapshot(fs FieldSet) (Issue, bool) {
	if !e.HasIssue() {
		return Issue{}, false
	}
	var raw rawIssue
	if err := json.Unmarshal(e.Issue, &raw); err != nil {
		return Issue{}, false
	}
	iss := raw.normalize(fs)
	if iss.Key == "" {
		return Issue{}, false
	}
	return iss, true
}

// AssigneeChange returns the new assignee account id when the changelog
// reassigned the issue. An empty id means the issue was unassigned.
func (e WebhookEvent) AssigneeChange() (string, bool) {
	if e.Changelog == nil {
		return "", false
	}
	for _, it := range e.Changelog.Items {
		if it.FieldID == "assignee" || strings.EqualFold(it.Field, "assignee") {
			return it.To, true
		}
	}
	return "", false
}

// SiteRef identifies the site a delivery came from. Exactly one field is set
// on success.
type SiteRef struct {
	CloudID string
	BaseURL string
}

func (r SiteRef) IsZero() bool { return r.CloudID == "" && r.BaseURL == "" }

// SiteFromSelf extracts the cloud id from an API-gateway self link
// (".../ex/jira/{cloudId}/rest/...") or falls back to the link's origin.
func SiteFromSelf(self string) SiteRef {
	u, err := url.Parse(strings.TrimSpace(self))
	if err != nil || u.Host == "" {
		return SiteRef{}
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "ex" && parts[i+1] == "jira" && parts[i+2] != "" {
			return SiteRef{CloudID: parts[i+2]}
		}
	}
	return SiteRef{BaseURL: u.Scheme + "://" + u.Host}
}

// ResolveSite finds the site reference for a delivery: the issue or sprint
// self link first, then the explicit baseUrl field.
func (e WebhookEvent) ResolveSite() SiteRef {
	if e.HasIssue() {
		var probe struct {
			Self string `json:"self"`
		}
		if json.Unmarshal(e.Issue, &probe) == nil {
			if ref := SiteFromSelf(probe.Self); !ref.IsZero() {
				return ref
			}
		}
	}
	if e.Sprint != nil {
		if ref := SiteFromSelf(e.Sprint.Self); !ref.IsZero() {
			return ref
		}
	}
	if e.BaseURL != "" {
		if ref := SiteFromSelf(e.BaseURL); ref.BaseURL != "" || ref.CloudID != "" {
			return ref
		}
	}
	return SiteRef{}
}
