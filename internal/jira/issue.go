package jira

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used by date fields.
const DateLayout = "2006-01-02"

// Sprint is the sprint metadata attached to an issue or a sprint event.
type Sprint struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Self  string `json:"self,omitempty"`
}

// Issue is a normalized, read-only snapshot of one remote issue.
type Issue struct {
	ID                string
	Key               string
	Self              string
	Summary           string
	Description       string
	StatusName        string
	StatusCategory    string
	Priority          string
	DueDate           *time.Time
	StartDate         *time.Time
	ParentKey         string
	IssueType         string
	ProjectID         string
	ProjectKey        string
	ProjectName       string
	AssigneeAccountID string
	Labels            []string
	Sprint            *Sprint
	Updated           time.Time
}

type rawIssue struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key"`
	Self   string                     `json:"self"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type named struct {
	Name string `json:"name"`
}

type rawStatus struct {
	Name           string `json:"name"`
	StatusCategory struct {
		Key string `json:"key"`
	} `json:"statusCategory"`
}

type rawProject struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type rawUser struct {
	AccountID    string `json:"accountId"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

// FieldSet names the custom fields ParseIssue reads.
type FieldSet struct {
	StartDate string
	Sprint    string
}

// Fields returns the field projection used for searches.
func (f FieldSet) Fields() []string {
	out := []string{"summary", "description", "status", "priority", "duedate", "parent", "issuetype", "project", "assignee", "labels", "updated"}
	if f.StartDate != "" {
		out = append(out, f.StartDate)
	}
	if f.Sprint != "" {
		out = append(out, f.Sprint)
	}
	return out
}

// ParseIssue normalizes a raw issue document.
func ParseIssue(data []byte, fs FieldSet) (Issue, error) {
	var raw rawIssue
	if err := json.Unmarshal(data, &raw); err != nil {
		return Issue{}, err
	}
	return raw.normalize(fs), nil
}

func (raw rawIssue) normalize(fs FieldSet) Issue {
	iss := Issue{ID: raw.ID, Key: raw.Key, Self: raw.Self}
	f := raw.Fields
	decode := func(key string, dst any) bool {
		v, ok := f[key]
		if !ok || len(v) == 0 || string(v) == "null" {
			return false
		}
		return json.Unmarshal(v, dst) == nil
	}

	_ = decode("summary", &iss.Summary)
	if v, ok := f["description"]; ok {
		iss.Description = flattenDescription(v)
	}
	var st rawStatus
	if decode("status", &st) {
		iss.StatusName = st.Name
		iss.StatusCategory = st.StatusCategory.Key
	}
	var pr named
	if decode("priority", &pr) {
		iss.Priority = pr.Name
	}
	var due string
	if decode("duedate", &due) {
		iss.DueDate = ParseDate(due)
	}
	var start string
	if fs.StartDate != "" && decode(fs.StartDate, &start) {
		iss.StartDate = ParseDate(start)
	}
	var parent struct {
		Key string `json:"key"`
	}
	if decode("parent", &parent) {
		iss.ParentKey = parent.Key
	}
	var it named
	if decode("issuetype", &it) {
		iss.IssueType = it.Name
	}
	var proj rawProject
	if decode("project", &proj) {
		iss.ProjectID, iss.ProjectKey, iss.ProjectName = proj.ID, proj.Key, proj.Name
	}
	var assignee rawUser
	if decode("assignee", &assignee) {
		iss.AssigneeAccountID = assignee.AccountID
	}
	_ = decode("labels", &iss.Labels)
	var updated string
	if decode("updated", &updated) {
		if t, err := time.Parse("2006-01-02T15:04:05.000-0700", updated); err == nil {
			iss.Updated = t.UTC()
		}
	}
	if fs.Sprint != "" {
		var sprints []Sprint
		if decode(fs.Sprint, &sprints) {
			iss.Sprint = pickSprint(sprints)
		}
	}
	if iss.ProjectKey == "" {
		iss.ProjectKey = ProjectKeyFromIssueKey(iss.Key)
	}
	return iss
}

// pickSprint prefers the active sprint, then a future one, then the most
// recent closed one.
func pickSprint(sprints []Sprint) *Sprint {
	if len(sprints) == 0 {
		return nil
	}
	rank := map[string]int{"active": 0, "future": 1, "closed": 2}
	sorted := append([]Sprint(nil), sprints...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, ok := rank[strings.ToLower(sorted[i].State)]
		if !ok {
			ri = 3
		}
		rj, ok := rank[strings.ToLower(sorted[j].State)]
		if !ok {
			rj = 3
		}
		if ri != rj {
			return ri < rj
		}
		return sorted[i].ID > sorted[j].ID
	})
	s := sorted[0]
	return &s
}

// ProjectKeyFromIssueKey returns "AB" for "AB-12".
func ProjectKeyFromIssueKey(key string) string {
	if i := strings.LastIndexByte(key, '-'); i > 0 {
		return key[:i]
	}
	return ""
}

// ParseDate parses a YYYY-MM-DD value; anything else yields nil.
func ParseDate(v string) *time.Time {
	v = strings.TrimSpace(v)
	if len(v) > len(DateLayout) {
		v = v[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return nil
	}
	return &t
}

// FormatDate renders a date field value; nil clears the field.
func FormatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(DateLayout)
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
	Attrs   struct {
		Text string `json:"text"`
	} `json:"attrs"`
}

var adfBlocks = map[string]bool{
	"paragraph": true, "heading": true, "blockquote": true, "codeBlock": true,
	"rule": true, "panel": true, "tableRow": true,
}

// flattenDescription accepts a plain string or an Atlassian Document Format
// tree and returns plain text.
func flattenDescription(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var doc adfNode
	if json.Unmarshal(raw, &doc) != nil {
		return ""
	}
	var b strings.Builder
	writeADF(&b, doc)
	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func writeADF(b *strings.Builder, n adfNode) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	case "mention", "emoji":
		b.WriteString(n.Attrs.Text)
		return
	case "listItem":
		b.WriteString("- ")
	}
	for _, c := range n.Content {
		writeADF(b, c)
	}
	if adfBlocks[n.Type] {
		b.WriteString("\n")
	}
}
