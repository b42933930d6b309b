package tasks

import (
	"errors"
	"time"

	"jirasync.io/internal/ids"
	"jirasync.io/internal/statusmap"
)

// SyncStatus tracks whether a linked task still follows its remote issue.
type SyncStatus string

const (
	SyncActive     SyncStatus = "active"
	SyncUnassigned SyncStatus = "unassigned"
	SyncDeleted    SyncStatus = "deleted"
)

// Task is a local task record, optionally linked to one remote issue.
// (RemoteSiteID, RemoteIssueKey) is unique across all linked tasks.
type Task struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	ProjectID   string               `json:"project_id,omitempty"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Status      statusmap.LocalState `json:"status"`
	Critical    bool                 `json:"critical"`
	DueDate     *time.Time           `json:"due_date,omitempty"`
	StartDate   *time.Time           `json:"start_date,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	SprintID    string               `json:"sprint_id,omitempty"`
	SprintName  string               `json:"sprint_name,omitempty"`
	SprintState string               `json:"sprint_state,omitempty"`
	ParentKey   string               `json:"parent_key,omitempty"`
	IssueType   string               `json:"issue_type,omitempty"`

	RemoteIssueID        string     `json:"remote_issue_id,omitempty"`
	RemoteIssueKey       string     `json:"remote_issue_key,omitempty"`
	RemoteProjectID      string     `json:"remote_project_id,omitempty"`
	RemoteStatusName     string     `json:"remote_status_name,omitempty"`
	RemoteStatusCategory string     `json:"remote_status_category,omitempty"`
	SyncStatus           SyncStatus `json:"sync_status,omitempty"`
	RemoteSiteID         string     `json:"remote_site_id,omitempty"`
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Linked reports whether the task mirrors a remote issue.
func (t Task) Linked() bool { return t.RemoteIssueKey != "" && t.RemoteSiteID != "" }

// Project is a local project grouping tasks imported from one remote project.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	RemoteKey string    `json:"remote_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Patch describes a sparse update. Nil fields are left unchanged; the Clear
// flags null out optional dates.
type Patch struct {
	Title                *string
	Description          *string
	Status               *statusmap.LocalState
	Critical             *bool
	DueDate              *time.Time
	ClearDueDate         bool
	StartDate            *time.Time
	ClearStartDate       bool
	CompletedAt          *time.Time
	ClearCompletedAt     bool
	ProjectID            *string
	Tags                 []string
	SprintID             *string
	SprintName           *string
	SprintState          *string
	ParentKey            *string
	IssueType            *string
	RemoteIssueID        *string
	RemoteProjectID      *string
	RemoteStatusName     *string
	RemoteStatusCategory *string
	SyncStatus           *SyncStatus
	AssignedAt           *time.Time
}

// IsEmpty reports whether applying the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Critical == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.StartDate == nil && !p.ClearStartDate &&
		p.CompletedAt == nil && !p.ClearCompletedAt && p.ProjectID == nil && p.Tags == nil &&
		p.SprintID == nil && p.SprintName == nil && p.SprintState == nil &&
		p.ParentKey == nil && p.IssueType == nil && p.RemoteIssueID == nil &&
		p.RemoteProjectID == nil && p.RemoteStatusName == nil && p.RemoteStatusCategory == nil &&
		p.SyncStatus == nil && p.AssignedAt == nil
}

// Apply returns t with the patch applied.
func (p Patch) Apply(t Task) Task {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&t.Title, p.Title)
	set(&t.Description, p.Description)
	set(&t.ProjectID, p.ProjectID)
	set(&t.SprintID, p.SprintID)
	set(&t.SprintName, p.SprintName)
	set(&t.SprintState, p.SprintState)
	set(&t.ParentKey, p.ParentKey)
	set(&t.IssueType, p.IssueType)
	set(&t.RemoteIssueID, p.RemoteIssueID)
	set(&t.RemoteProjectID, p.RemoteProjectID)
	set(&t.RemoteStatusName, p.RemoteStatusName)
	set(&t.RemoteStatusCategory, p.RemoteStatusCategory)
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Critical != nil {
		t.Critical = *p.Critical
	}
	t.DueDate = applyTime(t.DueDate, p.DueDate, p.ClearDueDate)
	t.StartDate = applyTime(t.StartDate, p.StartDate, p.ClearStartDate)
	t.CompletedAt = applyTime(t.CompletedAt, p.CompletedAt, p.ClearCompletedAt)
	if p.Tags != nil {
		t.Tags = append([]string(nil), p.Tags...)
	}
	if p.SyncStatus != nil {
		t.SyncStatus = *p.SyncStatus
	}
	if p.AssignedAt != nil {
		v := p.AssignedAt.UTC()
		t.AssignedAt = &v
	}
	return t
}

func applyTime(cur, next *time.Time, clear bool) *time.Time {
	if clear {
		return nil
	}
	if next != nil {
		v := next.UTC()
		return &v
	}
	return cur
}

// SameDate compares two optional calendar dates.
func SameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

var (
	ErrNotFound  = errors.New("task not found")
	ErrDuplicate = errors.New("task already linked to this remote issue")
	ErrInvalid   = errors.New("invalid task")
)

func newID() string {
	return ids.NewPrefixed("task")
}

func (t Task) clone() Task {
	out := t
	out.Tags = append([]string(nil), t.Tags...)
	for _, p := range []**time.Time{&out.DueDate, &out.StartDate, &out.CompletedAt, &out.AssignedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return out
}
