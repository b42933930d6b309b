package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/statusmap"
	"jirasync.io/internal/tasks"
)

// Webhook and sync actions.
const (
	ActionCreated       = "created"
	ActionAlreadyExists = "already_exists"
	ActionUpdated       = "updated"
	ActionNoChanges     = "no_changes"
	ActionUnassigned    = "unassigned"
	ActionMarkedDeleted = "marked_deleted"
	ActionNotFound      = "not_found"
	ActionSprintSynced  = "sprint_synced"
	ActionIgnored       = "ignored"
)

// diffMode selects how much of an issue is copied onto an existing task.
type diffMode int

const (
	diffFull diffMode = iota
	diffStatusOnly
)

func ptr[T any](v T) *T { return &v }

// upsertOpts controls upsertIssue. createOnly leaves existing tasks alone.
type upsertOpts struct {
	mode       diffMode
	createOnly bool
}

type upsertResult struct {
	action      string
	taskID      string
	reactivated bool
}

// upsertIssue is the single path by which remote issues land in the task
// store. (site, issue key) is the idempotency key.
func (e *Engine) upsertIssue(ctx context.Context, conn connection.Connection, iss jira.Issue, o upsertOpts) (upsertResult, error) {
	existing, err := e.tasks.FindByRemoteKey(ctx, conn.SiteID, iss.Key)
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return e.createFromIssue(ctx, conn, iss)
	case err != nil:
		return upsertResult{}, err
	}
	if existing.UserID != conn.UserID {
		return upsertResult{action: ActionIgnored, taskID: existing.ID}, nil
	}
	if o.createOnly {
		return upsertResult{action: ActionAlreadyExists, taskID: existing.ID}, nil
	}

	patch := diffIssue(existing, iss, o.mode, e.now())
	reactivated := false
	if existing.SyncStatus != tasks.SyncActive {
		patch.SyncStatus = ptr(tasks.SyncActive)
		patch.AssignedAt = ptr(e.now())
		reactivated = true
	}
	if patch.IsEmpty() {
		return upsertResult{action: ActionNoChanges, taskID: existing.ID}, nil
	}
	if _, err := e.tasks.Update(ctx, existing.ID, patch); err != nil {
		return upsertResult{}, fmt.Errorf("update task %s: %w", existing.ID, err)
	}
	return upsertResult{action: ActionUpdated, taskID: existing.ID, reactivated: reactivated}, nil
}

func (e *Engine) createFromIssue(ctx context.Context, conn connection.Connection, iss jira.Issue) (upsertResult, error) {
	t, err := e.taskFromIssue(ctx, conn, iss)
	if err != nil {
		return upsertResult{}, err
	}
	created, err := e.tasks.Create(ctx, t)
	if errors.Is(err, tasks.ErrDuplicate) {
		// A concurrent delivery won the race.
		if existing, ferr := e.tasks.FindByRemoteKey(ctx, conn.SiteID, iss.Key); ferr == nil {
			return upsertResult{action: ActionAlreadyExists, taskID: existing.ID}, nil
		}
		return upsertResult{action: ActionAlreadyExists}, nil
	}
	if err != nil {
		return upsertResult{}, fmt.Errorf("create task for %s: %w", iss.Key, err)
	}
	return upsertResult{action: ActionCreated, taskID: created.ID}, nil
}

func (e *Engine) taskFromIssue(ctx context.Context, conn connection.Connection, iss jira.Issue) (tasks.Task, error) {
	projectKey := iss.ProjectKey
	var projectID string
	if projectKey != "" {
		p, err := e.projects.EnsureProject(ctx, conn.UserID, projectKey, iss.ProjectName)
		if err != nil {
			return tasks.Task{}, fmt.Errorf("resolve project %s: %w", projectKey, err)
		}
		projectID = p.ID
	}
	title := strings.TrimSpace(iss.Summary)
	if title == "" {
		title = iss.Key
	}
	status := statusmap.RemoteToLocal(iss.StatusName, iss.StatusCategory)
	now := e.now()
	t := tasks.Task{
		UserID:               conn.UserID,
		ProjectID:            projectID,
		Title:                title,
		Description:          iss.Description,
		Status:               status,
		Critical:             statusmap.IsCritical(iss.Priority),
		DueDate:              iss.DueDate,
		StartDate:            iss.StartDate,
		Tags:                 issueTags(iss),
		ParentKey:            iss.ParentKey,
		IssueType:            iss.IssueType,
		RemoteIssueID:        iss.ID,
		RemoteIssueKey:       iss.Key,
		RemoteProjectID:      iss.ProjectID,
		RemoteStatusName:     iss.StatusName,
		RemoteStatusCategory: iss.StatusCategory,
		SyncStatus:           tasks.SyncActive,
		RemoteSiteID:         conn.SiteID,
		AssignedAt:           &now,
	}
	if status == statusmap.Done {
		t.CompletedAt = &now
	}
	if iss.Sprint != nil {
		t.SprintID = strconv.FormatInt(iss.Sprint.ID, 10)
		t.SprintName = iss.Sprint.Name
		t.SprintState = iss.Sprint.State
	}
	return t, nil
}

func issueTags(iss jira.Issue) []string {
	tags := []string{"jira"}
	if iss.ProjectKey != "" {
		tags = append(tags, strings.ToLower(iss.ProjectKey))
	}
	for _, l := range iss.Labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			tags = append(tags, l)
		}
	}
	return tags
}

// diffIssue computes the field-level patch bringing t in line with iss.
// Status-only mode touches status and its bookkeeping fields.
func diffIssue(t tasks.Task, iss jira.Issue, mode diffMode, now time.Time) tasks.Patch {
	var p tasks.Patch

	status := statusmap.RemoteToLocal(iss.StatusName, iss.StatusCategory)
	if status != t.Status {
		p.Status = ptr(status)
		switch {
		case status == statusmap.Done:
			p.CompletedAt = ptr(now)
		case t.Status == statusmap.Done:
			p.ClearCompletedAt = true
		}
	}
	if iss.StatusName != t.RemoteStatusName {
		p.RemoteStatusName = ptr(iss.StatusName)
	}
	if iss.StatusCategory != t.RemoteStatusCategory {
		p.RemoteStatusCategory = ptr(iss.StatusCategory)
	}
	if mode == diffStatusOnly {
		return p
	}

	if title := strings.TrimSpace(iss.Summary); title != "" && title != t.Title {
		p.Title = ptr(title)
	}
	if iss.Description != t.Description {
		p.Description = ptr(iss.Description)
	}
	if !tasks.SameDate(iss.DueDate, t.DueDate) {
		if iss.DueDate == nil {
			p.ClearDueDate = true
		} else {
			p.DueDate = iss.DueDate
		}
	}
	if !tasks.SameDate(iss.StartDate, t.StartDate) {
		if iss.StartDate == nil {
			p.ClearStartDate = true
		} else {
			p.StartDate = iss.StartDate
		}
	}
	if critical := statusmap.IsCritical(iss.Priority); critical != t.Critical {
		p.Critical = ptr(critical)
	}
	if iss.ParentKey != t.ParentKey {
		p.ParentKey = ptr(iss.ParentKey)
	}
	if iss.IssueType != "" && iss.IssueType != t.IssueType {
		p.IssueType = ptr(iss.IssueType)
	}
	if iss.ProjectID != "" && iss.ProjectID != t.RemoteProjectID {
		p.RemoteProjectID = ptr(iss.ProjectID)
	}
	if iss.Sprint != nil {
		id := strconv.FormatInt(iss.Sprint.ID, 10)
		if id != t.SprintID {
			p.SprintID = ptr(id)
		}
		if iss.Sprint.Name != t.SprintName {
			p.SprintName = ptr(iss.Sprint.Name)
		}
		if iss.Sprint.State != t.SprintState {
			p.SprintState = ptr(iss.Sprint.State)
		}
	}
	return p
}
