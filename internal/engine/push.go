package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/statusmap"
	"jirasync.io/internal/tasks"
)

// Push messages.
const (
	ErrTaskNotLinked    = "task is not linked to a remote issue"
	MessageNoTransition = "No transition needed or available"
)

// Change is a local edit to propagate. Nil fields are left untouched.
type Change struct {
	Title          *string               `json:"title,omitempty"`
	DueDate        *time.Time            `json:"due_date,omitempty"`
	ClearDueDate   bool                  `json:"clear_due_date,omitempty"`
	StartDate      *time.Time            `json:"start_date,omitempty"`
	ClearStartDate bool                  `json:"clear_start_date,omitempty"`
	TargetStatus   *statusmap.LocalState `json:"target_status,omitempty"`
}

func (c Change) fields(startField string) map[string]any {
	out := map[string]any{}
	if c.Title != nil && strings.TrimSpace(*c.Title) != "" {
		out["summary"] = strings.TrimSpace(*c.Title)
	}
	switch {
	case c.ClearDueDate:
		out["duedate"] = nil
	case c.DueDate != nil:
		out["duedate"] = jira.FormatDate(c.DueDate)
	}
	if startField != "" {
		switch {
		case c.ClearStartDate:
			out[startField] = nil
		case c.StartDate != nil:
			out[startField] = jira.FormatDate(c.StartDate)
		}
	}
	return out
}

// PushResult reports the outcome of a push.
type PushResult struct {
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
	Message        string   `json:"message,omitempty"`
	NeedsReconnect bool     `json:"needs_reconnect,omitempty"`
	Transition     string   `json:"transition,omitempty"`
	FieldsUpdated  []string `json:"fields_updated,omitempty"`
}

// PushTaskChange sends a local edit to the linked remote issue. The error
// return covers storage failures only; remote outcomes are in the result.
func (e *Engine) PushTaskChange(ctx context.Context, taskID string, ch Change) (PushResult, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return PushResult{}, err
	}
	if !t.Linked() {
		return PushResult{Error: ErrTaskNotLinked}, nil
	}
	conn, err := e.registry.FindByUserSite(ctx, t.UserID, t.RemoteSiteID)
	if err != nil {
		return PushResult{}, err
	}

	res, pushErr := e.push(ctx, t, ch, e.siteRemote(conn))
	if pushErr != nil {
		res.Success = false
		res.Error = pushErr.Error()
		res.NeedsReconnect = needsReconnect(pushErr)
	}

	result := "success"
	switch {
	case res.NeedsReconnect:
		result = "needs_reconnect"
	case !res.Success:
		result = "error"
	case res.Message == MessageNoTransition:
		result = "noop"
	}
	obs.OutboundPushes.WithLabelValues(result).Inc()

	details := map[string]any{
		"task_id":   t.ID,
		"issue_key": t.RemoteIssueKey,
	}
	if len(res.FieldsUpdated) > 0 {
		details["fields"] = res.FieldsUpdated
	}
	if res.Transition != "" {
		details["transition"] = res.Transition
	}
	if res.Message != "" {
		details["message"] = res.Message
	}
	if res.Error != "" {
		details["error"] = res.Error
	}
	e.record(ctx, audit.EventOutboundPush, conn.ID, conn.UserID, res.Success, details)
	return res, nil
}

func (e *Engine) push(ctx context.Context, t tasks.Task, ch Change, remote Remote) (PushResult, error) {
	res := PushResult{Success: true}

	if fields := ch.fields(e.fieldSet().StartDate); len(fields) > 0 {
		if err := remote.UpdateIssue(ctx, t.RemoteIssueKey, fields); err != nil {
			return res, fmt.Errorf("update %s: %w", t.RemoteIssueKey, err)
		}
		for k := range fields {
			res.FieldsUpdated = append(res.FieldsUpdated, k)
		}
		sort.Strings(res.FieldsUpdated)
	}

	if ch.TargetStatus == nil {
		return res, nil
	}
	target := *ch.TargetStatus
	if !target.Valid() {
		return res, fmt.Errorf("unknown target status %q", target)
	}
	available, err := remote.Transitions(ctx, t.RemoteIssueKey)
	if err != nil {
		return res, fmt.Errorf("list transitions for %s: %w", t.RemoteIssueKey, err)
	}
	tr, ok := statusmap.LocalToTransition(target, available)
	if !ok {
		res.Message = MessageNoTransition
		return res, nil
	}
	if err := remote.DoTransition(ctx, t.RemoteIssueKey, tr.ID); err != nil {
		return res, fmt.Errorf("transition %s: %w", t.RemoteIssueKey, err)
	}
	res.Transition = tr.Name

	patch := tasks.Patch{Status: ptr(target)}
	if tr.ToName != "" {
		patch.RemoteStatusName = ptr(tr.ToName)
	}
	if tr.ToCategory != "" {
		patch.RemoteStatusCategory = ptr(tr.ToCategory)
	}
	if target == statusmap.Done && t.Status != statusmap.Done {
		patch.CompletedAt = ptr(e.now())
	} else if target != statusmap.Done && t.Status == statusmap.Done {
		patch.ClearCompletedAt = true
	}
	if _, err := e.tasks.Update(ctx, t.ID, patch); err != nil {
		return res, fmt.Errorf("persist remote status: %w", err)
	}
	return res, nil
}
