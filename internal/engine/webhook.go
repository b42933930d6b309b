package engine

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/tasks"
)

// Reasons reported with processed:false.
const (
	ReasonInvalidToken      = "invalid_token"
	ReasonMalformedPayload  = "malformed_payload"
	ReasonMissingEvent      = "missing_event"
	ReasonMissingIssue      = "missing_issue"
	ReasonMissingSprint     = "missing_sprint"
	ReasonUnsupportedEvent  = "unsupported_event"
	ReasonUnknownSite       = "unknown_site"
	ReasonNotAssigned       = "not_assigned"
	ReasonProjectNotEnabled = "project_not_enabled"
	ReasonInternalError     = "internal_error"
)

// WebhookResult is returned to the remote for every delivery. Received is
// always true; business outcome lives in Processed and Action.
type WebhookResult struct {
	Received  bool     `json:"received"`
	Processed bool     `json:"processed"`
	Event     string   `json:"event,omitempty"`
	Action    string   `json:"action,omitempty"`
	TaskID    string   `json:"taskId,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Created   int      `json:"created,omitempty"`
	Updated   int      `json:"updated,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	siteID    string
	connID    string
	userID    string
	issueKey  string
	sprint    *sprintSummary
}

func (r WebhookResult) drop(reason string) WebhookResult {
	r.Processed = false
	r.Reason = reason
	return r
}

// HandleWebhook validates and dispatches one delivery. It never returns an
// error: failures are reported in the result and the audit trail.
func (e *Engine) HandleWebhook(ctx context.Context, raw []byte, token string) (res WebhookResult) {
	res = WebhookResult{Received: true}
	defer func() {
		if r := recover(); r != nil {
			obs.Logger().Error("webhook handler panic", zap.Any("panic", r))
			res = res.drop(ReasonInternalError)
		}
		e.recordWebhook(ctx, res)
	}()

	var tokenSite string
	if e.signer != nil {
		claims, err := e.signer.ParseWebhookToken(token)
		if err != nil {
			return res.drop(ReasonInvalidToken)
		}
		tokenSite = claims.SiteID
	}

	evt, err := jira.ParseWebhook(raw)
	switch {
	case errors.Is(err, jira.ErrMalformedPayload):
		return res.drop(ReasonMalformedPayload)
	case errors.Is(err, jira.ErrMissingEvent):
		return res.drop(ReasonMissingEvent)
	}
	res.Event = evt.WebhookEvent

	switch evt.WebhookEvent {
	case jira.EventIssueCreated, jira.EventIssueUpdated, jira.EventIssueDeleted:
		if !evt.HasIssue() {
			return res.drop(ReasonMissingIssue)
		}
	case jira.EventSprintStarted, jira.EventSprintClosed:
		if evt.Sprint == nil || evt.Sprint.ID == 0 {
			return res.drop(ReasonMissingSprint)
		}
	default:
		res.Action = ActionIgnored
		return res.drop(ReasonUnsupportedEvent)
	}

	candidates, err := e.resolveSite(ctx, evt, tokenSite)
	if err != nil {
		obs.Logger().Error("resolve webhook site", zap.Error(err))
		return res.drop(ReasonInternalError)
	}
	if len(candidates) == 0 {
		return res.drop(ReasonUnknownSite)
	}
	res.siteID = candidates[0].SiteID

	if evt.Sprint != nil && !evt.HasIssue() {
		return e.fanoutSprint(ctx, res, candidates, *evt.Sprint)
	}
	return e.handleIssueEvent(ctx, res, evt, candidates)
}

// resolveSite maps a delivery to the connections of its site. A verified
// webhook token is authoritative; otherwise the payload's self link or
// baseUrl is used, then the matched webhook ids, then the one site already
// holding a task for the issue key. Lookups that span several sites resolve
// to nothing.
func (e *Engine) resolveSite(ctx context.Context, evt jira.WebhookEvent, tokenSite string) ([]connection.Connection, error) {
	if tokenSite != "" {
		return e.registry.ListBySite(ctx, tokenSite)
	}
	ref := evt.ResolveSite()
	switch {
	case ref.CloudID != "":
		return e.registry.ListBySite(ctx, ref.CloudID)
	case ref.BaseURL != "":
		return e.registry.ListBySiteURL(ctx, ref.BaseURL)
	}

	sites := map[string]bool{}
	for _, id := range evt.MatchedIDs {
		conns, err := e.registry.ListByWebhookID(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			sites[c.SiteID] = true
		}
	}
	if len(sites) == 0 {
		if iss, ok := evt.IssueSnapshot(e.fieldSet()); ok {
			ids, err := e.tasks.SitesForIssueKey(ctx, iss.Key)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				sites[id] = true
			}
		}
	}
	if len(sites) != 1 {
		return nil, nil
	}
	for site := range sites {
		return e.registry.ListBySite(ctx, site)
	}
	return nil, nil
}

func (e *Engine) handleIssueEvent(ctx context.Context, res WebhookResult, evt jira.WebhookEvent, candidates []connection.Connection) WebhookResult {
	iss, ok := evt.IssueSnapshot(e.fieldSet())
	if !ok {
		return res.drop(ReasonMissingIssue)
	}
	res.issueKey = iss.Key
	siteID := candidates[0].SiteID

	existing, err := e.tasks.FindByRemoteKey(ctx, siteID, iss.Key)
	found := err == nil
	if err != nil && !errors.Is(err, tasks.ErrNotFound) {
		res.Errors = append(res.Errors, err.Error())
		return res.drop(ReasonInternalError)
	}

	conn, ok := selectConnection(candidates, existing, found, iss.AssigneeAccountID)
	if !ok {
		if evt.WebhookEvent == jira.EventIssueDeleted {
			res.Processed = true
			res.Action = ActionNotFound
			return res
		}
		return res.drop(ReasonNotAssigned)
	}
	res.connID, res.userID = conn.ID, conn.UserID

	if evt.WebhookEvent == jira.EventIssueDeleted {
		res.Processed = true
		if !found {
			res.Action = ActionNotFound
			return res
		}
		if existing.SyncStatus != tasks.SyncDeleted {
			if _, err := e.tasks.Update(ctx, existing.ID, tasks.Patch{SyncStatus: ptr(tasks.SyncDeleted)}); err != nil {
				res.Errors = append(res.Errors, err.Error())
				return res.drop(ReasonInternalError)
			}
		}
		res.Action = ActionMarkedDeleted
		res.TaskID = existing.ID
		return res
	}

	if !conn.ProjectEnabled(iss.ProjectID) && !conn.ProjectEnabled(iss.ProjectKey) {
		res.TaskID = existing.ID
		return res.drop(ReasonProjectNotEnabled)
	}

	if evt.WebhookEvent == jira.EventIssueUpdated && found {
		to, changed := evt.AssigneeChange()
		if !changed {
			to = iss.AssigneeAccountID
		}
		// A task reassigned away stays parked until its owner is assigned
		// again; edits made meanwhile are not copied onto it.
		if to != conn.RemoteAccountID && (changed || existing.SyncStatus == tasks.SyncUnassigned) {
			res.Processed = true
			res.Action = ActionUnassigned
			res.TaskID = existing.ID
			if existing.SyncStatus != tasks.SyncUnassigned {
				if _, err := e.tasks.Update(ctx, existing.ID, tasks.Patch{SyncStatus: ptr(tasks.SyncUnassigned)}); err != nil {
					res.Errors = append(res.Errors, err.Error())
					return res.drop(ReasonInternalError)
				}
			}
			return res
		}
	}

	// Thin payloads are completed from the API before diffing.
	if iss.Summary == "" {
		full, err := e.siteRemote(conn).GetIssue(ctx, iss.Key)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			if needsReconnect(err) {
				return res.drop("needs_reconnect")
			}
			return res.drop(ReasonInternalError)
		}
		iss = full
	}

	out, err := e.upsertIssue(ctx, conn, iss, upsertOpts{
		mode:       diffFull,
		createOnly: evt.WebhookEvent == jira.EventIssueCreated,
	})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res.drop(ReasonInternalError)
	}
	res.Processed = true
	res.Action = out.action
	res.TaskID = out.taskID
	return res
}

// selectConnection picks the connection a delivery belongs to: the owner of
// the existing task, else the connection whose account is the assignee.
func selectConnection(candidates []connection.Connection, existing tasks.Task, found bool, assignee string) (connection.Connection, bool) {
	if found {
		for _, c := range candidates {
			if c.UserID == existing.UserID {
				return c, true
			}
		}
	}
	if assignee == "" {
		return connection.Connection{}, false
	}
	for _, c := range candidates {
		if c.RemoteAccountID == assignee {
			return c, true
		}
	}
	return connection.Connection{}, false
}

func (e *Engine) recordWebhook(ctx context.Context, res WebhookResult) {
	obs.WebhookEvents.WithLabelValues(eventLabel(res.Event), strconv.FormatBool(res.Processed)).Inc()
	details := map[string]any{
		"event":     res.Event,
		"processed": res.Processed,
	}
	for k, v := range map[string]string{
		"action":    res.Action,
		"reason":    res.Reason,
		"task_id":   res.TaskID,
		"site_id":   res.siteID,
		"issue_key": res.issueKey,
	} {
		if v != "" {
			details[k] = v
		}
	}
	if res.sprint != nil {
		details["sprint_id"] = res.sprint.ID
		details["sprint_name"] = res.sprint.Name
		details["jobs"] = res.sprint.Jobs
	}
	if res.Created > 0 || res.Updated > 0 || res.sprint != nil {
		details["created"] = res.Created
		details["updated"] = res.Updated
	}
	if len(res.Errors) > 0 {
		details["errors"] = res.Errors
	}
	e.record(ctx, audit.EventWebhookReceived, res.connID, res.userID, res.Processed && len(res.Errors) == 0, details)
}

// eventLabel bounds metric cardinality to known events.
func eventLabel(event string) string {
	switch event {
	case jira.EventIssueCreated, jira.EventIssueUpdated, jira.EventIssueDeleted,
		jira.EventSprintStarted, jira.EventSprintClosed:
		return event
	case "":
		return "none"
	}
	return "other"
}
