package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/tasks"
)

// Sync modes.
const (
	ModeFull       = "full"
	ModeStatusOnly = "status_only"
)

// ReasonNoEnabledProjects is reported for connections with nothing to sync.
const ReasonNoEnabledProjects = "No enabled projects"

// keyChunk bounds "key in (...)" clauses.
const keyChunk = 50

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	ConnectionID   string   `json:"connection_id"`
	Success        bool     `json:"success"`
	Skipped        bool     `json:"skipped,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Mode           string   `json:"mode"`
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	Reactivated    int      `json:"reactivated"`
	Unassigned     int      `json:"unassigned"`
	Unchanged      int      `json:"unchanged"`
	Errors         []string `json:"errors,omitempty"`
	NeedsReconnect bool     `json:"needs_reconnect,omitempty"`
}

type syncConfig struct {
	mode diffMode
}

// SyncOption customizes SyncConnection.
type SyncOption func(*syncConfig)

// StatusOnly limits the pass to status fields. The scheduler uses it.
func StatusOnly() SyncOption {
	return func(c *syncConfig) { c.mode = diffStatusOnly }
}

// SyncConnection recomputes the connection's tasks from remote truth.
// The returned error is non-nil only when the connection cannot be loaded;
// remote failures are reported in the result.
func (e *Engine) SyncConnection(ctx context.Context, id string, opts ...SyncOption) (SyncResult, error) {
	cfg := syncConfig{mode: diffFull}
	for _, o := range opts {
		o(&cfg)
	}
	res := SyncResult{ConnectionID: id, Mode: ModeFull}
	if cfg.mode == diffStatusOnly {
		res.Mode = ModeStatusOnly
	}

	conn, err := e.registry.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if !conn.HasEnabledProjects() {
		res.Success = true
		res.Skipped = true
		res.Reason = ReasonNoEnabledProjects
		return res, nil
	}

	start := time.Now()
	var errs []error
	if err := e.reconcile(ctx, conn, cfg, &res); err != nil {
		errs = append(errs, err)
	}
	upkeep, upkeepErr := e.maintainWebhook(ctx, conn)
	if upkeepErr != nil {
		// Webhook upkeep never fails the pass; polling covers missed events.
		obs.Logger().Warn("webhook upkeep failed",
			zap.String("connection_id", conn.ID), zap.Error(upkeepErr))
	}

	res.Success = len(errs) == 0 && len(res.Errors) == 0
	for _, err := range errs {
		res.Errors = append(res.Errors, err.Error())
		if needsReconnect(err) {
			res.NeedsReconnect = true
		}
	}
	if res.Success {
		if err := e.registry.MarkSynced(ctx, conn.ID, e.now()); err != nil {
			obs.Logger().Error("mark synced", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	} else {
		msg := strings.Join(res.Errors, "; ")
		if err := e.registry.MarkError(ctx, conn.ID, msg, res.NeedsReconnect); err != nil {
			obs.Logger().Error("mark error", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}

	result := "success"
	if !res.Success {
		result = "error"
	}
	obs.SyncPasses.WithLabelValues(res.Mode, result).Inc()
	obs.SyncPassDuration.WithLabelValues(res.Mode).Observe(time.Since(start).Seconds())

	details := map[string]any{
		"mode":        res.Mode,
		"created":     res.Created,
		"updated":     res.Updated,
		"reactivated": res.Reactivated,
		"unassigned":  res.Unassigned,
		"unchanged":   res.Unchanged,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if len(res.Errors) > 0 {
		details["errors"] = res.Errors
	}
	if res.NeedsReconnect {
		details["needs_reconnect"] = true
	}
	if upkeep != "" {
		details["webhook"] = upkeep
	}
	if upkeepErr != nil {
		details["webhook_error"] = upkeepErr.Error()
	}
	e.record(ctx, audit.EventReconciliationPass, conn.ID, conn.UserID, res.Success, details)
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, conn connection.Connection, cfg syncConfig, res *SyncResult) error {
	remote := e.siteRemote(conn)
	jql := fmt.Sprintf("assignee = %s AND project in %s AND resolution = Unresolved ORDER BY updated DESC",
		jira.QuoteJQL(conn.RemoteAccountID), jira.QuoteList(conn.EnabledKeys()))
	issues, err := remote.SearchIssues(ctx, jql, nil)
	if err != nil {
		return fmt.Errorf("search assigned issues: %w", err)
	}

	seen := make(map[string]bool, len(issues))
	for _, iss := range issues {
		seen[strings.ToUpper(iss.Key)] = true
		e.applyResult(ctx, conn, iss, cfg.mode, res)
	}
	if cfg.mode == diffStatusOnly {
		return nil
	}
	return e.refreshStragglers(ctx, conn, remote, seen, res)
}

func (e *Engine) applyResult(ctx context.Context, conn connection.Connection, iss jira.Issue, mode diffMode, res *SyncResult) {
	out, err := e.upsertIssue(ctx, conn, iss, upsertOpts{mode: mode})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	switch out.action {
	case ActionCreated:
		res.Created++
	case ActionUpdated:
		res.Updated++
	default:
		res.Unchanged++
	}
	if out.reactivated {
		res.Reactivated++
	}
}

// refreshStragglers re-reads linked active tasks that dropped out of the
// unresolved query so remote resolutions and reassignments propagate.
func (e *Engine) refreshStragglers(ctx context.Context, conn connection.Connection, remote Remote, seen map[string]bool, res *SyncResult) error {
	linked, err := e.tasks.ListLinked(ctx, conn.UserID, conn.SiteID)
	if err != nil {
		return fmt.Errorf("list linked tasks: %w", err)
	}
	byKey := make(map[string]tasks.Task)
	var keys []string
	for _, t := range linked {
		k := strings.ToUpper(t.RemoteIssueKey)
		if t.SyncStatus != tasks.SyncActive || seen[k] {
			continue
		}
		byKey[k] = t
		keys = append(keys, k)
	}

	for start := 0; start < len(keys); start += keyChunk {
		end := min(start+keyChunk, len(keys))
		issues, err := remote.SearchIssues(ctx, "key in "+jira.QuoteList(keys[start:end]), nil)
		if err != nil {
			return fmt.Errorf("refresh linked issues: %w", err)
		}
		for _, iss := range issues {
			t, ok := byKey[strings.ToUpper(iss.Key)]
			if !ok {
				continue
			}
			if iss.AssigneeAccountID != conn.RemoteAccountID {
				if _, err := e.tasks.Update(ctx, t.ID, tasks.Patch{SyncStatus: ptr(tasks.SyncUnassigned)}); err != nil {
					res.Errors = append(res.Errors, err.Error())
					continue
				}
				res.Unassigned++
				continue
			}
			e.applyResult(ctx, conn, iss, diffFull, res)
		}
	}
	return nil
}

// Webhook upkeep outcomes recorded with a reconciliation pass.
const (
	WebhookRefreshed  = "refreshed"
	WebhookRegistered = "registered"
	WebhookFailed     = "failed"
)

// maintainWebhook extends the dynamic webhook before it expires and
// registers a new one when none is stored or the remote no longer knows it.
func (e *Engine) maintainWebhook(ctx context.Context, conn connection.Connection) (string, error) {
	if conn.WebhookID == nil {
		if e.opts.PublicBaseURL == "" {
			return "", nil
		}
		return e.registerWebhook(ctx, conn)
	}
	if conn.WebhookRefreshedAt != nil && e.now().Sub(*conn.WebhookRefreshedAt) < e.opts.WebhookRefreshEvery {
		return "", nil
	}
	if _, err := e.siteRemote(conn).RefreshWebhooks(ctx, []int64{*conn.WebhookID}); err != nil {
		if !jira.IsStatus(err, 404) {
			return WebhookFailed, err
		}
		if err := e.registry.SetWebhook(ctx, conn.ID, nil, nil); err != nil {
			return WebhookFailed, err
		}
		conn.WebhookID, conn.WebhookRefreshedAt = nil, nil
		return e.registerWebhook(ctx, conn)
	}
	now := e.now()
	if err := e.registry.SetWebhook(ctx, conn.ID, conn.WebhookID, &now); err != nil {
		return WebhookFailed, err
	}
	return WebhookRefreshed, nil
}

func (e *Engine) registerWebhook(ctx context.Context, conn connection.Connection) (string, error) {
	if err := e.replaceWebhook(ctx, &conn); err != nil {
		return WebhookFailed, err
	}
	return WebhookRegistered, nil
}
