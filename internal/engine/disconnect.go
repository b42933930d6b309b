package engine

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/obs"
)

// DisconnectResult reports the teardown of one connection.
type DisconnectResult struct {
	ConnectionID   string `json:"connection_id"`
	WebhookDeleted bool   `json:"webhook_deleted"`
	TasksUnlinked  int    `json:"tasks_unlinked"`
}

// Disconnect tears down a connection: remote webhook (best effort), vaulted
// secrets, task linkage and finally the record itself. Every step runs even
// when an earlier one fails; failures are combined.
func (e *Engine) Disconnect(ctx context.Context, connID string) (DisconnectResult, error) {
	conn, err := e.registry.Get(ctx, connID)
	if err != nil {
		return DisconnectResult{}, err
	}
	res, err := e.teardown(ctx, conn)
	details := map[string]any{
		"site_id":         conn.SiteID,
		"webhook_deleted": res.WebhookDeleted,
		"tasks_unlinked":  res.TasksUnlinked,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	e.record(ctx, audit.EventDisconnected, conn.ID, conn.UserID, err == nil, details)
	return res, err
}

func (e *Engine) teardown(ctx context.Context, conn connection.Connection) (DisconnectResult, error) {
	res := DisconnectResult{ConnectionID: conn.ID}
	if conn.WebhookID != nil && !conn.NeedsReconnect {
		err := e.siteRemote(conn).DeleteWebhooks(ctx, []int64{*conn.WebhookID})
		switch {
		case err == nil, jira.IsStatus(err, 404):
			res.WebhookDeleted = true
		default:
			obs.Logger().Warn("delete webhook on disconnect",
				zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}

	var errs error
	if err := e.tokens.Erase(ctx, conn.AccessSecret, conn.RefreshSecret); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("erase secrets: %w", err))
	}
	n, err := e.tasks.Unlink(ctx, conn.UserID, conn.SiteID)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("unlink tasks: %w", err))
	}
	res.TasksUnlinked = n
	if err := e.registry.Delete(ctx, conn.ID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete connection: %w", err))
	}
	return res, errs
}

// ErasureResult reports a remote data-erasure request.
type ErasureResult struct {
	AccountID    string   `json:"account_id"`
	Disconnected []string `json:"disconnected"`
	Errors       []string `json:"errors,omitempty"`
}

// EraseAccount handles a remote personal-data erasure request by tearing
// down every connection of the remote account.
func (e *Engine) EraseAccount(ctx context.Context, accountID string) (ErasureResult, error) {
	if accountID == "" {
		return ErasureResult{}, fmt.Errorf("%w: account id is required", connection.ErrInvalid)
	}
	conns, err := e.registry.ListByRemoteAccount(ctx, accountID)
	if err != nil {
		return ErasureResult{}, err
	}
	res := ErasureResult{AccountID: accountID, Disconnected: []string{}}
	var errs error
	for _, c := range conns {
		if _, err := e.teardown(ctx, c); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.ID, err))
			continue
		}
		res.Disconnected = append(res.Disconnected, c.ID)
	}
	res.Errors = errorStrings(multierr.Errors(errs))

	details := map[string]any{
		"account_id":   accountID,
		"disconnected": res.Disconnected,
	}
	if len(res.Errors) > 0 {
		details["errors"] = res.Errors
	}
	e.record(ctx, audit.EventErasure, "", "", errs == nil, details)
	return res, errs
}

// Prune clears the remote linkage of tasks soft-deleted longer than the
// retention window. Tasks are never hard-deleted.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.opts.PruneAfter)
	n, err := e.tasks.PruneDeleted(ctx, cutoff)
	details := map[string]any{
		"cutoff": cutoff,
		"pruned": n,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	e.record(ctx, audit.EventTasksPruned, "", "", err == nil, details)
	return n, err
}
