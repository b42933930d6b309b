package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/tokens"
)

// WebhookPath is where the HTTP API accepts remote deliveries.
const WebhookPath = "/v1/webhooks/jira"

// ErrNoAccessibleSites means the grant does not reach any site.
var ErrNoAccessibleSites = errors.New("authorization grants access to no sites")

// ConnectResult is returned by CompleteOAuth.
type ConnectResult struct {
	Connection connection.Connection `json:"connection"`
	Reconnect  bool                  `json:"reconnect"`
	// OtherSites lists accessible sites not connected by this grant.
	OtherSites []jira.Resource `json:"other_sites,omitempty"`
}

// CompleteOAuth finishes the authorization-code flow for userID. The grant
// is bound to a single site: siteID when given, else the first accessible
// one. Rotating refresh tokens cannot be shared across connections, so each
// further site needs its own consent round.
func (e *Engine) CompleteOAuth(ctx context.Context, userID, code, siteID string) (ConnectResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ConnectResult{}, fmt.Errorf("%w: user id is required", connection.ErrInvalid)
	}
	tok, err := e.tokens.Exchange(ctx, code)
	if err != nil {
		e.record(ctx, audit.EventConnectionCreated, "", userID, false, map[string]any{"error": err.Error()})
		return ConnectResult{}, err
	}

	res, err := e.connectSite(ctx, userID, tok.AccessToken, siteID)
	if err != nil {
		e.record(ctx, audit.EventConnectionCreated, "", userID, false, map[string]any{"error": err.Error()})
		return ConnectResult{}, err
	}

	grant, err := e.tokens.Store(ctx, tok)
	if err != nil {
		e.record(ctx, audit.EventConnectionCreated, "", userID, false, map[string]any{"error": err.Error()})
		return ConnectResult{}, err
	}

	c := res.Connection
	existing, err := e.registry.FindByUserSite(ctx, userID, c.SiteID)
	switch {
	case err == nil:
		res.Reconnect = true
		c, err = e.reconnect(ctx, existing, c, grant)
	case errors.Is(err, connection.ErrNotFound):
		c.AccessSecret, c.RefreshSecret, c.TokenExpiresAt = grant.Access, grant.Refresh, grant.ExpiresAt
		c, err = e.registry.Create(ctx, c)
	}
	if err != nil {
		_ = e.tokens.Erase(ctx, grant.Access, grant.Refresh)
		e.record(ctx, audit.EventConnectionCreated, "", userID, false, map[string]any{
			"site_id": c.SiteID,
			"error":   err.Error(),
		})
		return ConnectResult{}, err
	}
	res.Connection = c

	e.record(ctx, audit.EventConnectionCreated, c.ID, userID, true, map[string]any{
		"site_id":   c.SiteID,
		"site_url":  c.SiteURL,
		"projects":  len(c.Projects),
		"reconnect": res.Reconnect,
	})
	return res, nil
}

// connectSite reads the remote profile and project list for the chosen site
// with the freshly issued access token.
func (e *Engine) connectSite(ctx context.Context, userID, accessToken, siteID string) (ConnectResult, error) {
	resources, err := e.remote.AccessibleResources(ctx, accessToken)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("list accessible sites: %w", err)
	}
	if len(resources) == 0 {
		return ConnectResult{}, ErrNoAccessibleSites
	}
	chosen := -1
	for i, r := range resources {
		if siteID == "" || r.ID == siteID {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		return ConnectResult{}, fmt.Errorf("%w: site %s is not accessible with this grant", connection.ErrInvalid, siteID)
	}
	site := resources[chosen]
	var others []jira.Resource
	for i, r := range resources {
		if i != chosen {
			others = append(others, r)
		}
	}

	static := func(context.Context) (string, error) { return accessToken, nil }
	remote := e.remote.ForSite(site.ID, static)
	me, err := remote.Myself(ctx)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("read remote profile: %w", err)
	}
	projects, err := remote.ListProjects(ctx)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("list projects: %w", err)
	}
	settings := make([]connection.ProjectSetting, 0, len(projects))
	for _, p := range projects {
		settings = append(settings, connection.ProjectSetting{ID: p.ID, Key: p.Key, Name: p.Name})
	}

	return ConnectResult{
		Connection: connection.Connection{
			UserID:            userID,
			SiteID:            site.ID,
			SiteURL:           site.URL,
			SiteName:          site.Name,
			RemoteAccountID:   me.AccountID,
			RemoteEmail:       me.EmailAddress,
			RemoteDisplayName: me.DisplayName,
			Projects:          settings,
		},
		OtherSites: others,
	}, nil
}

// reconnect swaps the credentials of an existing connection and deletes the
// old secrets only after the new ones are recorded.
func (e *Engine) reconnect(ctx context.Context, existing, fresh connection.Connection, g tokens.Grant) (connection.Connection, error) {
	if err := e.registry.UpdateTokens(ctx, existing.ID, g.Access, g.Refresh, g.ExpiresAt); err != nil {
		return fresh, err
	}
	if err := e.registry.UpdateProfile(ctx, existing.ID, connection.Profile{
		SiteURL:           fresh.SiteURL,
		SiteName:          fresh.SiteName,
		RemoteAccountID:   fresh.RemoteAccountID,
		RemoteEmail:       fresh.RemoteEmail,
		RemoteDisplayName: fresh.RemoteDisplayName,
	}); err != nil {
		return fresh, err
	}
	if err := e.registry.SetProjects(ctx, existing.ID, mergeProjects(existing.Projects, fresh.Projects)); err != nil {
		return fresh, err
	}
	if err := e.tokens.Erase(ctx, existing.AccessSecret, existing.RefreshSecret); err != nil {
		obs.Logger().Warn("erase replaced secrets", zap.String("connection_id", existing.ID), zap.Error(err))
	}
	return e.registry.Get(ctx, existing.ID)
}

// mergeProjects keeps enabled flags for projects that still exist.
func mergeProjects(old, fresh []connection.ProjectSetting) []connection.ProjectSetting {
	enabled := make(map[string]bool, len(old))
	for _, p := range old {
		if p.Enabled {
			enabled[p.ID] = true
		}
	}
	out := make([]connection.ProjectSetting, len(fresh))
	for i, p := range fresh {
		p.Enabled = enabled[p.ID]
		out[i] = p
	}
	return out
}

// ProjectsResult is returned by UpdateProjects.
type ProjectsResult struct {
	Connection connection.Connection `json:"connection"`
	WebhookID  *int64                `json:"webhook_id,omitempty"`
	Sync       SyncResult            `json:"sync"`
}

// UpdateProjects sets which projects are synchronized, replaces the dynamic
// webhook to match and runs a full import. Keys or ids are accepted.
func (e *Engine) UpdateProjects(ctx context.Context, connID string, enabled []string) (ProjectsResult, error) {
	conn, err := e.registry.Get(ctx, connID)
	if err != nil {
		return ProjectsResult{}, err
	}
	want := make(map[string]bool, len(enabled))
	for _, k := range enabled {
		want[strings.ToUpper(strings.TrimSpace(k))] = true
	}
	settings := make([]connection.ProjectSetting, len(conn.Projects))
	matched := 0
	for i, p := range conn.Projects {
		p.Enabled = want[strings.ToUpper(p.Key)] || want[strings.ToUpper(p.ID)]
		if p.Enabled {
			matched++
		}
		settings[i] = p
	}
	if matched < len(want) {
		return ProjectsResult{}, fmt.Errorf("%w: unknown project in %v", connection.ErrInvalid, enabled)
	}
	if err := e.registry.SetProjects(ctx, conn.ID, settings); err != nil {
		return ProjectsResult{}, err
	}
	conn.Projects = settings

	whErr := e.replaceWebhook(ctx, &conn)
	details := map[string]any{"enabled": conn.EnabledKeys()}
	if conn.WebhookID != nil {
		details["webhook_id"] = *conn.WebhookID
	}
	if whErr != nil {
		details["webhook_error"] = whErr.Error()
	}
	e.record(ctx, audit.EventProjectsUpdated, conn.ID, conn.UserID, whErr == nil, details)

	pass, err := e.SyncConnection(ctx, conn.ID)
	if err != nil {
		return ProjectsResult{}, err
	}
	updated, err := e.registry.Get(ctx, conn.ID)
	if err != nil {
		return ProjectsResult{}, err
	}
	return ProjectsResult{Connection: updated, WebhookID: updated.WebhookID, Sync: pass}, nil
}

// replaceWebhook deletes the connection's webhook and registers a new one
// filtered to the enabled projects. With no public URL or no enabled
// projects the connection relies on polling alone.
func (e *Engine) replaceWebhook(ctx context.Context, conn *connection.Connection) error {
	remote := e.siteRemote(*conn)
	if conn.WebhookID != nil {
		if err := remote.DeleteWebhooks(ctx, []int64{*conn.WebhookID}); err != nil && !jira.IsStatus(err, 404) {
			obs.Logger().Warn("delete webhook", zap.String("connection_id", conn.ID), zap.Error(err))
		}
		conn.WebhookID, conn.WebhookRefreshedAt = nil, nil
		if err := e.registry.SetWebhook(ctx, conn.ID, nil, nil); err != nil {
			return err
		}
	}
	if e.opts.PublicBaseURL == "" || !conn.HasEnabledProjects() {
		return nil
	}

	callback := e.opts.PublicBaseURL + WebhookPath
	if e.signer != nil {
		token, err := e.signer.WebhookToken(conn.ID, conn.SiteID)
		if err != nil {
			return err
		}
		callback += "?token=" + url.QueryEscape(token)
	}
	jql := "project in " + jira.QuoteList(conn.EnabledKeys())
	id, err := remote.RegisterWebhook(ctx, callback, jira.IssueEvents, jql)
	if err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	now := e.now()
	conn.WebhookID, conn.WebhookRefreshedAt = &id, &now
	return e.registry.SetWebhook(ctx, conn.ID, &id, &now)
}
