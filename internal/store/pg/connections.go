package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jirasync.io/internal/connection"
	"jirasync.io/internal/ids"
	"jirasync.io/internal/vault"
)

// ConnectionStore implements connection.Registry.
type ConnectionStore struct {
	db *sql.DB
}

var _ connection.Registry = (*ConnectionStore)(nil)

const connectionColumns = `id, user_id, site_id, site_url, site_name, access_secret, refresh_secret,
	token_expires_at, remote_account_id, remote_email, remote_display_name, webhook_id,
	webhook_refreshed_at, last_sync_at, last_error, needs_reconnect, projects, created_at, updated_at`

func scanConnection(row scanner) (connection.Connection, error) {
	var (
		c          connection.Connection
		siteName   sql.NullString
		refresh    sql.NullString
		email      sql.NullString
		display    sql.NullString
		webhookID  sql.NullInt64
		refreshed  sql.NullTime
		lastSync   sql.NullTime
		lastError  sql.NullString
		rawProject []byte
	)
	err := row.Scan(&c.ID, &c.UserID, &c.SiteID, &c.SiteURL, &siteName, &c.AccessSecret.ID, &refresh,
		&c.TokenExpiresAt, &c.RemoteAccountID, &email, &display, &webhookID,
		&refreshed, &lastSync, &lastError, &c.NeedsReconnect, &rawProject, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return connection.Connection{}, err
	}
	c.SiteName = siteName.String
	c.RefreshSecret = vault.SecretRef{ID: refresh.String}
	c.RemoteEmail = email.String
	c.RemoteDisplayName = display.String
	if webhookID.Valid {
		v := webhookID.Int64
		c.WebhookID = &v
	}
	c.WebhookRefreshedAt = timePtr(refreshed)
	c.LastSyncAt = timePtr(lastSync)
	c.LastError = lastError.String
	c.Projects = []connection.ProjectSetting{}
	if len(rawProject) > 0 {
		if err := json.Unmarshal(rawProject, &c.Projects); err != nil {
			return connection.Connection{}, fmt.Errorf("decode projects: %w", err)
		}
	}
	return c, nil
}

func encodeProjects(projects []connection.ProjectSetting) ([]byte, error) {
	if projects == nil {
		projects = []connection.ProjectSetting{}
	}
	return json.Marshal(projects)
}

func (s *ConnectionStore) Create(ctx context.Context, c connection.Connection) (connection.Connection, error) {
	if s.db == nil {
		return connection.Connection{}, errNoDB
	}
	if err := c.Validate(); err != nil {
		return connection.Connection{}, err
	}
	if c.ID == "" {
		c.ID = ids.NewPrefixed("conn")
	}
	projects, err := encodeProjects(c.Projects)
	if err != nil {
		return connection.Connection{}, fmt.Errorf("encode projects: %w", err)
	}
	var webhookID sql.NullInt64
	if c.WebhookID != nil {
		webhookID = sql.NullInt64{Int64: *c.WebhookID, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		insert into connections (id, user_id, site_id, site_url, site_name, access_secret, refresh_secret,
			token_expires_at, remote_account_id, remote_email, remote_display_name, webhook_id, projects)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		returning `+connectionColumns,
		c.ID, c.UserID, c.SiteID, c.SiteURL, nullIfEmpty(c.SiteName), c.AccessSecret.ID, nullIfEmpty(c.RefreshSecret.ID),
		c.TokenExpiresAt.UTC(), c.RemoteAccountID, nullIfEmpty(c.RemoteEmail), nullIfEmpty(c.RemoteDisplayName), webhookID, projects)
	out, err := scanConnection(row)
	if err != nil {
		if isUniqueViolation(err) {
			return connection.Connection{}, connection.ErrAlreadyExists
		}
		return connection.Connection{}, err
	}
	return out, nil
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (connection.Connection, error) {
	if s.db == nil {
		return connection.Connection{}, errNoDB
	}
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		`select `+connectionColumns+` from connections where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return connection.Connection{}, connection.ErrNotFound
	}
	return c, err
}

func (s *ConnectionStore) FindByUserSite(ctx context.Context, userID, siteID string) (connection.Connection, error) {
	if s.db == nil {
		return connection.Connection{}, errNoDB
	}
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		`select `+connectionColumns+` from connections where user_id = $1 and site_id = $2`, userID, siteID))
	if errors.Is(err, sql.ErrNoRows) {
		return connection.Connection{}, connection.ErrNotFound
	}
	return c, err
}

func (s *ConnectionStore) list(ctx context.Context, where string, args ...any) ([]connection.Connection, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	q := `select ` + connectionColumns + ` from connections`
	if where != "" {
		q += ` where ` + where
	}
	rows, err := s.db.QueryContext(ctx, q+` order by id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []connection.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ConnectionStore) ListBySite(ctx context.Context, siteID string) ([]connection.Connection, error) {
	return s.list(ctx, `site_id = $1`, siteID)
}

func (s *ConnectionStore) ListBySiteURL(ctx context.Context, siteURL string) ([]connection.Connection, error) {
	return s.list(ctx, `rtrim(lower(site_url), '/') = $1`, connection.NormalizeSiteURL(siteURL))
}

func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]connection.Connection, error) {
	return s.list(ctx, `user_id = $1`, userID)
}

func (s *ConnectionStore) ListByRemoteAccount(ctx context.Context, accountID string) ([]connection.Connection, error) {
	return s.list(ctx, `remote_account_id = $1`, accountID)
}

func (s *ConnectionStore) ListByWebhookID(ctx context.Context, webhookID int64) ([]connection.Connection, error) {
	return s.list(ctx, `webhook_id = $1`, webhookID)
}

func (s *ConnectionStore) List(ctx context.Context) ([]connection.Connection, error) {
	return s.list(ctx, "")
}

// exec runs a single-row update and maps "no rows" to ErrNotFound.
func (s *ConnectionStore) exec(ctx context.Context, q string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return connection.ErrNotFound
	}
	return nil
}

func (s *ConnectionStore) UpdateTokens(ctx context.Context, id string, access, refresh vault.SecretRef, expiresAt time.Time) error {
	return s.exec(ctx, `
		update connections
		set access_secret = $2, refresh_secret = $3, token_expires_at = $4,
			needs_reconnect = false, last_error = null, updated_at = now()
		where id = $1
	`, id, access.ID, nullIfEmpty(refresh.ID), expiresAt.UTC())
}

func (s *ConnectionStore) UpdateProfile(ctx context.Context, id string, p connection.Profile) error {
	return s.exec(ctx, `
		update connections
		set site_url = $2, site_name = $3, remote_account_id = $4, remote_email = $5,
			remote_display_name = $6, updated_at = now()
		where id = $1
	`, id, p.SiteURL, nullIfEmpty(p.SiteName), p.RemoteAccountID, nullIfEmpty(p.RemoteEmail), nullIfEmpty(p.RemoteDisplayName))
}

func (s *ConnectionStore) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `
		update connections set last_sync_at = $2, last_error = null, updated_at = now()
		where id = $1
	`, id, at.UTC())
}

func (s *ConnectionStore) MarkError(ctx context.Context, id, msg string, needsReconnect bool) error {
	return s.exec(ctx, `
		update connections
		set last_error = $2, needs_reconnect = needs_reconnect or $3, updated_at = now()
		where id = $1
	`, id, msg, needsReconnect)
}

func (s *ConnectionStore) SetProjects(ctx context.Context, id string, projects []connection.ProjectSetting) error {
	raw, err := encodeProjects(projects)
	if err != nil {
		return fmt.Errorf("encode projects: %w", err)
	}
	return s.exec(ctx, `update connections set projects = $2, updated_at = now() where id = $1`, id, raw)
}

func (s *ConnectionStore) SetWebhook(ctx context.Context, id string, webhookID *int64, refreshedAt *time.Time) error {
	var wid sql.NullInt64
	if webhookID != nil {
		wid = sql.NullInt64{Int64: *webhookID, Valid: true}
	}
	return s.exec(ctx, `
		update connections set webhook_id = $2, webhook_refreshed_at = $3, updated_at = now()
		where id = $1
	`, id, wid, nullTime(refreshedAt))
}

func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `delete from connections where id = $1`, id)
}
