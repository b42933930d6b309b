package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jirasync.io/internal/vault"
)

var (
	ErrNotFound      = errors.New("connection not found")
	ErrAlreadyExists = errors.New("connection already exists for this user and site")
	ErrInvalid       = errors.New("invalid connection")
)

// ProjectSetting is one remote project and whether it is synchronized.
type ProjectSetting struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Connection is one remote-site credential grant for one local user.
type Connection struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	SiteID             string           `json:"site_id"`
	SiteURL            string           `json:"site_url"`
	SiteName           string           `json:"site_name,omitempty"`
	AccessSecret       vault.SecretRef  `json:"-"`
	RefreshSecret      vault.SecretRef  `json:"-"`
	TokenExpiresAt     time.Time        `json:"token_expires_at"`
	RemoteAccountID    string           `json:"remote_account_id"`
	RemoteEmail        string           `json:"remote_email,omitempty"`
	RemoteDisplayName  string           `json:"remote_display_name,omitempty"`
	WebhookID          *int64           `json:"webhook_id,omitempty"`
	WebhookRefreshedAt *time.Time       `json:"webhook_refreshed_at,omitempty"`
	LastSyncAt         *time.Time       `json:"last_sync_at,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	NeedsReconnect     bool             `json:"needs_reconnect"`
	Projects           []ProjectSetting `json:"projects"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Health summarizes a connection for UI indicators.
type Health string

const (
	HealthOK             Health = "ok"
	HealthError          Health = "error"
	HealthNeedsReconnect Health = "needs_reconnect"
	HealthNeverSynced    Health = "never_synced"
)

func (c Connection) Health() Health {
	switch {
	case c.NeedsReconnect:
		return HealthNeedsReconnect
	case c.LastError != "":
		return HealthError
	case c.LastSyncAt == nil:
		return HealthNeverSynced
	}
	return HealthOK
}

// EnabledProjects returns the enabled projects in their stored order.
func (c Connection) EnabledProjects() []ProjectSetting {
	var out []ProjectSetting
	for _, p := range c.Projects {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (c Connection) HasEnabledProjects() bool {
	for _, p := range c.Projects {
		if p.Enabled {
			return true
		}
	}
	return false
}

// ProjectEnabled matches by remote project id or key.
func (c Connection) ProjectEnabled(idOrKey string) bool {
	if idOrKey == "" {
		return false
	}
	for _, p := range c.Projects {
		if p.Enabled && (p.ID == idOrKey || strings.EqualFold(p.Key, idOrKey)) {
			return true
		}
	}
	return false
}

// EnabledKeys lists the keys of enabled projects.
func (c Connection) EnabledKeys() []string {
	var keys []string
	for _, p := range c.EnabledProjects() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Validate checks the fields every stored connection must carry.
func (c Connection) Validate() error {
	switch {
	case strings.TrimSpace(c.UserID) == "":
		return fmt.Errorf("%w: user_id required", ErrInvalid)
	case strings.TrimSpace(c.SiteID) == "":
		return fmt.Errorf("%w: site_id required", ErrInvalid)
	case c.AccessSecret.IsZero():
		return fmt.Errorf("%w: access secret required", ErrInvalid)
	}
	return nil
}

// NormalizeSiteURL strips trailing slashes and lowercases the host part so
// webhook base URLs compare equal to stored site URLs.
func NormalizeSiteURL(u string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
}

func (c Connection) clone() Connection {
	out := c
	out.Projects = append([]ProjectSetting(nil), c.Projects...)
	if c.WebhookID != nil {
		v := *c.WebhookID
		out.WebhookID = &v
	}
	if c.WebhookRefreshedAt != nil {
		v := *c.WebhookRefreshedAt
		out.WebhookRefreshedAt = &v
	}
	if c.LastSyncAt != nil {
		v := *c.LastSyncAt
		out.LastSyncAt = &v
	}
	return out
}
