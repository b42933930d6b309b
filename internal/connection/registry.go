// Package connection holds per-user, per-site remote connection metadata.
package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"jirasync.io/internal/ids"
	"jirasync.io/internal/vault"
)

// Registry defines connection persistence operations.
type Registry interface {
	Create(ctx context.Context, c Connection) (Connection, error)
	Get(ctx context.Context, id string) (Connection, error)
	FindByUserSite(ctx context.Context, userID, siteID string) (Connection, error)
	ListBySite(ctx context.Context, siteID string) ([]Connection, error)
	ListBySiteURL(ctx context.Context, siteURL string) ([]Connection, error)
	ListByUser(ctx context.Context, userID string) ([]Connection, error)
	ListByRemoteAccount(ctx context.Context, accountID string) ([]Connection, error)
	// ListByWebhookID returns the connections whose registered webhook has id.
	ListByWebhookID(ctx context.Context, webhookID int64) ([]Connection, error)
	List(ctx context.Context) ([]Connection, error)
	UpdateTokens(ctx context.Context, id string, access, refresh vault.SecretRef, expiresAt time.Time) error
	UpdateProfile(ctx context.Context, id string, p Profile) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	MarkError(ctx context.Context, id, msg string, needsReconnect bool) error
	SetProjects(ctx context.Context, id string, projects []ProjectSetting) error
	SetWebhook(ctx context.Context, id string, webhookID *int64, refreshedAt *time.Time) error
	Delete(ctx context.Context, id string) error
}

// Profile is the remote identity and site metadata refreshed on reconnect.
type Profile struct {
	SiteURL           string
	SiteName          string
	RemoteAccountID   string
	RemoteEmail       string
	RemoteDisplayName string
}

// InMemory implements Registry with in-process concurrency safety. Reads
// return copies.
type InMemory struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	now   func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		conns: make(map[string]*Connection),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemory) Create(ctx context.Context, c Connection) (Connection, error) {
	if err := c.Validate(); err != nil {
		return Connection{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.conns {
		if existing.UserID == c.UserID && existing.SiteID == c.SiteID {
			return Connection{}, ErrAlreadyExists
		}
	}
	if c.ID == "" {
		c.ID = ids.NewPrefixed("conn")
	}
	now := r.now()
	c.CreatedAt, c.UpdatedAt = now, now
	stored := c.clone()
	r.conns[c.ID] = &stored
	return stored.clone(), nil
}

func (r *InMemory) Get(ctx context.Context, id string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return c.clone(), nil
}

func (r *InMemory) FindByUserSite(ctx context.Context, userID, siteID string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.UserID == userID && c.SiteID == siteID {
			return c.clone(), nil
		}
	}
	return Connection{}, ErrNotFound
}

func (r *InMemory) filter(keep func(*Connection) bool) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Connection
	for _, c := range r.conns {
		if keep(c) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *InMemory) ListBySite(ctx context.Context, siteID string) ([]Connection, error) {
	return r.filter(func(c *Connection) bool { return c.SiteID == siteID }), nil
}

func (r *InMemory) ListBySiteURL(ctx context.Context, siteURL string) ([]Connection, error) {
	want := NormalizeSiteURL(siteURL)
	return r.filter(func(c *Connection) bool { return NormalizeSiteURL(c.SiteURL) == want }), nil
}

func (r *InMemory) ListByUser(ctx context.Context, userID string) ([]Connection, error) {
	return r.filter(func(c *Connection) bool { return c.UserID == userID }), nil
}

func (r *InMemory) ListByRemoteAccount(ctx context.Context, accountID string) ([]Connection, error) {
	return r.filter(func(c *Connection) bool { return c.RemoteAccountID == accountID }), nil
}

func (r *InMemory) ListByWebhookID(ctx context.Context, webhookID int64) ([]Connection, error) {
	return r.filter(func(c *Connection) bool { return c.WebhookID != nil && *c.WebhookID == webhookID }), nil
}

func (r *InMemory) List(ctx context.Context) ([]Connection, error) {
	return r.filter(func(*Connection) bool { return true }), nil
}

func (r *InMemory) mutate(id string, fn func(c *Connection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	c.UpdatedAt = r.now()
	return nil
}

// UpdateTokens stores rotated secret references and clears error state.
func (r *InMemory) UpdateTokens(ctx context.Context, id string, access, refresh vault.SecretRef, expiresAt time.Time) error {
	return r.mutate(id, func(c *Connection) {
		c.AccessSecret = access
		c.RefreshSecret = refresh
		c.TokenExpiresAt = expiresAt.UTC()
		c.NeedsReconnect = false
		c.LastError = ""
	})
}

func (r *InMemory) UpdateProfile(ctx context.Context, id string, p Profile) error {
	return r.mutate(id, func(c *Connection) {
		c.SiteURL = p.SiteURL
		c.SiteName = p.SiteName
		c.RemoteAccountID = p.RemoteAccountID
		c.RemoteEmail = p.RemoteEmail
		c.RemoteDisplayName = p.RemoteDisplayName
	})
}

func (r *InMemory) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return r.mutate(id, func(c *Connection) {
		at := at.UTC()
		c.LastSyncAt = &at
		c.LastError = ""
	})
}

func (r *InMemory) MarkError(ctx context.Context, id, msg string, needsReconnect bool) error {
	return r.mutate(id, func(c *Connection) {
		c.LastError = msg
		if needsReconnect {
			c.NeedsReconnect = true
		}
	})
}

func (r *InMemory) SetProjects(ctx context.Context, id string, projects []ProjectSetting) error {
	return r.mutate(id, func(c *Connection) {
		c.Projects = append([]ProjectSetting(nil), projects...)
	})
}

func (r *InMemory) SetWebhook(ctx context.Context, id string, webhookID *int64, refreshedAt *time.Time) error {
	return r.mutate(id, func(c *Connection) {
		c.WebhookID = nil
		c.WebhookRefreshedAt = nil
		if webhookID != nil {
			v := *webhookID
			c.WebhookID = &v
		}
		if refreshedAt != nil {
			v := refreshedAt.UTC()
			c.WebhookRefreshedAt = &v
		}
	})
}

func (r *InMemory) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return ErrNotFound
	}
	delete(r.conns, id)
	return nil
}
