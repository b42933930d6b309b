// Package tokens owns the OAuth credential lifecycle of a connection: code
// exchange, vaulting and refresh with rotation.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/vault"
)

// ErrNeedsReconnect means the grant is unusable until the user reconnects.
var ErrNeedsReconnect = errors.New("connection needs to be reconnected")

// CredentialError is returned when the stored grant was rejected or is
// missing. It matches ErrNeedsReconnect and is never retried automatically.
type CredentialError struct {
	ConnectionID string
	Reason       string
	Err          error
}

func (e *CredentialError) Error() string {
	msg := "credential error for connection " + e.ConnectionID + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() error { return e.Err }

func (e *CredentialError) Is(target error) bool { return target == ErrNeedsReconnect }

// Config describes the OAuth application.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Audience     string
	Scopes       []string
	// RefreshSkew is how long before expiry a token is refreshed.
	RefreshSkew time.Duration
	// HTTPClient is used for token endpoint calls; nil uses the oauth2 default.
	HTTPClient *http.Client
}

// Manager hands out valid access tokens for connections.
type Manager struct {
	oauth      *oauth2.Config
	audience   string
	skew       time.Duration
	httpClient *http.Client
	registry   connection.Registry
	vault      vault.Vault
	recorder   *audit.Recorder
	group      singleflight.Group
	now        func() time.Time
}

func NewManager(cfg Config, registry connection.Registry, v vault.Vault, recorder *audit.Recorder) *Manager {
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		audience:   cfg.Audience,
		skew:       skew,
		httpClient: cfg.HTTPClient,
		registry:   registry,
		vault:      v,
		recorder:   recorder,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// AuthCodeURL builds the consent URL for state.
func (m *Manager) AuthCodeURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "consent")}
	if m.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", m.audience))
	}
	return m.oauth.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a token.
func (m *Manager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	tok, err := m.oauth.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

// Grant is a token pair after it has been written to the vault.
type Grant struct {
	Access    vault.SecretRef
	Refresh   vault.SecretRef
	ExpiresAt time.Time
}

// Store vaults a freshly issued token. On failure nothing is left behind.
func (m *Manager) Store(ctx context.Context, tok *oauth2.Token) (Grant, error) {
	if tok == nil || tok.AccessToken == "" {
		return Grant{}, errors.New("token has no access token")
	}
	access, err := m.vault.Store(ctx, tok.AccessToken)
	if err != nil {
		return Grant{}, fmt.Errorf("store access token: %w", err)
	}
	g := Grant{Access: access, ExpiresAt: m.expiry(tok)}
	if tok.RefreshToken != "" {
		refresh, err := m.vault.Store(ctx, tok.RefreshToken)
		if err != nil {
			_ = m.vault.Delete(ctx, access)
			return Grant{}, fmt.Errorf("store refresh token: %w", err)
		}
		g.Refresh = refresh
	}
	return g, nil
}

// Erase deletes both secrets of a grant.
func (m *Manager) Erase(ctx context.Context, access, refresh vault.SecretRef) error {
	return multierr.Append(m.vault.Delete(ctx, access), m.vault.Delete(ctx, refresh))
}

func (m *Manager) expiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return m.now().Add(time.Hour)
	}
	return tok.Expiry.UTC()
}

// Provider returns a token source bound to one connection id.
func (m *Manager) Provider(connID string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return m.GetValidToken(ctx, connection.Connection{ID: connID})
	}
}

// GetValidToken returns an access token for conn, refreshing it when it
// expires within the refresh skew. The connection is always re-read from the
// registry so rotated secrets are never served from a stale copy.
func (m *Manager) GetValidToken(ctx context.Context, conn connection.Connection) (string, error) {
	c, err := m.registry.Get(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	if c.NeedsReconnect {
		return "", &CredentialError{ConnectionID: c.ID, Reason: "reconnect required"}
	}
	if tok, ok := m.current(ctx, c); ok {
		return tok, nil
	}
	v, err, _ := m.group.Do(c.ID, func() (any, error) {
		// Detach from the first caller so its cancellation does not fail
		// the callers sharing this refresh.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return m.refresh(rctx, c.ID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) current(ctx context.Context, c connection.Connection) (string, bool) {
	if c.TokenExpiresAt.Sub(m.now()) < m.skew {
		return "", false
	}
	tok, err := m.vault.Fetch(ctx, c.AccessSecret)
	if err != nil {
		return "", false
	}
	return tok, true
}

func (m *Manager) refresh(ctx context.Context, connID string) (string, error) {
	c, err := m.registry.Get(ctx, connID)
	if err != nil {
		return "", err
	}
	if c.NeedsReconnect {
		return "", &CredentialError{ConnectionID: c.ID, Reason: "reconnect required"}
	}
	// A refresh that finished just before this flight started already
	// rotated the grant.
	if tok, ok := m.current(ctx, c); ok {
		return tok, nil
	}

	oldRefresh, err := m.vault.Fetch(ctx, c.RefreshSecret)
	if err != nil {
		return "", m.fail(ctx, c, "refresh token unavailable", err)
	}

	src := m.oauth.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: oldRefresh})
	tok, err := src.Token()
	if err != nil {
		if isGrantRejected(err) {
			return "", m.fail(ctx, c, "refresh token rejected", err)
		}
		return "", m.transient(ctx, c, err)
	}

	rotated := tok.RefreshToken != "" && tok.RefreshToken != oldRefresh
	newAccess, err := m.vault.Store(ctx, tok.AccessToken)
	if err != nil {
		return "", m.transient(ctx, c, fmt.Errorf("store access token: %w", err))
	}
	newRefresh := c.RefreshSecret
	if rotated {
		newRefresh, err = m.vault.Store(ctx, tok.RefreshToken)
		if err != nil {
			_ = m.vault.Delete(ctx, newAccess)
			return "", m.transient(ctx, c, fmt.Errorf("store refresh token: %w", err))
		}
	}
	expiresAt := m.expiry(tok)
	if err := m.registry.UpdateTokens(ctx, c.ID, newAccess, newRefresh, expiresAt); err != nil {
		_ = m.vault.Delete(ctx, newAccess)
		if rotated {
			_ = m.vault.Delete(ctx, newRefresh)
		}
		return "", m.transient(ctx, c, fmt.Errorf("persist rotated tokens: %w", err))
	}

	// The new references are persisted; the old secrets can go.
	if err := m.vault.Delete(ctx, c.AccessSecret); err != nil {
		obs.Logger().Warn("delete old access secret", zap.String("connection_id", c.ID), zap.Error(err))
	}
	if rotated {
		if err := m.vault.Delete(ctx, c.RefreshSecret); err != nil {
			obs.Logger().Warn("delete old refresh secret", zap.String("connection_id", c.ID), zap.Error(err))
		}
	}

	obs.TokenRefreshes.WithLabelValues("success").Inc()
	m.record(ctx, c, audit.EventTokenRefreshed, true, map[string]any{
		"expires_at":        expiresAt.Format(time.RFC3339),
		"refresh_rotated":   rotated,
		"previous_expiry":   c.TokenExpiresAt.Format(time.RFC3339),
		"refresh_skew_secs": int(m.skew.Seconds()),
	})
	return tok.AccessToken, nil
}

// fail marks the connection as needing a reconnect. No secret is deleted.
func (m *Manager) fail(ctx context.Context, c connection.Connection, reason string, cause error) error {
	if err := m.registry.MarkError(ctx, c.ID, reason, true); err != nil {
		obs.Logger().Error("mark connection error", zap.String("connection_id", c.ID), zap.Error(err))
	}
	obs.TokenRefreshes.WithLabelValues("rejected").Inc()
	m.record(ctx, c, audit.EventTokenRefreshFailed, false, map[string]any{
		"reason":          reason,
		"error":           cause.Error(),
		"needs_reconnect": true,
	})
	return &CredentialError{ConnectionID: c.ID, Reason: reason, Err: cause}
}

func (m *Manager) transient(ctx context.Context, c connection.Connection, cause error) error {
	obs.TokenRefreshes.WithLabelValues("error").Inc()
	m.record(ctx, c, audit.EventTokenRefreshFailed, false, map[string]any{
		"reason":          "transient",
		"error":           cause.Error(),
		"needs_reconnect": false,
	})
	return fmt.Errorf("refresh token for connection %s: %w", c.ID, cause)
}

func (m *Manager) record(ctx context.Context, c connection.Connection, event string, ok bool, details map[string]any) {
	if m.recorder == nil {
		return
	}
	_, _ = m.recorder.Record(ctx, audit.Entry{
		Event:        event,
		ConnectionID: c.ID,
		UserID:       c.UserID,
		Success:      ok,
		Details:      details,
	})
}

// isGrantRejected reports a definitive refusal from the token endpoint, as
// opposed to an outage.
func isGrantRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	return re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
}
