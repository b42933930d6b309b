package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jirasync.io/internal/audit"
)

const oauthCallbackPath = "/v1/oauth/jira/callback"

type oauthStartResponse struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pendingAuth struct {
	userID  string
	siteID  string
	expires time.Time
}

// stateStore remembers who started each consent round. States are single use.
type stateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]pendingAuth
	now     func() time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{ttl: ttl, pending: make(map[string]pendingAuth), now: time.Now}
}

func (s *stateStore) issue(userID, siteID string) (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, k)
		}
	}
	state := uuid.NewString()
	exp := now.Add(s.ttl)
	s.pending[state] = pendingAuth{userID: userID, siteID: siteID, expires: exp}
	return state, exp
}

func (s *stateStore) consume(state string) (pendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[state]
	if !ok {
		return pendingAuth{}, false
	}
	delete(s.pending, state)
	if s.now().After(p.expires) {
		return pendingAuth{}, false
	}
	return p, true
}

func (a *API) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "oauth is not configured")
		return
	}
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	state, exp := a.states.issue(userID, siteID)
	_ = audit.LogEvent(r.Context(), "oauth.start", map[string]any{"site_id": siteID})
	writeJSON(w, http.StatusOK, oauthStartResponse{
		URL:       a.tokens.AuthCodeURL(state),
		State:     state,
		ExpiresAt: exp.UTC(),
	})
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		writeError(w, r, http.StatusBadRequest, "authorization denied: "+reason)
		return
	}
	pending, ok := a.states.consume(strings.TrimSpace(q.Get("state")))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown or expired state")
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	res, err := a.engine.CompleteOAuth(r.Context(), pending.userID, code, pending.siteID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Reconnect {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
