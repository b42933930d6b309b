package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/auth"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/engine"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/stream"
	"jirasync.io/internal/tasks"
	"jirasync.io/internal/tokens"
)

const serviceName = "jirasync"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Engine   *engine.Engine
	Tokens   *tokens.Manager
	Tasks    tasks.Store
	Recorder *audit.Recorder
	Stream   *stream.Stream
	// Signer verifies bearer tokens. Nil disables authentication, which
	// leaves every user-scoped route answering 401.
	Signer      *auth.Signer
	Ready       readinessChecker
	Version     string
	CORSOrigins []string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	engine   *engine.Engine
	tokens   *tokens.Manager
	tasks    tasks.Store
	recorder *audit.Recorder
	stream   *stream.Stream
	signer   *auth.Signer
	ready    readinessChecker
	version  string
	origins  []string
	states   *stateStore

	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		engine:     d.Engine,
		tokens:     d.Tokens,
		tasks:      d.Tasks,
		recorder:   d.Recorder,
		stream:     d.Stream,
		signer:     d.Signer,
		ready:      d.Ready,
		version:    d.Version,
		origins:    d.CORSOrigins,
		states:     newStateStore(10 * time.Minute),
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST "+webhookPath, a.handleWebhook)
	a.mux.HandleFunc("GET /v1/oauth/jira/start", a.handleOAuthStart)
	a.mux.HandleFunc("GET "+oauthCallbackPath, a.handleOAuthCallback)

	a.mux.HandleFunc("GET /v1/connections", a.handleListConnections)
	a.mux.HandleFunc("PUT /v1/connections/{id}/projects", a.handleUpdateProjects)
	a.mux.HandleFunc("POST /v1/connections/{id}/sync", a.handleSyncConnection)
	a.mux.HandleFunc("DELETE /v1/connections/{id}", a.handleDisconnect)
	a.mux.HandleFunc("POST /v1/tasks/{id}/push", a.handlePushTask)
	a.mux.HandleFunc("GET /v1/audit", a.handleAudit)
	a.mux.HandleFunc("GET /v1/events", a.Stream)
	a.mux.Handle("POST /v1/erasure", RequireRole(roleAdmin)(http.HandlerFunc(a.handleErasure)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var retrieve *oauth2.RetrieveError
	switch {
	case errors.As(err, &retrieve):
		writeError(w, r, http.StatusBadRequest, "authorization code rejected")
	case errors.Is(err, connection.ErrInvalid), errors.Is(err, tasks.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, connection.ErrNotFound), errors.Is(err, tasks.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, connection.ErrAlreadyExists), errors.Is(err, tasks.ErrDuplicate):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, tokens.ErrNeedsReconnect):
		writeError(w, r, http.StatusConflict, "connection needs to be reconnected")
	case errors.Is(err, engine.ErrNoAccessibleSites):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "upstream timeout")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
