package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/auth"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/engine"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/statusmap"
)

const (
	webhookPath     = engine.WebhookPath
	maxWebhookBytes = 1 << 20
)

type connectionView struct {
	connection.Connection
	Health connection.Health `json:"health"`
}

type listConnectionsResponse struct {
	Items []connectionView `json:"items"`
	AsOf  time.Time        `json:"as_of"`
}

type updateProjectsRequest struct {
	Enabled []string `json:"enabled"`
}

// pushRequest carries local edits. An empty date string clears the field.
type pushRequest struct {
	Title     *string `json:"title"`
	DueDate   *string `json:"due_date"`
	StartDate *string `json:"start_date"`
	Status    *string `json:"status"`
}

type erasureRequest struct {
	AccountID string `json:"account_id"`
}

type listAuditResponse struct {
	Items []audit.Entry `json:"items"`
	AsOf  time.Time     `json:"as_of"`
}

// handleWebhook always answers 200 so the remote does not retry; the body
// says whether the delivery was processed.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		raw = nil
	}
	res := a.engine.HandleWebhook(r.Context(), raw, r.URL.Query().Get("token"))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	conns, err := a.engine.Registry().ListByUser(r.Context(), userID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	items := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		items = append(items, connectionView{Connection: c, Health: c.Health()})
	}
	writeJSON(w, http.StatusOK, listConnectionsResponse{Items: items, AsOf: time.Now().UTC()})
}

// ownedConnection loads the path connection and checks the caller may use it.
// Foreign connections answer 404 so ids cannot be probed.
func (a *API) ownedConnection(w http.ResponseWriter, r *http.Request) (connection.Connection, bool) {
	if _, ok := currentUser(w, r); !ok {
		return connection.Connection{}, false
	}
	c, err := a.engine.Registry().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleEngineError(w, r, err)
		return connection.Connection{}, false
	}
	if !canAccess(r, c.UserID) {
		handleEngineError(w, r, connection.ErrNotFound)
		return connection.Connection{}, false
	}
	return c, true
}

func (a *API) handleUpdateProjects(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedConnection(w, r)
	if !ok {
		return
	}
	var req updateProjectsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.engine.UpdateProjects(r.Context(), c.ID, req.Enabled)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSyncConnection(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedConnection(w, r)
	if !ok {
		return
	}
	var opts []engine.SyncOption
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", engine.ModeFull:
	case engine.ModeStatusOnly:
		opts = append(opts, engine.StatusOnly())
	default:
		writeError(w, r, http.StatusBadRequest, "mode must be full or status_only")
		return
	}
	res, err := a.engine.SyncConnection(r.Context(), c.ID, opts...)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedConnection(w, r)
	if !ok {
		return
	}
	res, err := a.engine.Disconnect(r.Context(), c.ID)
	if err != nil {
		if res.ConnectionID == "" {
			handleEngineError(w, r, err)
			return
		}
		writePartial(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePushTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	taskID := r.PathValue("id")
	if a.tasks != nil {
		t, err := a.tasks.Get(r.Context(), taskID)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		if !canAccess(r, t.UserID) {
			writeError(w, r, http.StatusNotFound, "task not found")
			return
		}
	}

	var req pushRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	change, err := req.change()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.engine.PushTaskChange(r.Context(), taskID, change)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (req pushRequest) change() (engine.Change, error) {
	var ch engine.Change
	empty := true
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return ch, errors.New("title must not be empty")
		}
		ch.Title = &title
		empty = false
	}
	date := func(raw *string, set **time.Time, clear *bool, name string) error {
		if raw == nil {
			return nil
		}
		empty = false
		if strings.TrimSpace(*raw) == "" {
			*clear = true
			return nil
		}
		t := jira.ParseDate(*raw)
		if t == nil {
			return errors.New(name + " must be YYYY-MM-DD")
		}
		*set = t
		return nil
	}
	if err := date(req.DueDate, &ch.DueDate, &ch.ClearDueDate, "due_date"); err != nil {
		return ch, err
	}
	if err := date(req.StartDate, &ch.StartDate, &ch.ClearStartDate, "start_date"); err != nil {
		return ch, err
	}
	if req.Status != nil {
		st, err := statusmap.ParseLocalState(*req.Status)
		if err != nil {
			return ch, err
		}
		ch.TargetStatus = &st
		empty = false
	}
	if empty {
		return ch, errors.New("no changes to push")
	}
	return ch, nil
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if a.recorder == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit trail unavailable")
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := audit.Filter{
		UserID:       userID,
		ConnectionID: strings.TrimSpace(q.Get("connection_id")),
		Event:        strings.TrimSpace(q.Get("event")),
		Limit:        limit,
	}
	if other := strings.TrimSpace(q.Get("user_id")); other != "" && auth.HasRole(r.Context(), roleAdmin) {
		f.UserID = other
	}
	entries, err := a.recorder.List(r.Context(), f)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Items: entries, AsOf: time.Now().UTC()})
}

func (a *API) handleErasure(w http.ResponseWriter, r *http.Request) {
	var req erasureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	res, err := a.engine.EraseAccount(r.Context(), accountID)
	if err != nil {
		if res.AccountID == "" {
			handleEngineError(w, r, err)
			return
		}
		writePartial(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writePartial reports a teardown that ran but left some steps failed.
func writePartial(w http.ResponseWriter, r *http.Request, result any, err error) {
	payload := map[string]any{
		"error":  err.Error(),
		"result": result,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusInternalServerError, payload)
}
