package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tokengate/tokengate/internal/approvals"
	"github.com/tokengate/tokengate/internal/events"
	"github.com/tokengate/tokengate/internal/metrics"
	storepkg "github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/pkg/types"
)

// adminAPI serves the operator surface: pending approvals and their
// resolution, the live event stream, audit queries, health and metrics.
// It binds to server.admin_addr, a loopback address by default; it is the
// approval channel, so exposing it to the guest would let the workload
// approve itself.
type adminAPI struct {
	manager   *approvals.Manager
	broker    *events.Broker
	store     storepkg.EventStore
	collector *metrics.Collector
	logger    *slog.Logger

	upgrader websocket.Upgrader
}

func (a *adminAPI) router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealth)
	if a.collector != nil {
		r.Method(http.MethodGet, "/metrics", a.collector.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/approvals", a.handleListApprovals)
		r.Post("/approvals/{id}", a.handleResolveApproval)
		r.Get("/events", a.handleEventStream)
		r.Get("/audit", a.handleAuditQuery)
	})
	return r
}

func (a *adminAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *adminAPI) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := a.manager.ListPending()
	if pending == nil {
		pending = []approvals.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type resolveRequest struct {
	Kind     types.DecisionKind `json:"kind"`
	Pattern  string             `json:"pattern,omitempty"`
	TOTPCode string             `json:"totp_code,omitempty"`
}

func (a *adminAPI) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	decision := types.Decision{Kind: body.Kind, Pattern: body.Pattern}
	if err := a.manager.Resolve(id, decision, body.TOTPCode); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// handleEventStream upgrades to a websocket and relays broker events until
// the client goes away.
func (a *adminAPI) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := a.broker.Subscribe(256)
	defer a.broker.Unsubscribe(ch)

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (a *adminAPI) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no audit store configured"})
		return
	}
	q := types.EventQuery{
		Host:     r.URL.Query().Get("host"),
		PathLike: r.URL.Query().Get("path"),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		q.Types = []string{t}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}
	out, err := a.store.QueryEvents(r.Context(), q)
	if err != nil {
		a.logger.Warn("audit query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if out == nil {
		out = []types.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
