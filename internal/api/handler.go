package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/concord/internal/agent"
	"github.com/nidhogg/concord/internal/archive"
	"github.com/nidhogg/concord/internal/debate"
	"github.com/nidhogg/concord/internal/session"
	"github.com/nidhogg/concord/internal/store"
	"github.com/nidhogg/concord/internal/trust"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *session.Orchestrator
	registry *agent.Registry
	ledger   *trust.Ledger
	store    *store.Store
	archive  *archive.Archive
	graph    *trust.AgreementGraph
	logger   *zap.Logger
}

// NewHandler creates a new API handler. Store, archive and graph may be nil
// when the backing services are down; the affected routes return 503.
func NewHandler(
	orch *session.Orchestrator,
	registry *agent.Registry,
	ledger *trust.Ledger,
	st *store.Store,
	arc *archive.Archive,
	graph *trust.AgreementGraph,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orch:     orch,
		registry: registry,
		ledger:   ledger,
		store:    st,
		archive:  arc,
		graph:    graph,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/sessions", h.createSession)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Get("/sessions/{id}/trace", h.getTrace)
		r.Get("/sessions/{id}/similar", h.getSimilar)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Delete("/agents/{id}", h.removeAgent)
		r.Post("/agents/{id}/reinstate", h.reinstateAgent)
		r.Get("/agents/{id}/dissent", h.getDissent)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionRequest struct {
	Spec        string            `json:"spec"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Threshold   float64           `json:"threshold,omitempty"`
	DeadlineSec int               `json:"deadline_sec,omitempty"`
	Sync        bool              `json:"sync,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	task := debate.Task{
		Spec:        req.Spec,
		Constraints: req.Constraints,
		Threshold:   req.Threshold,
	}
	if req.DeadlineSec > 0 {
		task.Deadline = time.Now().Add(time.Duration(req.DeadlineSec) * time.Second)
	}

	if req.Sync {
		decision, err := h.orch.RunSession(r.Context(), task)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
		return
	}

	id, err := h.orch.Submit(task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence not available"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := h.orch.Running(id); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":        sess.ID,
			"state":     sess.State,
			"consensus": sess.Consensus,
			"rounds":    len(sess.Rounds),
		})
		return
	}

	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence not available"})
		return
	}
	rec, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := map[string]interface{}{"session": rec}
	if decision, err := h.store.GetDecision(r.Context(), id); err == nil {
		resp["decision"] = decision
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := h.orch.Running(id); ok {
		writeJSON(w, http.StatusOK, sess.Rounds)
		return
	}

	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence not available"})
		return
	}
	rounds, err := h.store.GetTrace(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(rounds) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (h *Handler) getSimilar(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil || h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not available"})
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	topK, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	matches, err := h.archive.Similar(r.Context(), rec.Task.Spec, topK)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

type agentView struct {
	agent.Identity
	Trust    float64 `json:"trust"`
	Excluded bool    `json:"excluded"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.Snapshot(nil)
	views := make([]agentView, 0, len(ids))
	for _, id := range ids {
		views = append(views, agentView{
			Identity: *id,
			Trust:    h.ledger.Weight(id.ID),
			Excluded: h.ledger.Excluded(id.ID),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var id agent.Identity
	if err := json.NewDecoder(r.Body).Decode(&id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if id.Name == "" || id.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and provider_id are required"})
		return
	}
	h.registry.Register(&id)
	writeJSON(w, http.StatusCreated, id)
}

func (h *Handler) removeAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.registry.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	h.registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reinstateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.registry.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	h.ledger.Reinstate(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reinstated"})
}

func (h *Handler) getDissent(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agreement graph not available"})
		return
	}
	id := chi.URLParam(r, "id")
	other := r.URL.Query().Get("with")
	if other == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "with query parameter is required"})
		return
	}
	count, err := h.graph.DissentCount(r.Context(), id, other)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":    id,
		"with":     other,
		"dissents": count,
	})
}

func writeError(w http.ResponseWriter, err error) {
	var verr *session.ValidationError
	var qerr *session.QuorumError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &qerr):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
