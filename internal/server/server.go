package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
	"github.com/castfell/loresmith/internal/forge/pipeline"
	"github.com/castfell/loresmith/internal/health"
	"github.com/castfell/loresmith/internal/observe"
	"github.com/castfell/loresmith/internal/quest"
)

// Server routes HTTP requests to the forge pipeline, the quest engine, and
// the entity store.
type Server struct {
	pipelines *PipelineManager
	store     entity.Store
	quests    *quest.Engine
	health    *health.Handler
	metrics   *observe.Metrics
	log       *slog.Logger
	router    *mux.Router
}

// Option configures a [Server] during construction.
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithHealth installs the /healthz and /readyz handlers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the HTTP middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the server and its route table.
func New(pipelines *PipelineManager, store entity.Store, quests *quest.Engine, opts ...Option) *Server {
	s := &Server{
		pipelines: pipelines,
		store:     store,
		quests:    quests,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.router = s.routes()
	return s
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	if s.health != nil {
		r.HandleFunc("/healthz", s.health.Healthz).Methods(http.MethodGet)
		r.HandleFunc("/readyz", s.health.Readyz).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(observe.Middleware(s.metrics))

	c := api.PathPrefix("/campaigns/{id}").Subrouter()
	c.HandleFunc("/forge", s.handleForgeStart).Methods(http.MethodPost)
	c.HandleFunc("/forge", s.handleForgeState).Methods(http.MethodGet)
	c.HandleFunc("/forge/proceed", s.handleForgeProceed).Methods(http.MethodPost)
	c.HandleFunc("/forge/commit", s.handleForgeCommit).Methods(http.MethodPost)
	c.HandleFunc("/forge/reset", s.handleForgeReset).Methods(http.MethodPost)
	c.HandleFunc("/forge/discoveries/{did}", s.handleDiscoveryPatch).Methods(http.MethodPatch)
	c.HandleFunc("/forge/conflicts/{cid}", s.handleConflictPatch).Methods(http.MethodPatch)
	c.HandleFunc("/quests/{qid}/objectives", s.handleQuestObjectives).Methods(http.MethodGet)
	c.HandleFunc("/quests/{qid}/objectives/{oid}/transition", s.handleQuestTransition).Methods(http.MethodPost)
	c.HandleFunc("/entities", s.handleEntityList).Methods(http.MethodGet)
	c.HandleFunc("/entities/{eid}", s.handleEntityGet).Methods(http.MethodGet)

	return r
}

// ── forge handlers ──

// forgeRequest is the body of POST /forge.
type forgeRequest struct {
	ForgeType entity.EntityType     `json:"forge_type"`
	Input     forge.GenerationInput `json:"input"`
	StubID    string                `json:"stub_id,omitempty"`
}

// forgeResponse pairs the run outcome with the resulting state snapshot.
type forgeResponse struct {
	Result pipeline.GenerateResult `json:"result"`
	State  pipeline.State          `json:"state"`
}

func (s *Server) handleForgeStart(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["id"]

	var req forgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.ForgeType.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown forge type")
		return
	}

	p := s.pipelines.Get(campaignID)
	result, err := p.Generate(r.Context(), req.ForgeType, req.Input, req.StubID)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forgeResponse{Result: result, State: p.State()})
}

func (s *Server) handleForgeState(w http.ResponseWriter, r *http.Request) {
	p := s.pipelines.Get(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, p.State())
}

func (s *Server) handleForgeProceed(w http.ResponseWriter, r *http.Request) {
	p := s.pipelines.Get(mux.Vars(r)["id"])
	result, err := p.ProceedAnyway(r.Context())
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forgeResponse{Result: result, State: p.State()})
}

func (s *Server) handleForgeCommit(w http.ResponseWriter, r *http.Request) {
	p := s.pipelines.Get(mux.Vars(r)["id"])
	result, err := p.Commit(r.Context())
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleForgeReset(w http.ResponseWriter, r *http.Request) {
	p := s.pipelines.Get(mux.Vars(r)["id"])
	if err := p.Reset(); err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.State())
}

// discoveryPatchRequest is the body of PATCH /forge/discoveries/{did}.
// Omitted fields are left unchanged.
type discoveryPatchRequest struct {
	Status         *forge.DiscoveryStatus `json:"status,omitempty"`
	LinkedEntityID *string                `json:"linked_entity_id,omitempty"`
}

func (s *Server) handleDiscoveryPatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := s.pipelines.Get(vars["id"])

	var req discoveryPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := p.UpdateDiscovery(vars["did"], forge.DiscoveryPatch{
		Status:         req.Status,
		LinkedEntityID: req.LinkedEntityID,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.State())
}

// conflictPatchRequest is the body of PATCH /forge/conflicts/{cid}.
type conflictPatchRequest struct {
	Resolution forge.ConflictResolution `json:"resolution"`
}

func (s *Server) handleConflictPatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := s.pipelines.Get(vars["id"])

	var req conflictPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := p.UpdateConflict(vars["cid"], req.Resolution); err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.State())
}

// ── quest handlers ──

func (s *Server) handleQuestObjectives(w http.ResponseWriter, r *http.Request) {
	objectives, err := s.quests.Objectives(r.Context(), mux.Vars(r)["qid"])
	if err != nil {
		s.writeQuestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, objectives)
}

// transitionRequest is the body of POST /objectives/{oid}/transition.
type transitionRequest struct {
	Action quest.Action `json:"action"`
}

func (s *Server) handleQuestTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Action.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}

	tr, err := s.quests.Apply(r.Context(), vars["qid"], vars["oid"], req.Action)
	if err != nil {
		s.writeQuestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// ── entity handlers ──

func (s *Server) handleEntityList(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["id"]
	q := r.URL.Query()

	opts := entity.ListOptions{Tags: q["tag"]}
	if typ := q.Get("type"); typ != "" {
		et := entity.EntityType(typ)
		if !et.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown entity type")
			return
		}
		opts.Type = et
	}

	defs, err := s.store.List(r.Context(), campaignID, opts)
	if err != nil {
		s.log.Error("entity list failed", "campaign_id", campaignID, "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	def, err := s.store.Get(r.Context(), vars["eid"])
	if errors.Is(err, entity.ErrNotFound) || (err == nil && def.CampaignID != vars["id"]) {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		s.log.Error("entity get failed", "entity_id", vars["eid"], "error", err)
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ── response helpers ──

// writePipelineError maps pipeline sentinels onto HTTP statuses. Anything
// unrecognised is a 500; the pipeline has already logged the detail.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeQuestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, quest.ErrNotQuest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
