package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openattribution/telemetry-go/internal/domain"
	"github.com/openattribution/telemetry-go/internal/schema"
	"github.com/openattribution/telemetry-go/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handler serves the telemetry API against a session store.
type Handler struct {
	store  storage.SessionStore
	logger *slog.Logger
}

// NewHandler creates a handler backed by the given store.
func NewHandler(store storage.SessionStore, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the public and internal API on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session/start", h.StartSession)
	r.Post("/session/end", h.EndSession)
	r.Post("/session/bulk", h.UploadSession)
	r.Post("/events", h.RecordEvents)

	r.Get("/internal/sessions", h.ListSessions)
	r.Get("/internal/sessions/by-external-id/{externalID}", h.GetSessionByExternalID)
	r.Get("/internal/sessions/{sessionID}", h.GetSession)

	r.Get("/health", h.Health)
}

type startSessionRequest struct {
	InitiatorType     schema.InitiatorType `json:"initiator_type"`
	Initiator         map[string]any       `json:"initiator"`
	ContentScope      string               `json:"content_scope"`
	AgentID           string               `json:"agent_id"`
	ExternalSessionID string               `json:"external_session_id"`
	UserContext       map[string]any       `json:"user_context"`
	ManifestRef       string               `json:"manifest_ref"`
	PriorSessionIDs   []string             `json:"prior_session_ids"`
}

// StartSession handles POST /session/start.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body"))
		return
	}

	initiatorType := req.InitiatorType
	if initiatorType == "" {
		initiatorType = schema.InitiatorUser
	}
	if !initiatorType.Valid() {
		h.writeError(w, r, domain.ErrValidation("invalid initiator_type").WithParam("initiator_type"))
		return
	}

	// Invalid prior session IDs are skipped, not rejected: journey links
	// are best-effort hints.
	var priorIDs []uuid.UUID
	for _, raw := range req.PriorSessionIDs {
		if id, err := uuid.Parse(raw); err == nil {
			priorIDs = append(priorIDs, id)
		}
	}

	record := &storage.SessionRecord{
		InitiatorType:     initiatorType,
		Initiator:         req.Initiator,
		ContentScope:      req.ContentScope,
		ManifestRef:       req.ManifestRef,
		AgentID:           req.AgentID,
		ExternalSessionID: req.ExternalSessionID,
		PriorSessionIDs:   priorIDs,
		UserContext:       req.UserContext,
	}
	if err := h.store.CreateSession(r.Context(), record); err != nil {
		h.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "session_id", record.ID.String())
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": record.ID.String(),
	})
}

type recordEventsRequest struct {
	SessionID string         `json:"session_id"`
	Events    []schema.Event `json:"events"`
}

// RecordEvents handles POST /events.
func (h *Handler) RecordEvents(w http.ResponseWriter, r *http.Request) {
	var req recordEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body"))
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid session_id").WithParam("session_id"))
		return
	}
	for i := range req.Events {
		if err := req.Events[i].Validate(); err != nil {
			h.writeError(w, r, domain.ErrValidation(err.Error()).WithParam("events"))
			return
		}
	}

	created, err := h.store.CreateEvents(r.Context(), sessionID, req.Events)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"status":         "ok",
		"events_created": created,
	})
}

type endSessionRequest struct {
	SessionID string                `json:"session_id"`
	Outcome   schema.SessionOutcome `json:"outcome"`
}

// EndSession handles POST /session/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body"))
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid session_id").WithParam("session_id"))
		return
	}
	if req.Outcome.Currency == "" {
		req.Outcome.Currency = "USD"
	}
	if err := req.Outcome.Validate(); err != nil {
		h.writeError(w, r, domain.ErrValidation(err.Error()).WithParam("outcome"))
		return
	}

	session, err := h.store.EndSession(r.Context(), sessionID, req.Outcome)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": session.ID.String(),
	})
}

// UploadSession handles POST /session/bulk: a complete session graph in
// one request. The server assigns a fresh canonical session ID and keeps
// the caller's ID as external_session_id.
func (h *Handler) UploadSession(w http.ResponseWriter, r *http.Request) {
	var session schema.Session
	if err := json.NewDecoder(r.Body).Decode(&session); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body"))
		return
	}
	if err := session.Validate(); err != nil {
		h.writeError(w, r, domain.ErrValidation(err.Error()))
		return
	}

	result, err := h.store.ImportSession(r.Context(), &session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "session_id", result.SessionID.String())
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":       result.SessionID.String(),
		"events_created":   result.EventsCreated,
		"outcome_recorded": result.OutcomeRecorded,
	})
}

// GetSession handles GET /internal/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid session id"))
		return
	}

	session, err := h.store.GetSessionWithEvents(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if session.Events == nil {
		session.Events = []storage.EventRecord{}
	}

	h.writeJSON(w, http.StatusOK, session)
}

// GetSessionByExternalID handles GET /internal/sessions/by-external-id/{externalID}.
func (h *Handler) GetSessionByExternalID(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	if externalID == "" {
		h.writeError(w, r, domain.ErrValidation("external id is required"))
		return
	}

	session, err := h.store.GetSessionByExternalID(r.Context(), externalID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, session)
}

// ListSessions handles GET /internal/sessions with filter query params.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	opts := storage.ListOptions{
		OutcomeType:  query.Get("outcome_type"),
		ContentScope: query.Get("content_scope"),
		Limit:        defaultListLimit,
	}

	if raw := query.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, domain.ErrValidation("invalid since timestamp").WithParam("since"))
			return
		}
		opts.Since = &t
	}
	if raw := query.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, domain.ErrValidation("invalid until timestamp").WithParam("until"))
			return
		}
		opts.Until = &t
	}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			h.writeError(w, r, domain.ErrValidation("limit must be between 1 and 1000").WithParam("limit"))
			return
		}
		opts.Limit = n
	}
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, domain.ErrValidation("offset must be non-negative").WithParam("offset"))
			return
		}
		opts.Offset = n
	}

	summaries, err := h.store.ListSessions(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []storage.SessionSummary{}
	}

	h.writeJSON(w, http.StatusOK, summaries)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.ErrServer("internal error")
		h.logger.Error("request failed", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(map[string]any{"error": apiErr})
}
