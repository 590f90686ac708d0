package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/poll"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/worker"
)

// handleTriggerProcessing enqueues a pending session into the worker pool.
// 202 accepted, 409 when the session is not pending or already queued,
// 503 when the queue is full.
func (s *server) handleTriggerProcessing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateSessionID(req.SessionID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("Session lookup failed")
		httpError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}
	if session.Status != store.StatusPending {
		httpError(w, http.StatusConflict, "session is not in pending state")
		return
	}

	switch err := s.pool.Enqueue(req.SessionID); {
	case errors.Is(err, worker.ErrAlreadyQueued):
		httpError(w, http.StatusConflict, "session already queued for processing")
		return
	case errors.Is(err, worker.ErrQueueFull):
		httpError(w, http.StatusServiceUnavailable, "processing queue is full, retry later")
		return
	case err != nil:
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("Enqueue failed")
		httpError(w, http.StatusInternalServerError, "failed to queue session")
		return
	}

	log.Info().Str("sessionId", req.SessionID).Msg("Session queued for processing")
	respondJSON(w, http.StatusAccepted, poll.TriggerResponse{
		SessionID: req.SessionID,
		Status:    "queued",
	})
}

// handleStatus returns the processing status projection for a session.
// Results appear only once the session is processed.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/status/")
	if err := validateSessionID(sessionID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Session lookup failed")
		httpError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}

	resp := poll.StatusResponse{
		SessionID: session.ID,
		Status:    session.Status,
		Progress:  session.Progress,
		Completed: session.Status == store.StatusProcessed,
		Failed:    session.Status == store.StatusFailed,
		Error:     session.ErrorMessage,
	}
	if resp.Completed {
		resp.Results = session.Analysis
	}
	respondJSON(w, http.StatusOK, resp)
}
