package main

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/poll"
)

// handleListSessions returns the patient-dashboard projection of a
// patient's sessions, newest first.
func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	patientID := r.URL.Query().Get("patientId")
	if err := validateActorID("patientId", patientID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.store.ListPatientSessions(r.Context(), patientID)
	if err != nil {
		log.Error().Err(err).Str("patientId", patientID).Msg("Session listing failed")
		httpError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	respondJSON(w, http.StatusOK, poll.SessionListResponse{
		PatientID: patientID,
		Sessions:  sessions,
	})
}

// handleTranscript returns the diarized transcript once stored. The
// transcript is available even when analysis later failed.
func (s *server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/transcript/")
	if err := validateSessionID(sessionID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	segments, err := s.store.GetTranscript(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Transcript lookup failed")
		httpError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	if segments == nil {
		httpError(w, http.StatusNotFound, "transcript not available")
		return
	}

	respondJSON(w, http.StatusOK, poll.TranscriptResponse{
		SessionID: sessionID,
		Segments:  segments,
	})
}

// handleAudioURL returns a time-limited playback URL for a session's audio.
func (s *server) handleAudioURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/audio-url/")
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

	url, err := s.audio.PresignGet(r.Context(), session.AudioKey, presignExpiry)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Presign failed")
		httpError(w, http.StatusInternalServerError, "failed to generate audio URL")
		return
	}

	respondJSON(w, http.StatusOK, poll.AudioURLResponse{
		SessionID: sessionID,
		URL:       url,
		ExpiresIn: int(presignExpiry.Seconds()),
	})
}
