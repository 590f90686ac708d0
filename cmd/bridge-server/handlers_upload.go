package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/poll"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
)

// handleUpload accepts a multipart session recording, stores the audio
// blob, and creates the session record in state pending. Validation
// failures are 400s that leave no session record and no blob behind.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	patientID := r.FormValue("patient_id")
	therapistID := r.FormValue("therapist_id")
	if err := validateActorID("patient_id", patientID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateActorID("therapist_id", therapistID); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		httpError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if err := validateAudioUpload(header.Filename, contentType); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := uuid.NewString()
	audioKey := fmt.Sprintf("sessions/%s/%s", sessionID, header.Filename)

	if err := s.audio.Put(r.Context(), audioKey, file, contentType); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Audio upload failed")
		httpError(w, http.StatusInternalServerError, "failed to store audio")
		return
	}

	session := &store.Session{
		ID:          sessionID,
		PatientID:   patientID,
		TherapistID: therapistID,
		AudioKey:    audioKey,
		Status:      store.StatusPending,
	}
	if err := s.store.PutSession(r.Context(), session); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Session record creation failed")
		httpError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	fileURL, err := s.audio.PresignGet(r.Context(), audioKey, presignExpiry)
	if err != nil {
		// The session exists; a missing playback URL is not fatal.
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Presign failed for upload response")
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("patientId", patientID).
		Int64("sizeBytes", header.Size).
		Msg("Session uploaded")

	respondJSON(w, http.StatusCreated, poll.UploadResponse{
		SessionID: sessionID,
		FileURL:   fileURL,
	})
}
