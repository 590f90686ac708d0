package main

import (
	"net/http"
	"time"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/blob"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/worker"
)

// presignExpiry is the lifetime of playback URLs from /api/audio-url.
const presignExpiry = 15 * time.Minute

// server carries the handler dependencies. Everything is injected so tests
// can run the full HTTP surface against in-memory backends.
type server struct {
	store store.SessionStore
	audio blob.AudioStore
	pool  *worker.Pool
}

func newServer(s store.SessionStore, audio blob.AudioStore, pool *worker.Pool) *server {
	return &server{store: s, audio: audio, pool: pool}
}

// routes builds the API mux.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/trigger-processing", s.handleTriggerProcessing)
	mux.HandleFunc("/api/status/", s.handleStatus)
	mux.HandleFunc("/api/sessions", s.handleListSessions)
	mux.HandleFunc("/api/transcript/", s.handleTranscript)
	mux.HandleFunc("/api/audio-url/", s.handleAudioURL)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
