// Package poll provides the Go client for the TherapyBridge processing API:
// upload a session recording, trigger processing, and watch the session
// status until it reaches a terminal state. The Watcher polls at a fixed
// interval and never stacks requests: a tick that fires while a request is
// still outstanding is skipped.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
)

const defaultTimeout = 2 * time.Minute

// Trigger outcomes the server distinguishes with status codes.
var (
	// ErrNotPending means the session was already triggered or finished (409).
	ErrNotPending = errors.New("poll: session not in pending state")

	// ErrServerBusy means the processing queue is full (503).
	ErrServerBusy = errors.New("poll: processing queue full, retry later")
)

// UploadResponse is the body of POST /api/upload.
type UploadResponse struct {
	SessionID string `json:"session_id"`
	FileURL   string `json:"file_url"`
}

// TriggerResponse is the body of POST /api/trigger-processing.
type TriggerResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// StatusResponse is the body of GET /api/status/{session_id}. Results is
// populated only when the session processed successfully.
type StatusResponse struct {
	SessionID string          `json:"session_id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Completed bool            `json:"completed"`
	Failed    bool            `json:"failed"`
	Error     string          `json:"error,omitempty"`
	Results   *store.Analysis `json:"results,omitempty"`
}

// TranscriptResponse is the body of GET /api/transcript/{session_id}.
type TranscriptResponse struct {
	SessionID string                    `json:"session_id"`
	Segments  []store.TranscriptSegment `json:"segments"`
}

// AudioURLResponse is the body of GET /api/audio-url/{session_id}.
type AudioURLResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// SessionListResponse is the body of GET /api/sessions.
type SessionListResponse struct {
	PatientID string                  `json:"patient_id"`
	Sessions  []*store.SessionSummary `json:"sessions"`
}

// ErrorResponse is the body of any non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client calls the TherapyBridge processing API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the service at baseURL (no trailing
// slash).
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
	}
}

// UploadSession uploads the audio file at path for the given patient and
// therapist, returning the created session.
func (c *Client) UploadSession(ctx context.Context, path, patientID, therapistID string) (*UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio: %w", err)
	}
	writer.WriteField("patient_id", patientID)
	writer.WriteField("therapist_id", therapistID)
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	var result UploadResponse
	if err := decodeAPIResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	log.Debug().Str("sessionId", result.SessionID).Msg("Session uploaded")
	return &result, nil
}

// TriggerProcessing asks the server to start processing a session. Maps 409
// to ErrNotPending and 503 to ErrServerBusy.
func (c *Client) TriggerProcessing(ctx context.Context, sessionID string) error {
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/trigger-processing", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger processing: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict:
		return ErrNotPending
	case http.StatusServiceUnavailable:
		return ErrServerBusy
	}

	var result TriggerResponse
	if err := decodeAPIResponse(resp, &result); err != nil {
		return fmt.Errorf("trigger processing: %w", err)
	}
	return nil
}

// Status fetches the processing status of a session.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/status/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	var result StatusResponse
	if err := decodeAPIResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &result, nil
}

// decodeAPIResponse parses an API JSON body, surfacing the server's error
// message on non-2xx responses.
func decodeAPIResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
