package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/blob"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/notes"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/poll"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/transcribe"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/worker"
)

// --- Pipeline fakes ---

type fakeTranscriber struct {
	segments []transcribe.Segment
	waitErr  error
}

func (f *fakeTranscriber) SubmitFile(ctx context.Context, path string) (string, error) {
	return "job-1", nil
}

func (f *fakeTranscriber) WaitForJob(ctx context.Context, jobID string, onProgress func(int)) error {
	if f.waitErr != nil {
		return f.waitErr
	}
	if onProgress != nil {
		onProgress(50)
		onProgress(100)
	}
	return nil
}

func (f *fakeTranscriber) Result(ctx context.Context, jobID string) ([]transcribe.Segment, error) {
	return f.segments, nil
}

type fakeAnalyzer struct {
	notes *notes.ClinicalNotes
}

func (f *fakeAnalyzer) ExtractNotes(ctx context.Context, segments []store.TranscriptSegment) (*notes.ClinicalNotes, error) {
	return f.notes, nil
}

func (f *fakeAnalyzer) DetectBreakthroughs(ctx context.Context, segments []store.TranscriptSegment) ([]store.Breakthrough, error) {
	return nil, nil
}

// --- Test environment ---

type testEnv struct {
	server *httptest.Server
	store  *store.SQLiteStore
	audio  *blob.LocalStore
	pool   *worker.Pool
}

func newTestEnv(t *testing.T, transcriber worker.Transcriber, analyzer worker.NotesExtractor) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	audio, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	processor := worker.NewProcessor(s, audio, transcriber, analyzer)
	pool := worker.NewPool(processor, 2, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	server := httptest.NewServer(newServer(s, audio, pool).routes())
	t.Cleanup(server.Close)

	return &testEnv{server: server, store: s, audio: audio, pool: pool}
}

func defaultTestEnv(t *testing.T) *testEnv {
	t.Helper()
	transcriber := &fakeTranscriber{segments: []transcribe.Segment{
		{Speaker: "Therapist", Start: 0, End: 1, Text: "Hello."},
		{Speaker: "Patient", Start: 1, End: 2, Text: "Hi."},
	}}
	analyzer := &fakeAnalyzer{notes: &notes.ClinicalNotes{
		Summary: "Short greeting exchange.",
		Mood:    "neutral",
	}}
	return newTestEnv(t, transcriber, analyzer)
}

// writeWAV produces a valid PCM WAV file with the given duration of silence.
func writeWAV(t *testing.T, duration time.Duration) string {
	t.Helper()

	const (
		sampleRate    = 8000
		bytesPerFrame = 2 // 16-bit mono
	)
	dataLen := int(duration.Seconds() * sampleRate * bytesPerFrame)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*bytesPerFrame))
	binary.Write(&buf, binary.LittleEndian, uint16(bytesPerFrame))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(make([]byte, dataLen))

	path := filepath.Join(t.TempDir(), "session.wav")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write WAV: %v", err)
	}
	return path
}

// uploadMultipart posts a multipart upload and returns the response.
func uploadMultipart(t *testing.T, url, filename, contentType string, fields map[string]string, payload []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	if filename != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename)}
		h["Content-Type"] = []string{contentType}
		part, err := writer.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(payload)
	}
	writer.Close()

	resp, err := http.Post(url+"/api/upload", writer.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /api/upload: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// --- Upload ---

func TestUploadCreatesPendingSession(t *testing.T) {
	env := defaultTestEnv(t)

	resp := uploadMultipart(t, env.server.URL, "session.wav", "audio/wav",
		map[string]string{"patient_id": "p1", "therapist_id": "t1"}, []byte("RIFF"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	result := decodeBody[poll.UploadResponse](t, resp)
	if result.SessionID == "" {
		t.Fatal("no session_id in response")
	}

	session, err := env.store.GetSession(context.Background(), result.SessionID)
	if err != nil || session == nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if session.Status != store.StatusPending || session.Progress != 0 {
		t.Errorf("session = %q/%d, want pending/0", session.Status, session.Progress)
	}
	if !strings.HasPrefix(session.AudioKey, "sessions/"+result.SessionID+"/") {
		t.Errorf("audioKey = %q", session.AudioKey)
	}
}

func TestUploadValidationFailures(t *testing.T) {
	env := defaultTestEnv(t)

	tests := []struct {
		name        string
		filename    string
		contentType string
		fields      map[string]string
	}{
		{"missing patient", "a.wav", "audio/wav", map[string]string{"therapist_id": "t1"}},
		{"missing therapist", "a.wav", "audio/wav", map[string]string{"patient_id": "p1"}},
		{"missing file", "", "", map[string]string{"patient_id": "p1", "therapist_id": "t1"}},
		{"bad content type", "a.pdf", "application/pdf", map[string]string{"patient_id": "p1", "therapist_id": "t1"}},
		{"bad filename characters", "bad|name.wav", "audio/wav", map[string]string{"patient_id": "p1", "therapist_id": "t1"}},
		{"bad patient id", "a.wav", "audio/wav", map[string]string{"patient_id": "p 1!", "therapist_id": "t1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := uploadMultipart(t, env.server.URL, tc.filename, tc.contentType, tc.fields, []byte("x"))
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	// No session records leak from rejected uploads.
	sessions, err := env.store.ListPatientSessions(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListPatientSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("rejected uploads created %d sessions", len(sessions))
	}
}

// --- Trigger ---

func triggerJSON(t *testing.T, url, sessionID string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"session_id": sessionID})
	resp, err := http.Post(url+"/api/trigger-processing", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/trigger-processing: %v", err)
	}
	return resp
}

func TestTriggerUnknownAndInvalidSession(t *testing.T) {
	env := defaultTestEnv(t)

	resp := triggerJSON(t, env.server.URL, "a1b2c3d4-e5f6-4890-abcd-ef1234567890")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", resp.StatusCode)
	}

	resp = triggerJSON(t, env.server.URL, "not-a-uuid")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id: status = %d, want 400", resp.StatusCode)
	}
}

func TestTriggerConflictOnNonPending(t *testing.T) {
	env := defaultTestEnv(t)

	resp := uploadMultipart(t, env.server.URL, "a.wav", "audio/wav",
		map[string]string{"patient_id": "p1", "therapist_id": "t1"}, []byte("RIFF"))
	sessionID := decodeBody[poll.UploadResponse](t, resp).SessionID

	if err := env.store.MarkFailed(context.Background(), sessionID, "download: gone"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	trig := triggerJSON(t, env.server.URL, sessionID)
	trig.Body.Close()
	if trig.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", trig.StatusCode)
	}
}

// --- Status ---

func TestStatusUnknownSession(t *testing.T) {
	env := defaultTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/status/a1b2c3d4-e5f6-4890-abcd-ef1234567890")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatusProjectionHidesResultsUntilProcessed(t *testing.T) {
	env := defaultTestEnv(t)

	resp := uploadMultipart(t, env.server.URL, "a.wav", "audio/wav",
		map[string]string{"patient_id": "p1", "therapist_id": "t1"}, []byte("RIFF"))
	sessionID := decodeBody[poll.UploadResponse](t, resp).SessionID

	get := func() poll.StatusResponse {
		r, err := http.Get(env.server.URL + "/api/status/" + sessionID)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		return decodeBody[poll.StatusResponse](t, r)
	}

	status := get()
	if status.Status != store.StatusPending || status.Completed || status.Failed || status.Results != nil {
		t.Errorf("pending projection = %+v", status)
	}

	if err := env.store.MarkProcessed(context.Background(), sessionID, &store.Analysis{Summary: "done"}); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	status = get()
	if !status.Completed || status.Progress != 100 || status.Results == nil || status.Results.Summary != "done" {
		t.Errorf("processed projection = %+v", status)
	}
}

func TestStatusReportsFailure(t *testing.T) {
	env := defaultTestEnv(t)

	resp := uploadMultipart(t, env.server.URL, "a.wav", "audio/wav",
		map[string]string{"patient_id": "p1", "therapist_id": "t1"}, []byte("RIFF"))
	sessionID := decodeBody[poll.UploadResponse](t, resp).SessionID

	if err := env.store.MarkFailed(context.Background(), sessionID, "transcription: job failed"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	r, _ := http.Get(env.server.URL + "/api/status/" + sessionID)
	status := decodeBody[poll.StatusResponse](t, r)
	if !status.Failed || status.Error != "transcription: job failed" || status.Results != nil {
		t.Errorf("failed projection = %+v", status)
	}
}

// --- Supplementary endpoints ---

func TestTranscriptEndpoint(t *testing.T) {
	env := defaultTestEnv(t)

	resp := uploadMultipart(t, env.server.URL, "a.wav", "audio/wav",
		map[string]string{"patient_id": "p1", "therapist_id": "t1"}, []byte("RIFF"))
	sessionID := decodeBody[poll.UploadResponse](t, resp).SessionID

	r, _ := http.Get(env.server.URL + "/api/transcript/" + sessionID)
	r.Body.Close()
	if r.StatusCode != http.StatusNotFound {
		t.Errorf("before transcript: status = %d, want 404", r.StatusCode)
	}

	segments := []store.TranscriptSegment{{Speaker: "Patient", Start: 0, End: 2, Text: "Hello."}}
	if err := env.store.PutTranscript(context.Background(), sessionID, segments); err != nil {
		t.Fatalf("PutTranscript: %v", err)
	}

	r, err := http.Get(env.server.URL + "/api/transcript/" + sessionID)
	if err != nil {
		t.Fatalf("GET transcript: %v", err)
	}
	transcript := decodeBody[poll.TranscriptResponse](t, r)
	if len(transcript.Segments) != 1 || transcript.Segments[0].Text != "Hello." {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestAudioURLEndpoint(t *testing.T) {
	env := defaultTestEnv(t)

	resp := uploadMultipart(t, env.server.URL, "a.wav", "audio/wav",
		map[string]string{"patient_id": "p1", "therapist_id": "t1"}, []byte("RIFF"))
	sessionID := decodeBody[poll.UploadResponse](t, resp).SessionID

	r, err := http.Get(env.server.URL + "/api/audio-url/" + sessionID)
	if err != nil {
		t.Fatalf("GET audio-url: %v", err)
	}
	result := decodeBody[poll.AudioURLResponse](t, r)
	if result.URL == "" || result.ExpiresIn <= 0 {
		t.Errorf("audio url = %+v", result)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	env := defaultTestEnv(t)

	for i := 0; i < 2; i++ {
		resp := uploadMultipart(t, env.server.URL, fmt.Sprintf("s%d.wav", i), "audio/wav",
			map[string]string{"patient_id": "p1", "therapist_id": "t1"}, []byte("RIFF"))
		resp.Body.Close()
	}

	r, err := http.Get(env.server.URL + "/api/sessions?patientId=p1")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	list := decodeBody[poll.SessionListResponse](t, r)
	if len(list.Sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(list.Sessions))
	}

	r, _ = http.Get(env.server.URL + "/api/sessions")
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("missing patientId: status = %d, want 400", r.StatusCode)
	}
}

// --- End to end ---

// TestEndToEndProcessing drives the full client path: upload a 2-second
// synthetic WAV, trigger processing, and poll until the session completes
// with a transcript and clinical notes.
func TestEndToEndProcessing(t *testing.T) {
	env := defaultTestEnv(t)
	client := poll.NewClient(env.server.URL)
	ctx := context.Background()

	uploaded, err := client.UploadSession(ctx, writeWAV(t, 2*time.Second), "p1", "t1")
	if err != nil {
		t.Fatalf("UploadSession: %v", err)
	}

	if err := client.TriggerProcessing(ctx, uploaded.SessionID); err != nil {
		t.Fatalf("TriggerProcessing: %v", err)
	}

	// Duplicate triggers race the pool: whichever side wins, the second
	// call must be rejected, never double-processed.
	if err := client.TriggerProcessing(ctx, uploaded.SessionID); err == nil {
		t.Error("duplicate trigger succeeded, want conflict")
	}

	watcher := poll.NewWatcher(client)
	watcher.Interval = 10 * time.Millisecond
	watcher.Timeout = 10 * time.Second

	var observed []int
	final, err := watcher.Wait(ctx, uploaded.SessionID, func(s *poll.StatusResponse) {
		observed = append(observed, s.Progress)
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !final.Completed || final.Progress != 100 {
		t.Fatalf("final = %+v", final)
	}
	if final.Results == nil || final.Results.Summary != "Short greeting exchange." {
		t.Errorf("results = %+v", final.Results)
	}
	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Errorf("observed progress regressed: %v", observed)
		}
	}

	transcript, err := io.ReadAll(mustGet(t, env.server.URL+"/api/transcript/"+uploaded.SessionID).Body)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(transcript), "Therapist") {
		t.Errorf("transcript body = %s", transcript)
	}
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
