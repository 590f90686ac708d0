package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/blob"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/notes"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/transcribe"
)

// fakeTranscriber scripts the external transcription API.
type fakeTranscriber struct {
	submitErr error
	waitErr   error
	resultErr error
	progress  []int
	segments  []transcribe.Segment
}

func (f *fakeTranscriber) SubmitFile(ctx context.Context, path string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeTranscriber) WaitForJob(ctx context.Context, jobID string, onProgress func(int)) error {
	if f.waitErr != nil {
		return f.waitErr
	}
	for _, p := range f.progress {
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

func (f *fakeTranscriber) Result(ctx context.Context, jobID string) ([]transcribe.Segment, error) {
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	return f.segments, nil
}

// fakeAnalyzer scripts the clinical note extraction.
type fakeAnalyzer struct {
	notesErr      error
	breakErr      error
	notes         *notes.ClinicalNotes
	breakthroughs []store.Breakthrough
}

func (f *fakeAnalyzer) ExtractNotes(ctx context.Context, segments []store.TranscriptSegment) (*notes.ClinicalNotes, error) {
	if f.notesErr != nil {
		return nil, f.notesErr
	}
	return f.notes, nil
}

func (f *fakeAnalyzer) DetectBreakthroughs(ctx context.Context, segments []store.TranscriptSegment) ([]store.Breakthrough, error) {
	if f.breakErr != nil {
		return nil, f.breakErr
	}
	return f.breakthroughs, nil
}

var testSegments = []transcribe.Segment{
	{Speaker: "Therapist", Start: 0, End: 3.5, Text: "How are you feeling today?"},
	{Speaker: "Patient", Start: 4, End: 10.2, Text: "Better, actually. I slept through the night."},
}

var testNotes = &notes.ClinicalNotes{
	Summary: "Patient reports improved sleep.",
	Mood:    "calm",
	Topics:  []string{"sleep"},
}

// testEnv wires a Processor over an in-memory store and local audio files
// with a pending session already uploaded.
func testEnv(t *testing.T, transcriber Transcriber, analyzer NotesExtractor) (*Processor, *store.SQLiteStore) {
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
	if err := audio.Put(context.Background(), "sessions/s1/audio.wav", strings.NewReader("RIFF"), "audio/wav"); err != nil {
		t.Fatalf("Put audio: %v", err)
	}

	session := &store.Session{
		ID:          "s1",
		PatientID:   "p1",
		TherapistID: "t1",
		AudioKey:    "sessions/s1/audio.wav",
		Status:      store.StatusPending,
	}
	if err := s.PutSession(context.Background(), session); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	return NewProcessor(s, audio, transcriber, analyzer), s
}

func TestProcessSuccess(t *testing.T) {
	transcriber := &fakeTranscriber{progress: []int{30, 70, 100}, segments: testSegments}
	analyzer := &fakeAnalyzer{
		notes: testNotes,
		breakthroughs: []store.Breakthrough{
			{Quote: "I slept through the night.", Significance: "sleep milestone", Confidence: 0.7},
		},
	}
	p, s := testEnv(t, transcriber, analyzer)

	if err := p.Process(context.Background(), "s1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	session, _ := s.GetSession(context.Background(), "s1")
	if session.Status != store.StatusProcessed {
		t.Errorf("status = %q, want processed", session.Status)
	}
	if session.Progress != 100 {
		t.Errorf("progress = %d, want 100", session.Progress)
	}
	if session.Analysis == nil || session.Analysis.Summary != testNotes.Summary {
		t.Errorf("analysis = %+v", session.Analysis)
	}
	if len(session.Analysis.Breakthroughs) != 1 {
		t.Errorf("breakthroughs = %+v", session.Analysis.Breakthroughs)
	}

	transcript, _ := s.GetTranscript(context.Background(), "s1")
	if len(transcript) != 2 || transcript[1].Speaker != "Patient" {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestProcessExternalJobFailure(t *testing.T) {
	transcriber := &fakeTranscriber{waitErr: transcribe.ErrJobFailed}
	p, s := testEnv(t, transcriber, &fakeAnalyzer{notes: testNotes})

	err := p.Process(context.Background(), "s1")
	if !errors.Is(err, transcribe.ErrJobFailed) {
		t.Fatalf("got %v, want wrapped ErrJobFailed", err)
	}

	session, _ := s.GetSession(context.Background(), "s1")
	if session.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", session.Status)
	}
	if !strings.HasPrefix(session.ErrorMessage, "transcription:") {
		t.Errorf("errorMessage = %q, want transcription: prefix", session.ErrorMessage)
	}
}

func TestProcessJobTimeout(t *testing.T) {
	transcriber := &fakeTranscriber{waitErr: transcribe.ErrJobTimeout}
	p, s := testEnv(t, transcriber, &fakeAnalyzer{notes: testNotes})

	if err := p.Process(context.Background(), "s1"); !errors.Is(err, transcribe.ErrJobTimeout) {
		t.Fatalf("got %v, want wrapped ErrJobTimeout", err)
	}

	session, _ := s.GetSession(context.Background(), "s1")
	if session.Status != store.StatusFailed || !strings.HasPrefix(session.ErrorMessage, "transcription:") {
		t.Errorf("session = %q/%q", session.Status, session.ErrorMessage)
	}
}

func TestProcessDownloadFailure(t *testing.T) {
	p, s := testEnv(t, &fakeTranscriber{}, &fakeAnalyzer{notes: testNotes})

	// Point the session at an object that does not exist.
	session, _ := s.GetSession(context.Background(), "s1")
	session.AudioKey = "sessions/s1/missing.wav"
	if err := s.PutSession(context.Background(), session); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	if err := p.Process(context.Background(), "s1"); err == nil {
		t.Fatal("expected error")
	}

	got, _ := s.GetSession(context.Background(), "s1")
	if got.Status != store.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "download:") {
		t.Errorf("session = %q/%q", got.Status, got.ErrorMessage)
	}
}

func TestProcessAnalysisFailureKeepsTranscript(t *testing.T) {
	transcriber := &fakeTranscriber{segments: testSegments}
	analyzer := &fakeAnalyzer{notesErr: errors.New("model unavailable")}
	p, s := testEnv(t, transcriber, analyzer)

	if err := p.Process(context.Background(), "s1"); err == nil {
		t.Fatal("expected error")
	}

	session, _ := s.GetSession(context.Background(), "s1")
	if session.Status != store.StatusFailed || !strings.HasPrefix(session.ErrorMessage, "analysis:") {
		t.Errorf("session = %q/%q", session.Status, session.ErrorMessage)
	}

	// The transcript survives an analysis failure.
	transcript, _ := s.GetTranscript(context.Background(), "s1")
	if len(transcript) != 2 {
		t.Errorf("transcript lost on analysis failure: %+v", transcript)
	}
}

func TestProcessBreakthroughFailureTolerated(t *testing.T) {
	transcriber := &fakeTranscriber{segments: testSegments}
	analyzer := &fakeAnalyzer{notes: testNotes, breakErr: errors.New("model unavailable")}
	p, s := testEnv(t, transcriber, analyzer)

	if err := p.Process(context.Background(), "s1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	session, _ := s.GetSession(context.Background(), "s1")
	if session.Status != store.StatusProcessed {
		t.Errorf("status = %q, want processed despite breakthrough failure", session.Status)
	}
	if len(session.Analysis.Breakthroughs) != 0 {
		t.Errorf("breakthroughs = %+v, want none", session.Analysis.Breakthroughs)
	}
}

func TestProcessSkipsNonPending(t *testing.T) {
	p, s := testEnv(t, &fakeTranscriber{segments: testSegments}, &fakeAnalyzer{notes: testNotes})

	if err := s.MarkFailed(context.Background(), "s1", "download: gone"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := p.Process(context.Background(), "s1"); err != nil {
		t.Fatalf("Process on terminal session: %v", err)
	}

	session, _ := s.GetSession(context.Background(), "s1")
	if session.Status != store.StatusFailed || session.ErrorMessage != "download: gone" {
		t.Errorf("terminal session mutated: %q/%q", session.Status, session.ErrorMessage)
	}
}

func TestProcessProgressMapping(t *testing.T) {
	transcriber := &fakeTranscriber{progress: []int{50}, segments: testSegments}
	// Analysis fails so the session freezes with the last mapped progress
	// visible through the failure record.
	analyzer := &fakeAnalyzer{notesErr: errors.New("boom")}
	p, s := testEnv(t, transcriber, analyzer)

	p.Process(context.Background(), "s1")

	session, _ := s.GetSession(context.Background(), "s1")
	// Provider 50% maps to 20 + 50*60/100 = 50, then the transcript
	// milestone lifts it to 85 before analysis runs.
	if session.Progress != 85 {
		t.Errorf("progress = %d, want 85", session.Progress)
	}
}

func TestPoolEnqueueDeduplicates(t *testing.T) {
	pool := NewPool(nil, 1, 4)

	if err := pool.Enqueue("s1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := pool.Enqueue("s1"); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("duplicate enqueue: got %v, want ErrAlreadyQueued", err)
	}
	if err := pool.Enqueue("s2"); err != nil {
		t.Errorf("Enqueue(s2): %v", err)
	}
}

func TestPoolEnqueueQueueFull(t *testing.T) {
	pool := NewPool(nil, 1, 2)

	for _, id := range []string{"a", "b"} {
		if err := pool.Enqueue(id); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if err := pool.Enqueue("c"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("got %v, want ErrQueueFull", err)
	}
}

func TestPoolProcessesEnqueuedSession(t *testing.T) {
	transcriber := &fakeTranscriber{segments: testSegments}
	p, s := testEnv(t, transcriber, &fakeAnalyzer{notes: testNotes})

	pool := NewPool(p, 2, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if err := pool.Enqueue("s1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := s.GetSession(context.Background(), "s1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if store.IsTerminal(session.Status) {
			if session.Status != store.StatusProcessed {
				t.Fatalf("session failed: %s", session.ErrorMessage)
			}
			pool.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal state")
}
