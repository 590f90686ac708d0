// Package store provides persistent state for therapy session processing.
// A session row is created by the upload handler in state pending, mutated
// only by the processing worker, and read-only once it reaches a terminal
// state (processed or failed).
//
// Two implementations are provided: DynamoStore, a single-table DynamoDB
// design where all records for a session share a partition key
// (SESSION#{sessionId}) with sort keys distinguishing record types (META,
// TRANSCRIPT) and a per-patient index partition (PATIENT#{patientId}); and
// SQLiteStore for local development and tests.
package store

import (
	"context"
	"errors"
)

// Session status values. Transitions are one-directional:
// pending -> processing -> processed, with failed reachable from any
// non-terminal state. Terminal states never transition again.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether status is a terminal session state.
func IsTerminal(status string) bool {
	return status == StatusProcessed || status == StatusFailed
}

// ErrConflict is returned when a write would violate the session lifecycle:
// moving progress backwards, or mutating a session already in a terminal
// state. Callers treat it as a lost race, not a storage failure.
var ErrConflict = errors.New("store: conflicting session update")

// SessionStore defines the persistence interface for session processing state.
// Each method is safe for concurrent use. All Get methods return (nil, nil)
// when the requested record does not exist.
//
// The store enforces the progress invariant: SetProgress, MarkProcessed, and
// MarkFailed reject updates that would move progress backwards or mutate a
// terminal session, returning ErrConflict.
type SessionStore interface {
	// PutSession creates a session metadata record and its patient index entry.
	PutSession(ctx context.Context, session *Session) error

	// GetSession retrieves session metadata by ID. Returns nil, nil if not found.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// SetProgress advances a session to the given status and progress.
	// Returns ErrConflict if the session is terminal or progress would decrease.
	SetProgress(ctx context.Context, sessionID, status string, progress int) error

	// MarkProcessed moves a session to the processed terminal state with
	// progress 100, recording the analysis results and processing timestamp.
	MarkProcessed(ctx context.Context, sessionID string, analysis *Analysis) error

	// MarkFailed moves a session to the failed terminal state with a
	// human-readable error message. Progress is left at its last value.
	MarkFailed(ctx context.Context, sessionID, errMsg string) error

	// PutTranscript stores the diarized transcript for a session.
	PutTranscript(ctx context.Context, sessionID string, segments []TranscriptSegment) error

	// GetTranscript retrieves a session's transcript. Returns nil, nil if none stored.
	GetTranscript(ctx context.Context, sessionID string) ([]TranscriptSegment, error)

	// ListPatientSessions returns summaries of a patient's sessions, newest first.
	ListPatientSessions(ctx context.Context, patientID string) ([]*SessionSummary, error)
}

// --- Domain types ---
//
// Each type maps to a storage record. The ID field is derived from the
// partition key on read and excluded from DynamoDB attributes on write
// (via dynamodbav:"-").

// Session is the unit of work: one uploaded recording and its derived state.
type Session struct {
	ID           string    `json:"id" dynamodbav:"-"`
	PatientID    string    `json:"patientId" dynamodbav:"patientId"`
	TherapistID  string    `json:"therapistId" dynamodbav:"therapistId"`
	AudioKey     string    `json:"audioKey" dynamodbav:"audioKey"`
	Status       string    `json:"status" dynamodbav:"status"`
	Progress     int       `json:"progress" dynamodbav:"progress"`
	ErrorMessage string    `json:"errorMessage,omitempty" dynamodbav:"errorMessage,omitempty"`
	Analysis     *Analysis `json:"analysis,omitempty" dynamodbav:"analysis,omitempty"`
	CreatedAt    int64     `json:"createdAt" dynamodbav:"createdAt"`
	ProcessedAt  int64     `json:"processedAt,omitempty" dynamodbav:"processedAt,omitempty"`
}

// TranscriptSegment is one speaker-tagged span of the diarized transcript.
type TranscriptSegment struct {
	Speaker string  `json:"speaker" dynamodbav:"speaker"`
	Start   float64 `json:"start" dynamodbav:"start"`
	End     float64 `json:"end" dynamodbav:"end"`
	Text    string  `json:"text" dynamodbav:"text"`
}

// Analysis holds the clinical note fields extracted from a transcript.
type Analysis struct {
	Summary       string         `json:"summary" dynamodbav:"summary"`
	Mood          string         `json:"mood" dynamodbav:"mood"`
	Topics        []string       `json:"topics,omitempty" dynamodbav:"topics,omitempty"`
	KeyInsights   []string       `json:"keyInsights,omitempty" dynamodbav:"keyInsights,omitempty"`
	ActionItems   []string       `json:"actionItems,omitempty" dynamodbav:"actionItems,omitempty"`
	Breakthroughs []Breakthrough `json:"breakthroughs,omitempty" dynamodbav:"breakthroughs,omitempty"`
}

// Breakthrough is a transcript moment flagged as clinically significant.
type Breakthrough struct {
	Quote        string  `json:"quote" dynamodbav:"quote"`
	Significance string  `json:"significance" dynamodbav:"significance"`
	Confidence   float64 `json:"confidence" dynamodbav:"confidence"`
}

// SessionSummary is the patient-dashboard projection of a session.
type SessionSummary struct {
	SessionID   string `json:"sessionId" dynamodbav:"sessionId"`
	Status      string `json:"status" dynamodbav:"status"`
	Progress    int    `json:"progress" dynamodbav:"progress"`
	Summary     string `json:"summary,omitempty" dynamodbav:"summary,omitempty"`
	CreatedAt   int64  `json:"createdAt" dynamodbav:"createdAt"`
	ProcessedAt int64  `json:"processedAt,omitempty" dynamodbav:"processedAt,omitempty"`
}
