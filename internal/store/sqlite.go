package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// schema is applied at open. Analysis and transcript payloads are stored as
// JSON text: they are written once and read whole, never queried by field.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	therapist_id  TEXT NOT NULL,
	audio_key     TEXT NOT NULL,
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	analysis_json TEXT,
	created_at    INTEGER NOT NULL,
	processed_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_patient ON sessions(patient_id, created_at DESC);

CREATE TABLE IF NOT EXISTS transcripts (
	session_id    TEXT PRIMARY KEY REFERENCES sessions(id),
	segments_json TEXT NOT NULL
);
`

// SQLiteStore implements SessionStore on a local SQLite database.
// It backs local development and tests; production deployments use DynamoStore.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ SessionStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// applies the schema. The path can be ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// worker and handler writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("SQLite session store opened")
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutSession(ctx context.Context, session *Session) error {
	if session.CreatedAt == 0 {
		session.CreatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, patient_id, therapist_id, audio_key, status, progress, error_message, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.PatientID, session.TherapistID, session.AudioKey,
		session.Status, session.Progress, session.ErrorMessage,
		session.CreatedAt, session.ProcessedAt)
	if err != nil {
		return fmt.Errorf("put session %s: %w", session.ID, err)
	}

	log.Debug().
		Str("sessionId", session.ID).
		Str("patientId", session.PatientID).
		Str("status", session.Status).
		Msg("Session persisted to SQLite")
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, therapist_id, audio_key, status, progress,
		       error_message, analysis_json, created_at, processed_at
		FROM sessions WHERE id = ?`, sessionID)

	var session Session
	var analysisJSON sql.NullString
	err := row.Scan(&session.ID, &session.PatientID, &session.TherapistID,
		&session.AudioKey, &session.Status, &session.Progress,
		&session.ErrorMessage, &analysisJSON, &session.CreatedAt, &session.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	if analysisJSON.Valid && analysisJSON.String != "" {
		var analysis Analysis
		if err := json.Unmarshal([]byte(analysisJSON.String), &analysis); err != nil {
			return nil, fmt.Errorf("decode analysis for %s: %w", sessionID, err)
		}
		session.Analysis = &analysis
	}
	return &session, nil
}

// guardedUpdate runs an UPDATE that carries the lifecycle guard in its WHERE
// clause and maps zero affected rows to ErrConflict.
func (s *SQLiteStore) guardedUpdate(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) SetProgress(ctx context.Context, sessionID, status string, progress int) error {
	err := s.guardedUpdate(ctx,
		fmt.Sprintf("set progress %s -> %s/%d", sessionID, status, progress), `
		UPDATE sessions SET status = ?, progress = ?
		WHERE id = ? AND status IN (?, ?) AND progress <= ?`,
		status, progress, sessionID, StatusPending, StatusProcessing, progress)
	if err != nil {
		return err
	}

	log.Debug().Str("sessionId", sessionID).Str("status", status).Int("progress", progress).Msg("Session progress updated")
	return nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, sessionID string, analysis *Analysis) error {
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis for %s: %w", sessionID, err)
	}

	err = s.guardedUpdate(ctx, fmt.Sprintf("mark processed %s", sessionID), `
		UPDATE sessions SET status = ?, progress = 100, analysis_json = ?, processed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusProcessed, string(analysisJSON), time.Now().Unix(),
		sessionID, StatusPending, StatusProcessing)
	if err != nil {
		return err
	}

	log.Info().Str("sessionId", sessionID).Msg("Session marked processed")
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, sessionID, errMsg string) error {
	err := s.guardedUpdate(ctx, fmt.Sprintf("mark failed %s", sessionID), `
		UPDATE sessions SET status = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, errMsg, sessionID, StatusPending, StatusProcessing)
	if err != nil {
		return err
	}

	log.Warn().Str("sessionId", sessionID).Str("error", errMsg).Msg("Session marked failed")
	return nil
}

func (s *SQLiteStore) PutTranscript(ctx context.Context, sessionID string, segments []TranscriptSegment) error {
	segmentsJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("encode transcript for %s: %w", sessionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transcripts (session_id, segments_json) VALUES (?, ?)`,
		sessionID, string(segmentsJSON))
	if err != nil {
		return fmt.Errorf("put transcript %s: %w", sessionID, err)
	}

	log.Debug().Str("sessionId", sessionID).Int("segments", len(segments)).Msg("Transcript persisted")
	return nil
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string) ([]TranscriptSegment, error) {
	var segmentsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT segments_json FROM transcripts WHERE session_id = ?`, sessionID).
		Scan(&segmentsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", sessionID, err)
	}

	var segments []TranscriptSegment
	if err := json.Unmarshal([]byte(segmentsJSON), &segments); err != nil {
		return nil, fmt.Errorf("decode transcript for %s: %w", sessionID, err)
	}
	return segments, nil
}

func (s *SQLiteStore) ListPatientSessions(ctx context.Context, patientID string) ([]*SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, progress, analysis_json, created_at, processed_at
		FROM sessions WHERE patient_id = ?
		ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for patient %s: %w", patientID, err)
	}
	defer rows.Close()

	var summaries []*SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var analysisJSON sql.NullString
		if err := rows.Scan(&sum.SessionID, &sum.Status, &sum.Progress,
			&analysisJSON, &sum.CreatedAt, &sum.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		if analysisJSON.Valid && analysisJSON.String != "" {
			var analysis Analysis
			if err := json.Unmarshal([]byte(analysisJSON.String), &analysis); err == nil {
				sum.Summary = analysis.Summary
			}
		}
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session summaries: %w", err)
	}
	return summaries, nil
}
