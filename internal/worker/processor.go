// Package worker runs the audio processing pipeline for uploaded sessions:
// download from blob storage, external transcription with diarization,
// clinical note extraction, and final persistence. A bounded pool feeds
// sessions to processors; each session moves through the pipeline exactly
// once and ends processed or failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/blob"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/metrics"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/notes"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/transcribe"
)

// Progress milestones. External job progress (0-100 from the provider) is
// remapped into the window between progressJobStart and progressJobEnd so
// the session's figure never regresses across pipeline stages.
const (
	progressStarted    = 10
	progressJobStart   = 20
	progressJobEnd     = 80
	progressTranscript = 85

	// minProgressStep is the smallest externally-driven progress change
	// worth a storage write.
	minProgressStep = 5
)

// Transcriber is the external transcription job API used by the pipeline.
// *transcribe.Client satisfies it.
type Transcriber interface {
	SubmitFile(ctx context.Context, path string) (string, error)
	WaitForJob(ctx context.Context, jobID string, onProgress func(int)) error
	Result(ctx context.Context, jobID string) ([]transcribe.Segment, error)
}

// NotesExtractor is the transcript analysis API used by the pipeline.
// *notes.Analyzer satisfies it.
type NotesExtractor interface {
	ExtractNotes(ctx context.Context, segments []store.TranscriptSegment) (*notes.ClinicalNotes, error)
	DetectBreakthroughs(ctx context.Context, segments []store.TranscriptSegment) ([]store.Breakthrough, error)
}

// Processor executes the processing pipeline for one session at a time.
type Processor struct {
	store       store.SessionStore
	audio       blob.AudioStore
	transcriber Transcriber
	analyzer    NotesExtractor
}

// NewProcessor wires a Processor from its dependencies.
func NewProcessor(s store.SessionStore, audio blob.AudioStore, transcriber Transcriber, analyzer NotesExtractor) *Processor {
	return &Processor{store: s, audio: audio, transcriber: transcriber, analyzer: analyzer}
}

// Process runs the full pipeline for a session. Any failure marks the
// session failed with a stage-prefixed message (download:, transcription:,
// analysis:, persistence:) and returns the underlying error. A session that
// is no longer pending is skipped without error: someone else won the race.
func (p *Processor) Process(ctx context.Context, sessionID string) error {
	start := time.Now()
	logger := log.With().Str("sessionId", sessionID).Logger()

	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if session.Status != store.StatusPending {
		logger.Warn().Str("status", session.Status).Msg("Skipping session not in pending state")
		return nil
	}

	if err := p.store.SetProgress(ctx, sessionID, store.StatusProcessing, progressStarted); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Warn().Msg("Lost claim race for session, skipping")
			return nil
		}
		return p.fail(ctx, logger, sessionID, "persistence", err)
	}
	logger.Info().Msg("Session processing started")

	err = p.run(ctx, logger, sessionID)

	m := metrics.New("TherapyBridge").
		Dimension("Operation", "processSession").
		Metric("ProcessingDurationMs", float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
		Count("SessionsProcessed")
	if err != nil {
		m.Count("SessionsFailed")
	}
	m.Property("sessionId", sessionID)
	m.Flush()

	return err
}

// run is the pipeline body between the initial claim and the terminal write.
func (p *Processor) run(ctx context.Context, logger zerolog.Logger, sessionID string) error {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return p.fail(ctx, logger, sessionID, "persistence", err)
	}

	// Stage 1: fetch audio to local disk.
	audioPath, cleanup, err := p.audio.DownloadToTempFile(ctx, session.AudioKey)
	if err != nil {
		return p.fail(ctx, logger, sessionID, "download", err)
	}
	defer cleanup()

	// Stage 2: external transcription job with bounded polling.
	jobID, err := p.transcriber.SubmitFile(ctx, audioPath)
	if err != nil {
		return p.fail(ctx, logger, sessionID, "transcription", err)
	}
	logger.Debug().Str("jobId", jobID).Msg("Transcription job submitted")

	lastPersisted := progressStarted
	err = p.transcriber.WaitForJob(ctx, jobID, func(pct int) {
		mapped := progressJobStart + pct*(progressJobEnd-progressJobStart)/100
		if mapped-lastPersisted < minProgressStep {
			return
		}
		if err := p.store.SetProgress(ctx, sessionID, store.StatusProcessing, mapped); err != nil {
			// Progress is advisory. A conflict here means a stale
			// figure, never a stuck session.
			logger.Warn().Err(err).Int("progress", mapped).Msg("Progress update skipped")
			return
		}
		lastPersisted = mapped
	})
	if err != nil {
		return p.fail(ctx, logger, sessionID, "transcription", err)
	}

	segments, err := p.transcriber.Result(ctx, jobID)
	if err != nil {
		return p.fail(ctx, logger, sessionID, "transcription", err)
	}
	transcript := toStoreSegments(segments)

	// Stage 3: persist transcript before analysis so a later analysis
	// failure still leaves the transcript queryable.
	if err := p.store.PutTranscript(ctx, sessionID, transcript); err != nil {
		return p.fail(ctx, logger, sessionID, "persistence", err)
	}
	if err := p.store.SetProgress(ctx, sessionID, store.StatusProcessing, progressTranscript); err != nil && !errors.Is(err, store.ErrConflict) {
		return p.fail(ctx, logger, sessionID, "persistence", err)
	}
	logger.Info().Int("segments", len(transcript)).Msg("Transcript stored")

	// Stage 4: clinical note extraction.
	clinicalNotes, err := p.analyzer.ExtractNotes(ctx, transcript)
	if err != nil {
		return p.fail(ctx, logger, sessionID, "analysis", err)
	}

	analysis := &store.Analysis{
		Summary:     clinicalNotes.Summary,
		Mood:        clinicalNotes.Mood,
		Topics:      clinicalNotes.Topics,
		KeyInsights: clinicalNotes.KeyInsights,
		ActionItems: clinicalNotes.ActionItems,
	}

	// Breakthrough detection is best-effort. A session with notes but no
	// breakthrough annotations is still complete.
	breakthroughs, err := p.analyzer.DetectBreakthroughs(ctx, transcript)
	if err != nil {
		logger.Warn().Err(err).Msg("Breakthrough detection failed, continuing without annotations")
	} else {
		analysis.Breakthroughs = breakthroughs
	}

	if err := p.store.MarkProcessed(ctx, sessionID, analysis); err != nil {
		return p.fail(ctx, logger, sessionID, "persistence", err)
	}
	logger.Info().Msg("Session processing completed")
	return nil
}

// fail records a terminal failure with a stage-prefixed message and returns
// the pipeline error. The terminal write uses a fresh context so a
// cancelled pipeline can still record its failure.
func (p *Processor) fail(ctx context.Context, logger zerolog.Logger, sessionID, stage string, err error) error {
	msg := fmt.Sprintf("%s: %v", stage, err)
	logger.Error().Err(err).Str("stage", stage).Msg("Session processing failed")

	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if markErr := p.store.MarkFailed(writeCtx, sessionID, msg); markErr != nil {
		logger.Error().Err(markErr).Msg("Failed to record session failure")
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// toStoreSegments converts provider segments to storage records.
func toStoreSegments(segments []transcribe.Segment) []store.TranscriptSegment {
	out := make([]store.TranscriptSegment, len(segments))
	for i, seg := range segments {
		out[i] = store.TranscriptSegment{
			Speaker: seg.Speaker,
			Start:   seg.Start,
			End:     seg.End,
			Text:    seg.Text,
		}
	}
	return out
}
