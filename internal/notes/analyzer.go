// Package notes extracts structured clinical notes from diarized therapy
// session transcripts using the Gemini API. Extraction runs in two passes:
// the main clinical-notes pass, and a breakthrough-detection pass whose
// failure is tolerated (a session without breakthrough annotations is still
// a processed session).
package notes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/jsonutil"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/metrics"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
)

// ClinicalNotes is the wire contract of the extraction pass. Field names
// follow the model response schema, which is snake_case.
type ClinicalNotes struct {
	Summary     string   `json:"summary"`
	Mood        string   `json:"mood"`
	Topics      []string `json:"topics"`
	KeyInsights []string `json:"key_insights"`
	ActionItems []string `json:"action_items"`
}

// breakthroughItem is one element of the breakthrough pass response.
type breakthroughItem struct {
	Quote        string  `json:"quote"`
	Significance string  `json:"significance"`
	Confidence   float64 `json:"confidence"`
}

// Analyzer runs transcript analysis against a Gemini model.
type Analyzer struct {
	client    *genai.Client
	modelName string
}

// NewAnalyzer creates an Analyzer using the given client and model.
func NewAnalyzer(client *genai.Client, modelName string) *Analyzer {
	return &Analyzer{client: client, modelName: modelName}
}

// generate runs one prompt against the model and returns the raw response
// text, emitting API metrics for the operation.
func (a *Analyzer) generate(ctx context.Context, operation, systemInstruction, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		},
		ResponseMIMEType: "application/json",
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}

	start := time.Now()
	log.Debug().Str("model", a.modelName).Str("operation", operation).Msg("Starting Gemini API call")
	resp, err := a.client.Models.GenerateContent(ctx, a.modelName, contents, config)
	elapsed := time.Since(start)

	m := metrics.New("TherapyBridge").
		Dimension("Operation", operation).
		Metric("GeminiApiLatencyMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("GeminiApiCalls")
	if err != nil {
		m.Count("GeminiApiErrors")
	}
	if resp != nil && resp.UsageMetadata != nil {
		m.Metric("GeminiInputTokens", float64(resp.UsageMetadata.PromptTokenCount), metrics.UnitCount)
		m.Metric("GeminiOutputTokens", float64(resp.UsageMetadata.CandidatesTokenCount), metrics.UnitCount)
	}
	m.Flush()

	if err != nil {
		log.Error().Err(err).Dur("duration", elapsed).Str("operation", operation).Msg("Gemini API call failed")
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || resp.Text() == "" {
		return "", fmt.Errorf("empty response from Gemini API")
	}

	log.Debug().
		Int("responseLength", len(resp.Text())).
		Dur("duration", elapsed).
		Str("operation", operation).
		Msg("Gemini API response received")
	return resp.Text(), nil
}

// ExtractNotes runs the clinical-notes pass over a transcript.
func (a *Analyzer) ExtractNotes(ctx context.Context, segments []store.TranscriptSegment) (*ClinicalNotes, error) {
	transcript := FormatTranscript(segments)
	raw, err := a.generate(ctx, "extractNotes", clinicalNotesSystemInstruction, BuildClinicalNotesPrompt(transcript))
	if err != nil {
		return nil, err
	}
	return ParseClinicalNotes(raw)
}

// DetectBreakthroughs runs the breakthrough pass over a transcript.
func (a *Analyzer) DetectBreakthroughs(ctx context.Context, segments []store.TranscriptSegment) ([]store.Breakthrough, error) {
	transcript := FormatTranscript(segments)
	raw, err := a.generate(ctx, "detectBreakthroughs", breakthroughSystemInstruction, BuildBreakthroughPrompt(transcript))
	if err != nil {
		return nil, err
	}
	return ParseBreakthroughs(raw)
}

// ParseClinicalNotes parses a model response into ClinicalNotes, requiring
// at least a non-empty summary.
func ParseClinicalNotes(raw string) (*ClinicalNotes, error) {
	parsed, err := jsonutil.ParseJSON[ClinicalNotes](raw)
	if err != nil {
		return nil, fmt.Errorf("parse clinical notes: %w", err)
	}
	if parsed.Summary == "" {
		return nil, fmt.Errorf("parse clinical notes: response has no summary")
	}
	return &parsed, nil
}

// ParseBreakthroughs parses a model response into breakthrough records,
// clamping confidence to [0, 1] and dropping entries without a quote.
func ParseBreakthroughs(raw string) ([]store.Breakthrough, error) {
	items, err := jsonutil.ParseJSON[[]breakthroughItem](raw)
	if err != nil {
		return nil, fmt.Errorf("parse breakthroughs: %w", err)
	}

	result := make([]store.Breakthrough, 0, len(items))
	for _, item := range items {
		if item.Quote == "" {
			continue
		}
		confidence := item.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		result = append(result, store.Breakthrough{
			Quote:        item.Quote,
			Significance: item.Significance,
			Confidence:   confidence,
		})
	}
	return result, nil
}
