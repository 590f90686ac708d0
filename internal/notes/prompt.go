package notes

import (
	"fmt"
	"strings"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
)

// clinicalNotesSystemInstruction frames the model as a clinical
// documentation assistant. The response contract is JSON-only so the
// handler side can parse without heuristics.
const clinicalNotesSystemInstruction = `You are a clinical documentation assistant for licensed therapists.
You read diarized therapy session transcripts and produce structured session notes.
You never invent content that is not supported by the transcript.
You respond with a single JSON object and no other text.`

// breakthroughSystemInstruction frames the second analysis pass, which
// looks only for clinically significant moments.
const breakthroughSystemInstruction = `You are a clinical documentation assistant reviewing a therapy session transcript.
Your only task is to identify breakthrough moments: points where the patient
expresses new insight, emotional shift, or acknowledgment of a pattern.
You respond with a single JSON array and no other text.`

// FormatTranscript renders diarized segments as speaker-labelled lines with
// second-precision timestamps, the form the prompts reference.
func FormatTranscript(segments []store.TranscriptSegment) string {
	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "[%.0fs-%.0fs] %s: %s\n", seg.Start, seg.End, seg.Speaker, seg.Text)
	}
	return b.String()
}

// BuildClinicalNotesPrompt builds the extraction prompt for a transcript.
func BuildClinicalNotesPrompt(transcript string) string {
	return fmt.Sprintf(`Analyze the following therapy session transcript and extract structured clinical notes.

Return a JSON object with exactly these fields:
{
  "summary": "2-4 sentence summary of the session",
  "mood": "the patient's predominant emotional state, in a short phrase",
  "topics": ["main topics discussed"],
  "key_insights": ["clinically relevant observations"],
  "action_items": ["agreed follow-ups, homework, or next steps"]
}

Rules:
- Base every field only on what appears in the transcript.
- Use the patient's own framing where possible.
- Empty arrays are acceptable when the transcript supports nothing for a field.

Transcript:
%s`, transcript)
}

// BuildBreakthroughPrompt builds the breakthrough detection prompt.
func BuildBreakthroughPrompt(transcript string) string {
	return fmt.Sprintf(`Review the following therapy session transcript for breakthrough moments.

Return a JSON array (possibly empty) of objects with exactly these fields:
[
  {
    "quote": "the patient's words, verbatim from the transcript",
    "significance": "one sentence on why this moment matters clinically",
    "confidence": 0.0
  }
]

Rules:
- Quote verbatim; do not paraphrase.
- confidence is between 0 and 1.
- Report at most 5 moments. An empty array is the correct answer for an uneventful session.

Transcript:
%s`, transcript)
}
