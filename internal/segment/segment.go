package segment

import "fmt"

// Segment is one timed piece of transcribed speech.
type Segment struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Translation string  `json:"translation,omitempty"`
	Speaker     string  `json:"speaker,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// DisplayText returns the translation when present, otherwise the original text.
func (s Segment) DisplayText(useTranslation bool) string {
	if useTranslation && s.Translation != "" {
		return s.Translation
	}
	return s.Text
}

// Transcript is the result of a transcription run.
type Transcript struct {
	Segments           []Segment `json:"segments"`
	Language           string    `json:"language"`
	LanguageConfidence float64   `json:"language_probability"`
	Duration           float64   `json:"duration"`
}

// Turn is one speaker turn produced by diarization.
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// AssignSpeakers labels each segment with the speaker whose turn overlaps it
// the longest, then renames speakers to "Speaker 1".."Speaker N" in order of
// first appearance. Segments without any overlapping turn keep their speaker.
// The input slice is not modified.
func AssignSpeakers(segments []Segment, turns []Turn) []Segment {
	out := make([]Segment, len(segments))
	copy(out, segments)
	if len(turns) == 0 {
		return out
	}

	for i := range out {
		best := ""
		bestOverlap := 0.0
		for _, turn := range turns {
			overlap := min(out[i].End, turn.End) - max(out[i].Start, turn.Start)
			if overlap > bestOverlap {
				bestOverlap = overlap
				best = turn.Speaker
			}
		}
		if best != "" {
			out[i].Speaker = best
		}
	}

	names := make(map[string]string)
	for i := range out {
		raw := out[i].Speaker
		if raw == "" {
			continue
		}
		name, ok := names[raw]
		if !ok {
			name = fmt.Sprintf("Speaker %d", len(names)+1)
			names[raw] = name
		}
		out[i].Speaker = name
	}

	return out
}
