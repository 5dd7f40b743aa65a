package stt

import "time"

// Transcript is a single recognition result. Both partial (interim) and
// final transcripts use this type; engines are configured for a single
// alternative per result, so there is exactly one text per Transcript.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or
	// partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero if the
	// engine does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}
