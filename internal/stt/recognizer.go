package stt

import (
	"context"
)

// Request carries one audio segment to a recognizer.
type Request struct {
	SessionID    string
	PCM          []byte
	SampleRate   int
	Channels     int
	LanguageHint string
}

// TimedText is a recognizer sub-segment with offsets relative to the request audio.
type TimedText struct {
	Text    string
	StartMS int64
	EndMS   int64
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Segments   []TimedText
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}
