package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (TranscriptResult, error) {
	return TranscriptResult{
		Text:       fmt.Sprintf("[segment length=%d]", len(req.PCM)),
		Confidence: 0,
	}, nil
}
