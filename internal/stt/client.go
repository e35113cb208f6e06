package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/reconcile"
	"github.com/loqalabs/loqa-live/internal/segmenter"
)

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// Client turns audio segments into reconciler candidates.
type Client struct {
	recognizer Recognizer
	timeout    time.Duration
	minChars   int
	log        *slog.Logger
}

func NewClient(cfg config.STTConfig, recognizer Recognizer, log *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		recognizer: recognizer,
		timeout:    timeout,
		minChars:   cfg.MinCandidateChars,
		log:        log.With(slog.String("component", "stt")),
	}
}

// Transcribe returns false when the recognizer failed or produced text too
// short to be a candidate. Failures never reach the caller as errors.
func (c *Client) Transcribe(ctx context.Context, sessionID, languageHint string, seg segmenter.AudioSegment) (reconcile.Candidate, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	result, err := c.recognizer.Transcribe(ctx, Request{
		SessionID:    sessionID,
		PCM:          seg.Audio,
		SampleRate:   seg.SampleRate,
		Channels:     seg.Channels,
		LanguageHint: languageHint,
	})
	if err != nil {
		c.log.Warn("transcription failed",
			slog.String("session_id", sessionID),
			slog.String("segment_id", seg.ID),
			slog.String("error", err.Error()))
		return reconcile.Candidate{}, false
	}

	text := strings.Join(strings.Fields(result.Text), " ")
	if text == "" || utf8.RuneCountInString(text) < c.minChars {
		c.log.Debug("dropping short candidate",
			slog.String("session_id", sessionID),
			slog.String("segment_id", seg.ID),
			slog.Int("chars", utf8.RuneCountInString(text)))
		return reconcile.Candidate{}, false
	}

	c.log.Debug("segment transcribed",
		slog.String("session_id", sessionID),
		slog.String("segment_id", seg.ID),
		slog.Duration("latency", time.Since(started)))

	return reconcile.Candidate{
		ID:              uuid.NewString(),
		Text:            text,
		StartOffsetMS:   seg.StartOffsetMS,
		EndOffsetMS:     seg.EndOffsetMS,
		Confidence:      result.Confidence,
		SourceSegmentID: seg.ID,
	}, true
}
