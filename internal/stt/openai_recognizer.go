package stt

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/sashabaranov/go-openai"
)

// seekBuffer lets the wav encoder patch its header in memory.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case 0:
		next = offset
	case 1:
		next = int64(b.pos) + offset
	case 2:
		next = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	b.pos = int(next)
	return next, nil
}

type openAIRecognizer struct {
	client *openai.Client
	model  string
}

// NewOpenAIRecognizer transcribes through a Whisper-compatible endpoint.
func NewOpenAIRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai stt requires api_key")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIRecognizer{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	out := &seekBuffer{}
	if err := writePCMToWav(out, req.PCM, req.SampleRate, req.Channels); err != nil {
		return TranscriptResult{}, err
	}
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		Reader:   bytes.NewReader(out.buf),
		FilePath: "segment.wav",
		Language: req.LanguageHint,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}

	result := TranscriptResult{Text: resp.Text}
	var sum float64
	for _, seg := range resp.Segments {
		result.Segments = append(result.Segments, TimedText{
			Text:    seg.Text,
			StartMS: int64(seg.Start * 1000),
			EndMS:   int64(seg.End * 1000),
		})
		sum += math.Exp(seg.AvgLogprob)
	}
	if n := len(resp.Segments); n > 0 {
		result.Confidence = sum / float64(n)
	}
	return result, nil
}
