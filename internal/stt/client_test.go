package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/segmenter"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRecognizer struct {
	result TranscriptResult
	err    error
	block  bool
	got    Request
}

func (s *stubRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	s.got = req
	if s.block {
		<-ctx.Done()
		return TranscriptResult{}, ctx.Err()
	}
	return s.result, s.err
}

func segment() segmenter.AudioSegment {
	return segmenter.AudioSegment{
		ID:            "seg-1",
		Audio:         make([]byte, 3200),
		SampleRate:    16000,
		Channels:      1,
		StartOffsetMS: 1200,
		EndOffsetMS:   2300,
		IsSpeech:      true,
	}
}

func TestClientProducesCandidate(t *testing.T) {
	rec := &stubRecognizer{result: TranscriptResult{Text: "  hello   there ", Confidence: 0.8}}
	client := NewClient(config.STTConfig{MinCandidateChars: 2}, rec, newLogger())

	cand, ok := client.Transcribe(context.Background(), "s1", "ko", segment())
	if !ok {
		t.Fatalf("expected candidate")
	}
	if cand.Text != "hello there" {
		t.Fatalf("expected normalized whitespace, got %q", cand.Text)
	}
	if cand.StartOffsetMS != 1200 || cand.EndOffsetMS != 2300 || cand.SourceSegmentID != "seg-1" {
		t.Fatalf("unexpected candidate %+v", cand)
	}
	if cand.ID == "" {
		t.Fatalf("expected candidate id")
	}
	if rec.got.LanguageHint != "ko" || rec.got.SessionID != "s1" {
		t.Fatalf("unexpected request %+v", rec.got)
	}
}

func TestClientDropsFailuresAndShortText(t *testing.T) {
	cases := map[string]*stubRecognizer{
		"error": {err: errors.New("engine down")},
		"empty": {result: TranscriptResult{Text: "   "}},
		"short": {result: TranscriptResult{Text: "a"}},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			client := NewClient(config.STTConfig{MinCandidateChars: 2}, rec, newLogger())
			if _, ok := client.Transcribe(context.Background(), "s1", "", segment()); ok {
				t.Fatalf("expected no candidate")
			}
		})
	}
}

func TestClientTimesOut(t *testing.T) {
	rec := &stubRecognizer{block: true}
	client := NewClient(config.STTConfig{TimeoutMS: 20}, rec, newLogger())
	start := time.Now()
	if _, ok := client.Transcribe(context.Background(), "s1", "", segment()); ok {
		t.Fatalf("expected timeout to yield no candidate")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestMockRecognizerAndFactory(t *testing.T) {
	rec, err := New(config.STTConfig{Mode: "mock"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), Request{PCM: make([]byte, 10)})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(res.Text, "length=10") {
		t.Fatalf("unexpected mock text %q", res.Text)
	}
	if _, err := New(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatalf("expected empty command error")
	}
	if _, err := New(config.STTConfig{Mode: "openai"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := New(config.STTConfig{Mode: "vosk"}); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}

func TestWritePCMToWavHeader(t *testing.T) {
	buf := &seekBuffer{}
	pcm := make([]byte, 640)
	if err := writePCMToWav(buf, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if len(buf.buf) < 44+len(pcm) {
		t.Fatalf("wav too short: %d", len(buf.buf))
	}
	if string(buf.buf[0:4]) != "RIFF" || string(buf.buf[8:12]) != "WAVE" {
		t.Fatalf("missing wav header")
	}
	if err := writePCMToWav(&seekBuffer{}, []byte{1}, 16000, 1); err == nil {
		t.Fatalf("expected misaligned error")
	}
}
