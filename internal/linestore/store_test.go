package linestore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.LineStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "lines.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open line store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openStore(t, config.LineStoreConfig{RetentionMode: "ephemeral"})
	if err := s.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := s.AppendLine(context.Background(), Line{ID: "l1", SessionID: "s1", Text: "hi"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	lines, err := s.ListSessionLines(context.Background(), "s1", 0, 10)
	if err != nil || lines != nil {
		t.Fatalf("expected no lines, got %v (%v)", lines, err)
	}
}

func TestAppendListAndMark(t *testing.T) {
	s := openStore(t, config.LineStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := s.AppendSession(ctx, "s1", "high", []string{"ko", "zh"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i, text := range []string{"Hello everyone.", "Today we will discuss AI."} {
		if err := s.AppendLine(ctx, Line{ID: text, SessionID: "s1", Sequence: i + 1, Text: text, FinalizedAtMS: int64(i)}); err != nil {
			t.Fatalf("append line: %v", err)
		}
	}
	if err := s.AppendLine(ctx, Line{ID: "Hello everyone.", SessionID: "s1", Sequence: 1, Text: "dup"}); err != nil {
		t.Fatalf("duplicate append should be ignored: %v", err)
	}

	lines, err := s.ListSessionLines(ctx, "s1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "Hello everyone." || lines[1].Sequence != 2 {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if lines[0].TranslationStatus != StatusPending {
		t.Fatalf("expected pending status, got %s", lines[0].TranslationStatus)
	}

	for i := 0; i < 2; i++ {
		if err := s.MarkTranslationComplete(ctx, []string{"Hello everyone."}); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	lines, _ = s.ListSessionLines(ctx, "s1", 0, 10)
	if lines[0].TranslationStatus != StatusCompleted || lines[1].TranslationStatus != StatusPending {
		t.Fatalf("unexpected statuses %s, %s", lines[0].TranslationStatus, lines[1].TranslationStatus)
	}

	after, _ := s.ListSessionLines(ctx, "s1", 1, 10)
	if len(after) != 1 || after[0].Sequence != 2 {
		t.Fatalf("expected paging after sequence 1, got %+v", after)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openStore(t, config.LineStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendLine(ctx, Line{ID: "old", SessionID: "old-session", Sequence: 1, Text: "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendLine(ctx, Line{ID: "new", SessionID: "new-session", Sequence: 1, Text: "new"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	old, err := s.ListSessionLines(ctx, "old-session", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned")
	}
	kept, _ := s.ListSessionLines(ctx, "new-session", 0, 10)
	if len(kept) != 1 {
		t.Fatalf("expected new session kept")
	}
}
