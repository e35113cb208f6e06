package reconcile

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newReconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := New(config.Default().Reconciler, "session-1", newLogger())
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	r.clock = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return r
}

func cand(text string, start, end int64) Candidate {
	return Candidate{ID: text, Text: text, StartOffsetMS: start, EndOffsetMS: end, Confidence: 0.9}
}

func TestOverlappingWordIsNotDuplicated(t *testing.T) {
	r := newReconciler(t)
	r.AddCandidate(cand("the quick brown", 0, 1500))
	r.AddCandidate(cand("brown fox jumps", 1200, 2500))
	if got := r.CanonicalText(); got != "the quick brown fox jumps" {
		t.Fatalf("unexpected canonical text %q", got)
	}
}

func TestSentenceFinalization(t *testing.T) {
	r := newReconciler(t)
	lines := r.AddCandidate(cand("Hello everyone.", 0, 1000))
	if len(lines) != 1 || lines[0].Text != "Hello everyone." {
		t.Fatalf("expected first line finalized immediately, got %+v", lines)
	}
	if lines := r.AddCandidate(cand("Today we", 1500, 2500)); len(lines) != 0 {
		t.Fatalf("unterminated text must not finalize, got %+v", lines)
	}
	if tail := r.PendingTailText(); tail != "Today we" {
		t.Fatalf("unexpected tail %q", tail)
	}
	lines = r.AddCandidate(cand("will discuss AI.", 2600, 4000))
	if len(lines) != 1 || lines[0].Text != "Today we will discuss AI." {
		t.Fatalf("unexpected second line %+v", lines)
	}
	if lines[0].Sequence != 2 || lines[0].SessionID != "session-1" || lines[0].FinalizedAtMS != 1_700_000_000_000 {
		t.Fatalf("unexpected line metadata %+v", lines[0])
	}
	if r.PendingTailText() != "" {
		t.Fatalf("expected empty tail")
	}
	if all := r.Lines(); len(all) != 2 || all[0].Text != "Hello everyone." {
		t.Fatalf("unexpected lines %+v", all)
	}
}

func TestDuplicateCandidateRejected(t *testing.T) {
	r := newReconciler(t)
	r.AddCandidate(cand("hello everyone", 0, 1000))
	r.AddCandidate(cand("Hello everyone!", 200, 1100))
	if got := r.CanonicalText(); got != "hello everyone" {
		t.Fatalf("expected duplicate dropped, got %q", got)
	}
}

func TestSimilarTailIsDropped(t *testing.T) {
	r := newReconciler(t)
	r.AddCandidate(cand("so today the quarterly numbers look good", 0, 3000))
	r.AddCandidate(cand("teh quarterly numbrs look good", 1500, 3200))
	if got := r.CanonicalText(); got != "so today the quarterly numbers look good" {
		t.Fatalf("expected near-identical overlap dropped, got %q", got)
	}
}

func TestShortRemainderDropped(t *testing.T) {
	r := newReconciler(t)
	r.AddCandidate(cand("we will discuss the plan", 0, 2000))
	r.AddCandidate(cand("plan ok", 1800, 2400))
	if got := r.CanonicalText(); got != "we will discuss the plan" {
		t.Fatalf("expected fragment dropped, got %q", got)
	}
}

func TestKWordOverlap(t *testing.T) {
	r := newReconciler(t)
	r.AddCandidate(cand("we are going to review the budget", 0, 3000))
	r.AddCandidate(cand("to review the budget for next year", 2500, 5000))
	if got := r.CanonicalText(); got != "we are going to review the budget for next year" {
		t.Fatalf("unexpected merge %q", got)
	}
}

func TestNoiseStripped(t *testing.T) {
	r := newReconciler(t)
	r.AddCandidate(cand("um um um um okay let's go to go to the agenda", 0, 3000))
	r.AddCandidate(cand("Thank you for watching", 5000, 6000))
	if got := r.CanonicalText(); got != "um okay let's go to the agenda" {
		t.Fatalf("unexpected cleaned text %q", got)
	}
}

func TestClosingPhraseBoundary(t *testing.T) {
	r := newReconciler(t)
	lines := r.AddCandidate(cand("와주셔서 감사합니다 이제 시작하겠습니다", 0, 3000))
	if len(lines) != 1 || lines[0].Text != "와주셔서 감사합니다" {
		t.Fatalf("expected closing phrase to end a line, got %+v", lines)
	}
	if r.PendingTailText() != "이제 시작하겠습니다" {
		t.Fatalf("unexpected tail %q", r.PendingTailText())
	}
}

func TestForcedBoundary(t *testing.T) {
	r := newReconciler(t)
	words := make([]string, 40)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}
	lines := r.AddCandidate(cand(strings.Join(words, " "), 0, 9000))
	if len(lines) == 0 {
		t.Fatalf("expected forced line")
	}
	for _, l := range lines {
		if len([]rune(l.Text)) > 100 {
			t.Fatalf("forced line too long: %d", len(l.Text))
		}
		if strings.HasSuffix(l.Text, " ") || strings.Contains(l.Text, "w0 ") {
			t.Fatalf("line split inside a word: %q", l.Text)
		}
	}
	if len([]rune(r.PendingTailText())) > 100 {
		t.Fatalf("tail exceeds limit")
	}
}

func TestFinalizedTextIsImmutable(t *testing.T) {
	r := newReconciler(t)
	first := r.AddCandidate(cand("The meeting is open.", 0, 1500))
	r.AddCandidate(cand("open. And we start with", 1200, 3000))
	if !strings.HasPrefix(r.CanonicalText(), "The meeting is open.") {
		t.Fatalf("finalized prefix changed: %q", r.CanonicalText())
	}
	if r.Lines()[0].Text != first[0].Text {
		t.Fatalf("finalized line mutated")
	}
	if got := r.PendingTailText(); got != "And we start with" {
		t.Fatalf("unexpected tail %q", got)
	}
}

func TestCloseFlushesTail(t *testing.T) {
	r := newReconciler(t)
	r.AddCandidate(cand("Today we", 0, 800))
	lines := r.Close()
	if len(lines) != 1 || lines[0].Text != "Today we" {
		t.Fatalf("expected tail flushed, got %+v", lines)
	}
	if again := r.Close(); len(again) != 0 {
		t.Fatalf("second close should be empty")
	}
	if lines := r.AddCandidate(cand("late words.", 900, 1200)); lines != nil {
		t.Fatalf("closed reconciler accepted candidate")
	}
}

func TestInvalidNoisePattern(t *testing.T) {
	cfg := config.Default().Reconciler
	cfg.NoisePatterns = []string{"("}
	if _, err := New(cfg, "s", newLogger()); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestSimilarity(t *testing.T) {
	if Similarity("", "") != 1 {
		t.Fatalf("empty strings are identical")
	}
	if s := Similarity("kitten", "sitting"); s < 0.5 || s > 0.6 {
		t.Fatalf("unexpected similarity %f", s)
	}
	if Similarity("안녕하세요", "안녕하세요") != 1 {
		t.Fatalf("identical hangul should match")
	}
}
