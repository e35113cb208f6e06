package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/cache"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/translate"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		HighPriorityBaseMS:  20,
		NormalBaseMS:        60,
		PerLanguageMS:       10,
		LanguageCapMS:       30,
		FallbackConcurrency: 3,
		DispatchTimeoutMS:   2000,
	}
}

type fakeTranslator struct {
	mu         sync.Mutex
	batchCalls [][]string
	eachCalls  [][]string
	batchErr   error
}

func (f *fakeTranslator) TranslateBatch(_ context.Context, text string, langs []string) (map[string]translate.Result, error) {
	f.mu.Lock()
	f.batchCalls = append(f.batchCalls, append([]string(nil), langs...))
	err := f.batchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return results(text, langs, "openai"), nil
}

func (f *fakeTranslator) TranslateEach(_ context.Context, text string, langs []string) (map[string]translate.Result, error) {
	f.mu.Lock()
	f.eachCalls = append(f.eachCalls, append([]string(nil), langs...))
	f.mu.Unlock()
	return results(text, langs, "local"), nil
}

func (f *fakeTranslator) calls() ([][]string, [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batchCalls...), append([][]string(nil), f.eachCalls...)
}

func results(text string, langs []string, engine string) map[string]translate.Result {
	out := make(map[string]translate.Result, len(langs))
	for _, l := range langs {
		out[l] = translate.Result{Text: "[" + l + "] " + text, Engine: engine, Quality: 0.9}
	}
	return out
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	puts    int
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]cache.Entry)} }

func (c *memCache) Get(_ context.Context, text, lang string) (cache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[lang+"|"+text]
	return e, ok
}

func (c *memCache) Put(_ context.Context, text, lang, translated, engine string, quality float64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[lang+"|"+text] = cache.Entry{ID: lang + "|" + text, TranslatedText: translated, Engine: engine, QualityScore: quality}
	return lang + "|" + text, nil
}

type recordingStatus struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingStatus) MarkTranslationComplete(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
	return nil
}

func newManager(tr Translator, c Cache, st StatusUpdater) (*Manager, chan Completion) {
	done := make(chan Completion, 8)
	m := NewManager(testConfig(), tr, c, st, func(_ context.Context, comp Completion) { done <- comp }, newLogger())
	return m, done
}

func waitCompletion(t *testing.T, done chan Completion) Completion {
	t.Helper()
	select {
	case c := <-done:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
	return Completion{}
}

func TestLanguagesOfSameTextShareOneBatch(t *testing.T) {
	tr := &fakeTranslator{}
	status := &recordingStatus{}
	m, done := newManager(tr, newMemCache(), status)
	defer m.Close()
	ctx := context.Background()

	if _, err := m.AddJob(ctx, JobRequest{Text: "Hello", TargetLanguage: "ko", SessionID: "s1", TranscriptLineID: "line-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.AddJob(ctx, JobRequest{Text: "Hello", TargetLanguage: "zh", SessionID: "s1", TranscriptLineID: "line-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	comp := waitCompletion(t, done)

	batches, _ := tr.calls()
	if len(batches) != 1 {
		t.Fatalf("expected one batch call, got %d", len(batches))
	}
	langs := append([]string(nil), batches[0]...)
	sort.Strings(langs)
	if len(langs) != 2 || langs[0] != "ko" || langs[1] != "zh" {
		t.Fatalf("unexpected batch languages %v", batches[0])
	}
	if len(comp.Translations) != 2 {
		t.Fatalf("expected both translations, got %v", comp.Translations)
	}
	for _, j := range comp.Jobs {
		if j.Status != StatusCompleted {
			t.Fatalf("job %s not completed: %s", j.ID, j.Status)
		}
	}
	status.mu.Lock()
	defer status.mu.Unlock()
	if len(status.ids) != 1 || status.ids[0] != "line-1" {
		t.Fatalf("expected line marked once, got %v", status.ids)
	}
	if m.Pending() != 0 {
		t.Fatalf("group must be removed on dispatch")
	}
}

func TestCacheHitsSkipEngine(t *testing.T) {
	tr := &fakeTranslator{}
	c := newMemCache()
	_, _ = c.Put(context.Background(), "Good night", "ko", "잘 자요", "openai", 0.95)
	m, done := newManager(tr, c, nil)
	defer m.Close()

	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Good night", TargetLanguage: "ko"})
	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Good night", TargetLanguage: "ja"})
	comp := waitCompletion(t, done)

	batches, _ := tr.calls()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0] != "ja" {
		t.Fatalf("expected only the miss sent to the engine, got %v", batches)
	}
	if !comp.Translations["ko"].Cached || comp.Translations["ko"].Text != "잘 자요" {
		t.Fatalf("expected cached ko, got %+v", comp.Translations["ko"])
	}
	if _, ok := c.Get(context.Background(), "Good night", "ja"); !ok {
		t.Fatalf("expected ja result written to cache")
	}
}

func TestBatchFailureFallsBackPerLanguage(t *testing.T) {
	tr := &fakeTranslator{batchErr: translate.ErrBatchFailed}
	m, done := newManager(tr, newMemCache(), nil)
	defer m.Close()

	for _, l := range []string{"ko", "zh", "ja"} {
		_, _ = m.AddJob(context.Background(), JobRequest{Text: "Welcome", TargetLanguage: l})
	}
	comp := waitCompletion(t, done)
	_, each := tr.calls()
	if len(each) != 1 || len(each[0]) != 3 {
		t.Fatalf("expected one per-language fallback pass, got %v", each)
	}
	if comp.Translations["zh"].Engine != "local" {
		t.Fatalf("expected fallback results, got %+v", comp.Translations)
	}
}

func TestDelayFormula(t *testing.T) {
	m := NewManager(testConfig(), &fakeTranslator{}, newMemCache(), nil, nil, newLogger())
	defer m.Close()
	if d := m.Delay(PriorityHigh, 1); d != 30*time.Millisecond {
		t.Fatalf("unexpected high delay %v", d)
	}
	if d := m.Delay(PriorityNormal, 2); d != 80*time.Millisecond {
		t.Fatalf("unexpected normal delay %v", d)
	}
	if d := m.Delay(PriorityNormal, 10); d != 90*time.Millisecond {
		t.Fatalf("expected language cap, got %v", d)
	}
}

func TestAddingLanguageKeepsElapsedWait(t *testing.T) {
	cfg := testConfig()
	cfg.NormalBaseMS = 60_000
	m := NewManager(cfg, &fakeTranslator{}, newMemCache(), nil, nil, newLogger())
	defer m.Close()
	base := time.Now()
	now := base
	m.clock = func() time.Time { return now }

	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Agenda", TargetLanguage: "ko"})
	now = base.Add(40 * time.Millisecond)
	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Agenda", TargetLanguage: "zh"})

	m.mu.Lock()
	deadline := m.groups["Agenda"].deadline
	m.mu.Unlock()
	if want := base.Add(60_020 * time.Millisecond); !deadline.Equal(want) {
		t.Fatalf("expected deadline anchored at creation %v, got %v", want, deadline)
	}

	if !m.Reschedule("Agenda") {
		t.Fatalf("expected reschedule of pending group")
	}
	m.mu.Lock()
	deadline = m.groups["Agenda"].deadline
	m.mu.Unlock()
	if want := now.Add(60_020 * time.Millisecond); !deadline.Equal(want) {
		t.Fatalf("expected rescheduled deadline %v, got %v", want, deadline)
	}
	if m.Reschedule("unknown") {
		t.Fatalf("unknown text cannot be rescheduled")
	}
}

func TestHighPriorityUpgradesGroup(t *testing.T) {
	m := NewManager(testConfig(), &fakeTranslator{}, newMemCache(), nil, nil, newLogger())
	defer m.Close()
	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Live", TargetLanguage: "ko", Priority: PriorityNormal})
	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Live", TargetLanguage: "zh", Priority: PriorityHigh})
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.groups["Live"]; g != nil && g.priority != PriorityHigh {
		t.Fatalf("expected high priority group")
	}
}

func TestLaterArrivalOpensFreshGroup(t *testing.T) {
	tr := &fakeTranslator{}
	m, done := newManager(tr, newMemCache(), nil)
	defer m.Close()
	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Again", TargetLanguage: "ko", Priority: PriorityHigh})
	waitCompletion(t, done)
	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Again", TargetLanguage: "zh", Priority: PriorityHigh})
	waitCompletion(t, done)
	batches, _ := tr.calls()
	if len(batches) != 2 {
		t.Fatalf("expected two dispatches, got %d", len(batches))
	}
}

func TestDrainDispatchesPending(t *testing.T) {
	tr := &fakeTranslator{}
	cfg := testConfig()
	cfg.NormalBaseMS = 60_000
	done := make(chan Completion, 4)
	m := NewManager(cfg, tr, newMemCache(), nil, func(_ context.Context, c Completion) { done <- c }, newLogger())

	_, _ = m.AddJob(context.Background(), JobRequest{Text: "Goodbye", TargetLanguage: "ko"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("expected pending group dispatched on drain")
	}
	if _, err := m.AddJob(context.Background(), JobRequest{Text: "late", TargetLanguage: "ko"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	m.Close()
}

func TestCloseDropsPending(t *testing.T) {
	tr := &fakeTranslator{}
	cfg := testConfig()
	cfg.NormalBaseMS = 50
	m := NewManager(cfg, tr, newMemCache(), nil, nil, newLogger())
	_, _ = m.AddJob(context.Background(), JobRequest{Text: "dropped", TargetLanguage: "ko"})
	m.Close()
	time.Sleep(120 * time.Millisecond)
	if batches, _ := tr.calls(); len(batches) != 0 {
		t.Fatalf("closed manager must not dispatch")
	}
}
