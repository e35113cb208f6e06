package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/cache"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/translate"
)

// ErrClosed is returned by AddJob after Close or Drain.
var ErrClosed = errors.New("translation queue closed")

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Job asks for one text in one target language.
type Job struct {
	ID               string
	Text             string
	TargetLanguage   string
	SessionID        string
	TranscriptLineID string
	Priority         Priority
	Status           Status
	CreatedAt        time.Time
}

type JobRequest struct {
	Text             string
	TargetLanguage   string
	SessionID        string
	TranscriptLineID string
	Priority         Priority
}

// Translator is the engine chain as seen by the queue.
type Translator interface {
	TranslateBatch(ctx context.Context, text string, langs []string) (map[string]translate.Result, error)
	TranslateEach(ctx context.Context, text string, langs []string) (map[string]translate.Result, error)
}

// Cache is the subset of the translation cache the queue uses.
type Cache interface {
	Get(ctx context.Context, text, lang string) (cache.Entry, bool)
	Put(ctx context.Context, text, lang, translated, engine string, quality float64) (string, error)
}

// StatusUpdater marks transcript lines whose translations are complete.
type StatusUpdater interface {
	MarkTranslationComplete(ctx context.Context, lineIDs []string) error
}

// Completion describes a dispatched group.
type Completion struct {
	Text         string
	Jobs         []Job
	Translations map[string]Translation
}

type Translation struct {
	translate.Result
	Cached bool
}

// Notifier receives every completed group.
type Notifier func(ctx context.Context, c Completion)

type textGroup struct {
	text      string
	languages []string
	seen      map[string]bool
	jobs      []Job
	priority  Priority
	createdAt time.Time
	anchor    time.Time
	deadline  time.Time
	timer     *time.Timer
	gen       uint64
}

// Manager groups jobs by exact text and dispatches each group once after a
// debounce window sized by priority and language count.
type Manager struct {
	cfg        config.QueueConfig
	translator Translator
	cache      Cache
	status     StatusUpdater
	notify     Notifier
	log        *slog.Logger
	clock      func() time.Time

	mu     sync.Mutex
	groups map[string]*textGroup
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg config.QueueConfig, translator Translator, c Cache, status StatusUpdater, notify Notifier, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		translator: translator,
		cache:      c,
		status:     status,
		notify:     notify,
		log:        log.With(slog.String("component", "translation-queue")),
		clock:      time.Now,
		groups:     make(map[string]*textGroup),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// AddJob queues one language for text. A group that already exists keeps
// its creation time, so adding a language only extends the window by the
// per-language increment.
func (m *Manager) AddJob(ctx context.Context, req JobRequest) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	now := m.clock()
	job := Job{
		ID:               uuid.NewString(),
		Text:             req.Text,
		TargetLanguage:   req.TargetLanguage,
		SessionID:        req.SessionID,
		TranscriptLineID: req.TranscriptLineID,
		Priority:         req.Priority,
		Status:           StatusPending,
		CreatedAt:        now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Job{}, ErrClosed
	}
	g, ok := m.groups[req.Text]
	if !ok {
		g = &textGroup{
			text:      req.Text,
			seen:      make(map[string]bool),
			priority:  req.Priority,
			createdAt: now,
			anchor:    now,
		}
		m.groups[req.Text] = g
	}
	if req.Priority == PriorityHigh {
		g.priority = PriorityHigh
	}
	if !g.seen[req.TargetLanguage] {
		g.seen[req.TargetLanguage] = true
		g.languages = append(g.languages, req.TargetLanguage)
	}
	g.jobs = append(g.jobs, job)
	m.arm(g)
	return job, nil
}

// Reschedule restarts the debounce window of a pending group from now.
func (m *Manager) Reschedule(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[text]
	if !ok || m.closed {
		return false
	}
	g.anchor = m.clock()
	m.arm(g)
	return true
}

// Pending reports the number of groups waiting for dispatch.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Delay is the debounce window for a group of the given shape.
func (m *Manager) Delay(priority Priority, languages int) time.Duration {
	base := m.cfg.NormalBaseMS
	if priority == PriorityHigh {
		base = m.cfg.HighPriorityBaseMS
	}
	extra := languages * m.cfg.PerLanguageMS
	if m.cfg.LanguageCapMS > 0 && extra > m.cfg.LanguageCapMS {
		extra = m.cfg.LanguageCapMS
	}
	return time.Duration(base+extra) * time.Millisecond
}

// arm cancels the group's timer and issues a new one at anchor+delay.
// Callers hold m.mu.
func (m *Manager) arm(g *textGroup) {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	gen := g.gen
	g.deadline = g.anchor.Add(m.Delay(g.priority, len(g.languages)))
	wait := g.deadline.Sub(m.clock())
	if wait < 0 {
		wait = 0
	}
	text := g.text
	g.timer = time.AfterFunc(wait, func() { m.fire(text, gen) })
}

func (m *Manager) fire(text string, gen uint64) {
	m.mu.Lock()
	g, ok := m.groups[text]
	if !ok || g.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.groups, text)
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	m.dispatch(m.ctx, g)
}

func (m *Manager) dispatch(ctx context.Context, g *textGroup) {
	if m.cfg.DispatchTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.DispatchTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	for i := range g.jobs {
		g.jobs[i].Status = StatusProcessing
	}
	log := m.log.With(slog.Int("text_len", len(g.text)), slog.Int("jobs", len(g.jobs)))

	translations := make(map[string]Translation, len(g.languages))
	var misses []string
	for _, lang := range g.languages {
		if entry, ok := m.cache.Get(ctx, g.text, lang); ok {
			translations[lang] = Translation{
				Result: translate.Result{Text: entry.TranslatedText, Engine: entry.Engine, Quality: entry.QualityScore},
				Cached: true,
			}
			continue
		}
		misses = append(misses, lang)
	}

	if len(misses) > 0 {
		results, err := m.translator.TranslateBatch(ctx, g.text, misses)
		if err != nil {
			log.Warn("batch dispatch failed, translating per language",
				slog.Int("languages", len(misses)),
				slog.String("error", err.Error()))
			var fallbackErr error
			results, fallbackErr = m.translator.TranslateEach(ctx, g.text, misses)
			if fallbackErr != nil {
				log.Warn("per-language fallback incomplete", slog.String("error", fallbackErr.Error()))
			}
		}
		for lang, res := range results {
			translations[lang] = Translation{Result: res}
			if _, err := m.cache.Put(ctx, g.text, lang, res.Text, res.Engine, res.Quality); err != nil {
				log.Warn("cache write failed", slog.String("language", lang), slog.String("error", err.Error()))
			}
		}
	}

	var lineIDs []string
	seenLines := make(map[string]bool)
	for i := range g.jobs {
		job := &g.jobs[i]
		if _, ok := translations[job.TargetLanguage]; ok {
			job.Status = StatusCompleted
		} else {
			job.Status = StatusFailed
		}
		if job.TranscriptLineID != "" && !seenLines[job.TranscriptLineID] {
			seenLines[job.TranscriptLineID] = true
			lineIDs = append(lineIDs, job.TranscriptLineID)
		}
	}

	if len(lineIDs) > 0 && m.status != nil && len(translations) == len(g.languages) {
		if err := m.status.MarkTranslationComplete(ctx, lineIDs); err != nil {
			log.Warn("mark translation complete failed", slog.String("error", err.Error()))
		}
	}
	if m.notify != nil {
		m.notify(ctx, Completion{Text: g.text, Jobs: g.jobs, Translations: translations})
	}
}

// Drain dispatches every pending group immediately and waits for all
// in-flight dispatches. AddJob fails with ErrClosed afterwards.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pending := make([]*textGroup, 0, len(m.groups))
	for text, g := range m.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		pending = append(pending, g)
		delete(m.groups, text)
	}
	m.wg.Add(len(pending))
	m.mu.Unlock()

	for _, g := range pending {
		go func(g *textGroup) {
			defer m.wg.Done()
			m.dispatch(m.ctx, g)
		}(g)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// Close drops pending groups without dispatching them and cancels in-flight
// work.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for text, g := range m.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(m.groups, text)
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
