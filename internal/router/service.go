package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/queue"
	"github.com/nats-io/nats.go"
)

// endedRetention keeps settings of ended sessions around for lines that are
// still being flushed.
const endedRetention = 5 * time.Minute

const drainTimeout = 2 * time.Second

// JobQueue accepts translation jobs.
type JobQueue interface {
	AddJob(ctx context.Context, req queue.JobRequest) (queue.Job, error)
}

// SessionRecorder persists session settings.
type SessionRecorder interface {
	AppendSession(ctx context.Context, sessionID, priority string, languages []string) error
}

// Service fans finalized transcript lines out into one translation job per
// target language of the session, and publishes completed translations.
type Service struct {
	cfg      config.SessionConfig
	bus      *bus.Client
	jobs     JobQueue
	recorder SessionRecorder
	logger   *slog.Logger
	clock    func() time.Time

	subControl *nats.Subscription
	subLines   *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	sessions   map[string]*sessionState
	mu         sync.Mutex
}

type sessionState struct {
	Languages []string
	Priority  queue.Priority
	EndedAt   time.Time
}

func NewService(parent context.Context, cfg config.SessionConfig, busClient *bus.Client, jobs JobQueue, recorder SessionRecorder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		jobs:     jobs,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "router")),
		clock:    time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionControl, s.handleControl)
	if err != nil {
		return err
	}
	s.subControl = sub

	subLines, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptLine, s.handleLine)
	if err != nil {
		_ = s.subControl.Drain()
		return err
	}
	s.subLines = subLines
	return nil
}

// Close drains both subscriptions so that lines already delivered still
// become jobs, then cancels job submission.
func (s *Service) Close() {
	for _, sub := range []*nats.Subscription{s.subControl, s.subLines} {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	deadline := time.Now().Add(drainTimeout)
	for _, sub := range []*nats.Subscription{s.subControl, s.subLines} {
		for sub != nil && sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	s.cancel()
}

func (s *Service) Healthy() bool {
	return s.subControl != nil && s.subLines != nil
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("router failed to decode session control", slogError(err))
		return
	}
	if ctrl.SessionID == "" {
		return
	}

	s.mu.Lock()
	s.pruneEnded()
	switch ctrl.Action {
	case protocol.SessionActionStart:
		state := &sessionState{Languages: s.cfg.DefaultLanguages, Priority: queue.Priority(s.cfg.DefaultPriority)}
		if langs := cleanLanguages(ctrl.Languages); len(langs) > 0 {
			state.Languages = langs
		}
		if ctrl.Priority == string(queue.PriorityHigh) || ctrl.Priority == string(queue.PriorityNormal) {
			state.Priority = queue.Priority(ctrl.Priority)
		}
		s.sessions[ctrl.SessionID] = state
		s.mu.Unlock()
		if s.recorder != nil {
			if err := s.recorder.AppendSession(s.ctx, ctrl.SessionID, string(state.Priority), state.Languages); err != nil {
				s.logger.Warn("router failed to record session", slog.String("session_id", ctrl.SessionID), slogError(err))
			}
		}
		return
	case protocol.SessionActionEnd:
		if state, ok := s.sessions[ctrl.SessionID]; ok {
			state.EndedAt = s.clock()
		}
	}
	s.mu.Unlock()
}

// pruneEnded drops sessions that ended a while ago. Callers hold s.mu.
func (s *Service) pruneEnded() {
	now := s.clock()
	for id, state := range s.sessions {
		if !state.EndedAt.IsZero() && now.Sub(state.EndedAt) > endedRetention {
			delete(s.sessions, id)
		}
	}
}

func (s *Service) settings(sessionID string) ([]string, queue.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.sessions[sessionID]; ok {
		return state.Languages, state.Priority
	}
	return s.cfg.DefaultLanguages, queue.Priority(s.cfg.DefaultPriority)
}

func (s *Service) handleLine(msg *nats.Msg) {
	var line protocol.TranscriptLine
	if err := json.Unmarshal(msg.Data, &line); err != nil {
		s.logger.Warn("router failed to decode transcript line", slogError(err))
		return
	}
	if strings.TrimSpace(line.Text) == "" {
		return
	}
	languages, priority := s.settings(line.SessionID)
	for _, lang := range languages {
		_, err := s.jobs.AddJob(s.ctx, queue.JobRequest{
			Text:             line.Text,
			TargetLanguage:   lang,
			SessionID:        line.SessionID,
			TranscriptLineID: line.ID,
			Priority:         priority,
		})
		if err != nil {
			s.logger.Warn("router failed to queue translation",
				slog.String("session_id", line.SessionID),
				slog.String("language", lang),
				slogError(err))
			return
		}
	}
}

// Notify publishes a completed translation group. It is handed to the
// queue manager as its completion callback.
func (s *Service) Notify(_ context.Context, c queue.Completion) {
	ready := protocol.TranslationReady{Text: c.Text, Timestamp: s.clock().UTC()}
	seenSession := make(map[string]bool)
	seenLine := make(map[string]bool)
	for _, job := range c.Jobs {
		if job.SessionID != "" && !seenSession[job.SessionID] {
			seenSession[job.SessionID] = true
			ready.SessionIDs = append(ready.SessionIDs, job.SessionID)
		}
		if job.TranscriptLineID != "" && !seenLine[job.TranscriptLineID] {
			seenLine[job.TranscriptLineID] = true
			ready.LineIDs = append(ready.LineIDs, job.TranscriptLineID)
		}
	}
	for lang, t := range c.Translations {
		ready.Translations = append(ready.Translations, protocol.Translation{
			Language: lang,
			Text:     t.Text,
			Engine:   t.Engine,
			Quality:  t.Quality,
			Cached:   t.Cached,
		})
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranslationReady, ready); err != nil {
		s.logger.Warn("router failed to publish translation", slogError(err))
	}
}

func cleanLanguages(langs []string) []string {
	seen := make(map[string]bool, len(langs))
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
