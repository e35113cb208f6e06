package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/linestore"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/reconcile"
	"github.com/loqalabs/loqa-live/internal/segmenter"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// endedRetention is how long frames of an ended session are ignored.
const endedRetention = 5 * time.Minute

// Transcriber turns an audio segment into a reconciler candidate.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID, languageHint string, seg segmenter.AudioSegment) (reconcile.Candidate, bool)
}

// LineWriter persists finalized lines.
type LineWriter interface {
	AppendLine(ctx context.Context, line linestore.Line) error
}

// Service owns one segmenter and one reconciler per live session. Frames are
// segmented on the bus handler; each session has a worker goroutine that
// transcribes segments in order and is the only writer of its reconciler.
type Service struct {
	cfg         config.Config
	bus         *bus.Client
	transcriber Transcriber
	lines       LineWriter
	logger      *slog.Logger
	clock       func() time.Time

	sessions map[string]*sessionState
	ended    map[string]time.Time
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subAudio *nats.Subscription
	subCtrl  *nats.Subscription
	wg       sync.WaitGroup
	ready    bool

	segmentsCounter metric.Int64Counter
	linesCounter    metric.Int64Counter
}

type sessionState struct {
	id   string
	hint string // guarded by Service.mu

	// mu serializes the segmenter and guards the segments channel against
	// sends after close.
	mu       sync.Mutex
	seg      *segmenter.Segmenter
	segments chan segmenter.AudioSegment
	closed   bool

	// owned by the worker goroutine
	rec      *reconcile.Reconciler
	lastTail string
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, transcriber Transcriber, lines LineWriter, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("github.com/loqalabs/loqa-live/session")
	segmentsCounter, _ := meter.Int64Counter("loqa.session.segments")
	linesCounter, _ := meter.Int64Counter("loqa.session.lines")
	return &Service{
		cfg:             cfg,
		bus:             busClient,
		transcriber:     transcriber,
		lines:           lines,
		logger:          logger.With(slog.String("component", "session")),
		clock:           time.Now,
		sessions:        make(map[string]*sessionState),
		ended:           make(map[string]time.Time),
		ctx:             ctx,
		cancel:          cancel,
		segmentsCounter: segmentsCounter,
		linesCounter:    linesCounter,
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subAudio = sub

	subCtrl, err := s.bus.Conn().Subscribe(protocol.SubjectSessionControl, s.handleControl)
	if err != nil {
		_ = s.subAudio.Drain()
		return fmt.Errorf("subscribe session control: %w", err)
	}
	s.subCtrl = subCtrl
	s.ready = true
	return nil
}

// Close stops ingesting, ends every live session and waits for workers to
// flush their remaining lines.
func (s *Service) Close() {
	if s.subAudio != nil {
		_ = s.subAudio.Unsubscribe()
	}
	if s.subCtrl != nil {
		_ = s.subCtrl.Unsubscribe()
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.End(id)
	}
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	return s.ready
}

// Active returns the number of live sessions.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}
	s.Ingest(frame)
}

// Ingest feeds one audio frame into its session, creating the session on
// first sight. A final frame ends the session.
func (s *Service) Ingest(frame protocol.AudioFrame) {
	if frame.SessionID == "" {
		return
	}
	state, err := s.session(frame.SessionID, "", frame.SampleRate, frame.Channels)
	if err != nil {
		s.logger.Warn("failed to open session", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}
	if state == nil {
		return
	}
	state.mu.Lock()
	if !state.closed {
		for _, seg := range state.seg.Process(frame.PCM) {
			s.enqueue(state, seg)
		}
	}
	state.mu.Unlock()
	if frame.Final {
		s.End(frame.SessionID)
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("failed to decode session control", slogError(err))
		return
	}
	if ctrl.SessionID == "" {
		return
	}
	switch ctrl.Action {
	case protocol.SessionActionStart:
		s.mu.Lock()
		delete(s.ended, ctrl.SessionID)
		s.mu.Unlock()
		if _, err := s.session(ctrl.SessionID, ctrl.LanguageHint, 0, 0); err != nil {
			s.logger.Warn("failed to open session", slog.String("session_id", ctrl.SessionID), slogError(err))
		}
	case protocol.SessionActionEnd:
		s.End(ctrl.SessionID)
	default:
		s.logger.Debug("ignoring session control", slog.String("action", ctrl.Action))
	}
}

// session returns the live state for id, creating it if needed. It returns
// nil for sessions that recently ended.
func (s *Service) session(id, hint string, sampleRate, channels int) (*sessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.sessions[id]; state != nil {
		if hint != "" {
			state.hint = hint
		}
		return state, nil
	}
	now := s.clock()
	for ended, at := range s.ended {
		if now.Sub(at) > endedRetention {
			delete(s.ended, ended)
		}
	}
	if _, ok := s.ended[id]; ok {
		return nil, nil
	}

	segCfg := s.cfg.Segmenter
	if sampleRate > 0 {
		segCfg.SampleRate = sampleRate
	}
	if channels > 0 {
		segCfg.Channels = channels
	}
	rec, err := reconcile.New(s.cfg.Reconciler, id, s.logger)
	if err != nil {
		return nil, err
	}
	if hint == "" {
		hint = s.cfg.Sessions.LanguageHint
	}
	backlog := s.cfg.Sessions.SegmentBacklog
	if backlog <= 0 {
		backlog = 32
	}
	state := &sessionState{
		id:       id,
		hint:     hint,
		seg:      segmenter.New(segCfg, nil, s.logger.With(slog.String("session_id", id))),
		rec:      rec,
		segments: make(chan segmenter.AudioSegment, backlog),
	}
	s.sessions[id] = state
	s.wg.Add(1)
	go s.work(state)
	s.logger.Info("session opened", slog.String("session_id", id))
	return state, nil
}

// End flushes the session's segmenter and lets its worker finalize the
// remaining transcript.
func (s *Service) End(id string) {
	s.mu.Lock()
	state := s.sessions[id]
	if state == nil {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	s.ended[id] = s.clock()
	s.mu.Unlock()

	state.mu.Lock()
	for _, seg := range state.seg.Flush() {
		s.enqueue(state, seg)
	}
	state.closed = true
	close(state.segments)
	stats := state.seg.Stats()
	fallback := state.seg.Fallback()
	state.mu.Unlock()

	s.logger.Info("session ended",
		slog.String("session_id", id),
		slog.Int("segments", stats.Emitted),
		slog.Int("forced", stats.Forced),
		slog.Bool("fallback", fallback))
}

func (s *Service) enqueue(state *sessionState, seg segmenter.AudioSegment) {
	s.segmentsCounter.Add(s.ctx, 1, metric.WithAttributes(attribute.Bool("forced", seg.Forced)))
	select {
	case state.segments <- seg:
	case <-s.ctx.Done():
	}
}

func (s *Service) work(state *sessionState) {
	defer s.wg.Done()
	for seg := range state.segments {
		cand, ok := s.transcriber.Transcribe(s.ctx, state.id, s.hint(state), seg)
		if !ok {
			continue
		}
		s.emit(state, state.rec.AddCandidate(cand))
		s.publishTail(state)
	}
	s.emit(state, state.rec.Close())
	s.publishTail(state)
}

func (s *Service) hint(state *sessionState) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return state.hint
}

func (s *Service) emit(state *sessionState, lines []reconcile.Line) {
	for _, line := range lines {
		if s.lines != nil {
			err := s.lines.AppendLine(s.ctx, linestore.Line{
				ID:            line.ID,
				SessionID:     line.SessionID,
				Sequence:      line.Sequence,
				Text:          line.Text,
				FinalizedAtMS: line.FinalizedAtMS,
			})
			if err != nil {
				s.logger.Warn("failed to store transcript line", slog.String("session_id", state.id), slogError(err))
			}
		}
		s.linesCounter.Add(s.ctx, 1)
		msg := protocol.TranscriptLine{
			ID:            line.ID,
			SessionID:     line.SessionID,
			Sequence:      line.Sequence,
			Text:          line.Text,
			FinalizedAtMS: line.FinalizedAtMS,
			Timestamp:     s.clock().UTC(),
		}
		if err := s.bus.PublishJSON(protocol.SubjectTranscriptLine, msg); err != nil {
			s.logger.Warn("failed to publish transcript line", slogError(err))
		}
	}
}

func (s *Service) publishTail(state *sessionState) {
	if !s.cfg.Sessions.PublishTail {
		return
	}
	tail := state.rec.PendingTailText()
	if tail == state.lastTail {
		return
	}
	state.lastTail = tail
	msg := protocol.TranscriptTail{SessionID: state.id, Text: tail, Timestamp: s.clock().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptTail, msg); err != nil {
		s.logger.Warn("failed to publish transcript tail", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
