package reconcile

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/config"
)

// Candidate is one recognizer result for an audio segment.
type Candidate struct {
	ID              string
	Text            string
	StartOffsetMS   int64
	EndOffsetMS     int64
	Confidence      float64
	SourceSegmentID string
}

// Line is a finalized, immutable transcript line.
type Line struct {
	ID            string
	SessionID     string
	Sequence      int
	Text          string
	FinalizedAtMS int64
}

// Reconciler merges overlapping candidates of one session into a single
// canonical transcript. It is owned by the session worker and is not safe
// for concurrent use.
type Reconciler struct {
	cfg       config.ReconcilerConfig
	sessionID string
	log       *slog.Logger
	clock     func() time.Time
	noise     []*regexp.Regexp
	closing   []string

	committed  string
	tail       string
	lines      []Line
	candidates []Candidate
	last       *Candidate
	closed     bool
}

func New(cfg config.ReconcilerConfig, sessionID string, log *slog.Logger) (*Reconciler, error) {
	noise, err := compileNoise(cfg.NoisePatterns)
	if err != nil {
		return nil, err
	}
	closing := make([]string, 0, len(cfg.ClosingPhrases))
	for _, p := range cfg.ClosingPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			closing = append(closing, p)
		}
	}
	if cfg.RetainCandidates <= 0 {
		cfg.RetainCandidates = 16
	}
	return &Reconciler{
		cfg:       cfg,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "reconciler"), slog.String("session_id", sessionID)),
		clock:     time.Now,
		noise:     noise,
		closing:   closing,
	}, nil
}

// AddCandidate merges c into the transcript and returns the lines it
// finalized, if any.
func (r *Reconciler) AddCandidate(c Candidate) []Line {
	if r.closed {
		return nil
	}
	text := strings.Join(strings.Fields(c.Text), " ")
	if text == "" {
		return nil
	}
	if dup, ok := r.duplicateOf(c, text); ok {
		r.log.Debug("duplicate candidate rejected", slog.String("candidate_id", c.ID), slog.String("duplicate_of", dup.ID))
		return nil
	}

	if r.last != nil && c.StartOffsetMS < r.last.EndOffsetMS+int64(r.cfg.OverlapToleranceMS) {
		rest, trimmed, dropped := r.removeOverlap(r.CanonicalText(), text)
		if dropped {
			r.log.Debug("candidate repeats transcript tail", slog.String("candidate_id", c.ID))
			r.retain(c)
			return nil
		}
		if trimmed && utf8.RuneCountInString(strings.TrimSpace(rest)) < r.cfg.MinFragmentChars {
			r.retain(c)
			return nil
		}
		text = rest
	}

	r.tail = r.stripNoise(joinText(r.tail, text))
	r.retain(c)
	return r.finalize(false)
}

// CanonicalText returns finalized lines followed by the pending tail.
func (r *Reconciler) CanonicalText() string {
	return joinText(r.committed, r.tail)
}

// PendingTailText returns the unfinalized suffix.
func (r *Reconciler) PendingTailText() string {
	return r.tail
}

// Lines returns every line finalized so far.
func (r *Reconciler) Lines() []Line {
	return append([]Line(nil), r.lines...)
}

// Close finalizes whatever remains in the tail. Further candidates are ignored.
func (r *Reconciler) Close() []Line {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.finalize(true)
}

func (r *Reconciler) duplicateOf(c Candidate, text string) (Candidate, bool) {
	tolerance := int64(r.cfg.OverlapToleranceMS)
	norm := normalize(text)
	for _, prev := range r.candidates {
		if c.StartOffsetMS > prev.EndOffsetMS+tolerance || prev.StartOffsetMS > c.EndOffsetMS+tolerance {
			continue
		}
		if Similarity(normalize(prev.Text), norm) > r.cfg.DuplicateSimilarity {
			return prev, true
		}
	}
	return Candidate{}, false
}

func (r *Reconciler) retain(c Candidate) {
	r.candidates = append(r.candidates, c)
	sort.SliceStable(r.candidates, func(i, j int) bool {
		return r.candidates[i].StartOffsetMS < r.candidates[j].StartOffsetMS
	})
	if over := len(r.candidates) - r.cfg.RetainCandidates; over > 0 {
		r.candidates = append([]Candidate(nil), r.candidates[over:]...)
	}
	if r.last == nil || c.EndOffsetMS >= r.last.EndOffsetMS {
		last := c
		r.last = &last
	}
}

func (r *Reconciler) finalize(flush bool) []Line {
	var out []Line
	for r.tail != "" {
		idx := r.nextBoundary(r.tail)
		if idx < 0 {
			idx = forcedBoundary(r.tail, r.cfg.ForceBoundaryChars)
		}
		if idx < 0 {
			if !flush {
				break
			}
			idx = len(r.tail)
		}
		text := strings.TrimSpace(r.tail[:idx])
		r.tail = strings.TrimSpace(r.tail[idx:])
		if text == "" {
			continue
		}
		line := Line{
			ID:            uuid.NewString(),
			SessionID:     r.sessionID,
			Sequence:      len(r.lines) + 1,
			Text:          text,
			FinalizedAtMS: r.clock().UnixMilli(),
		}
		r.lines = append(r.lines, line)
		r.committed = joinText(r.committed, text)
		out = append(out, line)
	}
	return out
}
