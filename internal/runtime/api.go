package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-live/internal/cache"
	"github.com/loqalabs/loqa-live/internal/linestore"
)

const (
	defaultLineLimit = 200
	maxLineLimit     = 1000
)

type lineLister interface {
	ListSessionLines(ctx context.Context, sessionID string, afterSeq, limit int) ([]linestore.Line, error)
}

type translationLookup interface {
	Get(ctx context.Context, text, language string) (cache.Entry, bool)
}

// api serves read-only views of transcripts and cached translations to
// downstream consumers.
type api struct {
	lines lineLister
	cache translationLookup
	log   *slog.Logger
}

func newAPI(lines lineLister, c translationLookup, log *slog.Logger) *api {
	return &api{lines: lines, cache: c, log: log.With(slog.String("component", "api"))}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{id}/lines", a.handleLines)
	mux.HandleFunc("GET /v1/translations", a.handleTranslation)
}

type lineView struct {
	ID                string `json:"id"`
	Sequence          int    `json:"sequence"`
	Text              string `json:"text"`
	FinalizedAtMS     int64  `json:"finalized_at_ms"`
	TranslationStatus string `json:"translation_status"`
}

type linesResponse struct {
	SessionID string     `json:"session_id"`
	Lines     []lineView `json:"lines"`
}

func (a *api) handleLines(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	after, err := intParam(req, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, err := intParam(req, "limit", defaultLineLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxLineLimit {
		limit = maxLineLimit
	}

	lines, err := a.lines.ListSessionLines(req.Context(), sessionID, after, limit)
	if err != nil {
		a.log.Warn("list session lines failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "line store unavailable")
		return
	}
	resp := linesResponse{SessionID: sessionID, Lines: make([]lineView, 0, len(lines))}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, lineView{
			ID:                l.ID,
			Sequence:          l.Sequence,
			Text:              l.Text,
			FinalizedAtMS:     l.FinalizedAtMS,
			TranslationStatus: l.TranslationStatus,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type translationResponse struct {
	Text           string    `json:"text"`
	Language       string    `json:"language"`
	TranslatedText string    `json:"translated_text"`
	Engine         string    `json:"engine"`
	Quality        float64   `json:"quality"`
	UsageCount     int       `json:"usage_count"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (a *api) handleTranslation(w http.ResponseWriter, req *http.Request) {
	text := strings.TrimSpace(req.URL.Query().Get("text"))
	lang := strings.TrimSpace(req.URL.Query().Get("lang"))
	if text == "" || lang == "" {
		writeError(w, http.StatusBadRequest, "text and lang are required")
		return
	}
	entry, ok := a.cache.Get(req.Context(), text, lang)
	if !ok {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	writeJSON(w, http.StatusOK, translationResponse{
		Text:           entry.OriginalText,
		Language:       entry.TargetLanguage,
		TranslatedText: entry.TranslatedText,
		Engine:         entry.Engine,
		Quality:        entry.QualityScore,
		UsageCount:     entry.UsageCount,
		ExpiresAt:      entry.ExpiresAt,
	})
}

func intParam(req *http.Request, name string, def int) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
