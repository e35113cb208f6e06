package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-live/internal/cache"
	"github.com/loqalabs/loqa-live/internal/linestore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLines struct {
	lines     []linestore.Line
	err       error
	lastAfter int
	lastLimit int
}

func (f *fakeLines) ListSessionLines(_ context.Context, sessionID string, afterSeq, limit int) ([]linestore.Line, error) {
	f.lastAfter, f.lastLimit = afterSeq, limit
	if f.err != nil {
		return nil, f.err
	}
	var out []linestore.Line
	for _, l := range f.lines {
		if l.SessionID == sessionID && l.Sequence > afterSeq {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeLookup map[string]cache.Entry

func (f fakeLookup) Get(_ context.Context, text, language string) (cache.Entry, bool) {
	e, ok := f[language+"|"+text]
	return e, ok
}

func newTestServer(lines *fakeLines, lookup fakeLookup) *httptest.Server {
	mux := http.NewServeMux()
	newAPI(lines, lookup, newLogger()).register(mux)
	return httptest.NewServer(mux)
}

func TestLinesEndpoint(t *testing.T) {
	lines := &fakeLines{lines: []linestore.Line{
		{ID: "a", SessionID: "s1", Sequence: 1, Text: "Hello.", TranslationStatus: linestore.StatusCompleted},
		{ID: "b", SessionID: "s1", Sequence: 2, Text: "World.", TranslationStatus: linestore.StatusPending},
		{ID: "c", SessionID: "s2", Sequence: 1, Text: "Other."},
	}}
	srv := newTestServer(lines, fakeLookup{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/lines?after=1&limit=5000")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body linesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.SessionID != "s1" || len(body.Lines) != 1 || body.Lines[0].ID != "b" || body.Lines[0].TranslationStatus != "pending" {
		t.Fatalf("unexpected body %+v", body)
	}
	if lines.lastAfter != 1 || lines.lastLimit != maxLineLimit {
		t.Fatalf("expected clamped limit, got after=%d limit=%d", lines.lastAfter, lines.lastLimit)
	}
}

func TestLinesEndpointErrors(t *testing.T) {
	lines := &fakeLines{}
	srv := newTestServer(lines, fakeLookup{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/lines?limit=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", resp.StatusCode)
	}

	lines.err = errors.New("disk gone")
	resp, err = http.Get(srv.URL + "/v1/sessions/s1/lines")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected server error, got %d", resp.StatusCode)
	}
}

func TestTranslationEndpoint(t *testing.T) {
	lookup := fakeLookup{"ko|Hello": {OriginalText: "Hello", TargetLanguage: "ko", TranslatedText: "안녕하세요", Engine: "openai", QualityScore: 0.9, UsageCount: 3}}
	srv := newTestServer(&fakeLines{}, lookup)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/translations?text=Hello&lang=ko")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body translationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.TranslatedText != "안녕하세요" || body.Engine != "openai" || body.UsageCount != 3 {
		t.Fatalf("unexpected body %+v", body)
	}

	for url, want := range map[string]int{
		"/v1/translations?text=Hello&lang=zh": http.StatusNotFound,
		"/v1/translations?lang=zh":            http.StatusBadRequest,
	} {
		resp, err := http.Get(srv.URL + url)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", url, want, resp.StatusCode)
		}
	}
}
