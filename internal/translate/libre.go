package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-live/internal/config"
)

// libreEngine speaks the LibreTranslate /translate API.
type libreEngine struct {
	name     string
	quality  float64
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewLibreEngine(cfg config.EngineConfig) Engine {
	return &libreEngine{
		name:     cfg.Name,
		quality:  cfg.Quality,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   http.DefaultClient,
	}
}

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type libreResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

func (e *libreEngine) Name() string     { return e.name }
func (e *libreEngine) Quality() float64 { return e.quality }

func (e *libreEngine) Translate(ctx context.Context, text, language string) (string, error) {
	body, err := json.Marshal(libreRequest{Q: text, Source: "auto", Target: libreCode(language), Format: "text", APIKey: e.apiKey})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out libreResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(out.Error), "not supported") {
		return "", fmt.Errorf("libre %s: %w", language, ErrUnsupported)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("libre returned status %s: %s", resp.Status, out.Error)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode libre response: %w", decodeErr)
	}
	return strings.TrimSpace(out.TranslatedText), nil
}

// libreCode maps BCP 47 tags to the codes LibreTranslate expects.
func libreCode(language string) string {
	switch strings.ToLower(language) {
	case "zh-hans", "zh-cn":
		return "zh"
	case "zh-hant", "zh-tw":
		return "zt"
	}
	return language
}
