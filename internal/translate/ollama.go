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

type ollamaEngine struct {
	name     string
	quality  float64
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaEngine is the self-hosted generative rung.
func NewOllamaEngine(cfg config.EngineConfig) BatchEngine {
	model := cfg.Model
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaEngine{
		name:     cfg.Name,
		quality:  cfg.Quality,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    model,
		client:   http.DefaultClient,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (e *ollamaEngine) Name() string     { return e.name }
func (e *ollamaEngine) Quality() float64 { return e.quality }

func (e *ollamaEngine) Translate(ctx context.Context, text, language string) (string, error) {
	out, err := e.TranslateBatch(ctx, text, []string{language})
	if err != nil {
		return "", err
	}
	return single(out, language)
}

func (e *ollamaEngine) TranslateBatch(ctx context.Context, text string, languages []string) (map[string]string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:   e.model,
		Prompt:  userPrompt(text, languages),
		System:  systemPrompt,
		Stream:  false,
		Format:  "json",
		Options: ollamaOptions{Temperature: 0.2},
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned status %s", resp.Status)
	}
	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	return parseTranslations(out.Response, languages)
}
