package translate

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAIEngine struct {
	name    string
	quality float64
	model   string
	client  *openai.Client
}

// NewOpenAIEngine is the premium generative rung.
func NewOpenAIEngine(cfg config.EngineConfig) (BatchEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("engine %s: api_key required", cfg.Name)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openAIEngine{
		name:    cfg.Name,
		quality: cfg.Quality,
		model:   model,
		client:  openai.NewClientWithConfig(clientCfg),
	}, nil
}

func (e *openAIEngine) Name() string     { return e.name }
func (e *openAIEngine) Quality() float64 { return e.quality }

func (e *openAIEngine) Translate(ctx context.Context, text, language string) (string, error) {
	out, err := e.TranslateBatch(ctx, text, []string{language})
	if err != nil {
		return "", err
	}
	return single(out, language)
}

func (e *openAIEngine) TranslateBatch(ctx context.Context, text string, languages []string) (map[string]string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(text, languages)},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	return parseTranslations(resp.Choices[0].Message.Content, languages)
}
