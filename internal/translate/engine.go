package translate

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-live/internal/config"
)

var (
	// ErrRejected marks output that failed validation.
	ErrRejected = errors.New("translation rejected")
	// ErrUnsupported is returned by engines that cannot serve a language.
	ErrUnsupported = errors.New("language not supported by engine")
	// ErrBatchFailed means no batch-capable engine produced any result.
	ErrBatchFailed = errors.New("batch translation failed")
	// ErrExhausted means every rung failed for a language.
	ErrExhausted = errors.New("all translation engines failed")
)

// Engine translates text into one target language.
type Engine interface {
	Name() string
	Quality() float64
	Translate(ctx context.Context, text, language string) (string, error)
}

// BatchEngine can translate one text into several languages in one call.
// Missing languages in the returned map are treated as misses.
type BatchEngine interface {
	Engine
	TranslateBatch(ctx context.Context, text string, languages []string) (map[string]string, error)
}

// Result is an accepted translation.
type Result struct {
	Text    string
	Engine  string
	Quality float64
}

// NewEngine builds the engine described by cfg.
func NewEngine(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Kind {
	case "openai":
		return NewOpenAIEngine(cfg)
	case "ollama":
		return NewOllamaEngine(cfg), nil
	case "libre":
		return NewLibreEngine(cfg), nil
	case "exec":
		return NewExecEngine(cfg)
	case "local":
		return NewLocalEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported engine kind %q", cfg.Kind)
	}
}
