package translate

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-live/internal/config"
)

// localEngine is the terminal rung: a tagged passthrough that never fails.
type localEngine struct {
	name    string
	quality float64
}

func NewLocalEngine(cfg config.EngineConfig) Engine {
	name := cfg.Name
	if name == "" {
		name = "local"
	}
	return &localEngine{name: name, quality: cfg.Quality}
}

func (e *localEngine) Name() string     { return e.name }
func (e *localEngine) Quality() float64 { return e.quality }

func (e *localEngine) Translate(_ context.Context, text, language string) (string, error) {
	return fmt.Sprintf("[%s] %s", language, text), nil
}

// terminal marks output the chain accepts without validation.
func (e *localEngine) terminal() bool { return true }
