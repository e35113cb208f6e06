package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine hands translation to an external command. The command reads
// {"text": ..., "languages": [...]} on stdin and prints
// {"translations": {"<lang>": "..."}} on stdout.
type execEngine struct {
	name    string
	quality float64
	cmd     []string
}

type execRequest struct {
	Text      string   `json:"text"`
	Languages []string `json:"languages"`
}

type execResponse struct {
	Translations map[string]string `json:"translations"`
}

func NewExecEngine(cfg config.EngineConfig) (BatchEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine %s: command empty", cfg.Name)
	}
	return &execEngine{name: cfg.Name, quality: cfg.Quality, cmd: args}, nil
}

func (e *execEngine) Name() string     { return e.name }
func (e *execEngine) Quality() float64 { return e.quality }

func (e *execEngine) Translate(ctx context.Context, text, language string) (string, error) {
	out, err := e.TranslateBatch(ctx, text, []string{language})
	if err != nil {
		return "", err
	}
	return single(out, language)
}

func (e *execEngine) TranslateBatch(ctx context.Context, text string, languages []string) (map[string]string, error) {
	input, err := json.Marshal(execRequest{Text: text, Languages: languages})
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("decode engine command response: %w", err)
	}
	return resp.Translations, nil
}
