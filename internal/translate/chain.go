package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Rung is one engine in the chain with its call budget.
type Rung struct {
	Engine  Engine
	Timeout time.Duration
	Limiter *rate.Limiter
}

type Options struct {
	TrivialLength int
	Concurrency   int
}

// Chain tries engines in rank order until one yields an accepted result.
type Chain struct {
	rungs         []Rung
	trivialLength int
	concurrency   int
	log           *slog.Logger
	tracer        trace.Tracer
	attempts      metric.Int64Counter
}

func NewChain(rungs []Rung, opts Options, log *slog.Logger) *Chain {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	c := &Chain{
		rungs:         rungs,
		trivialLength: opts.TrivialLength,
		concurrency:   concurrency,
		log:           log.With(slog.String("component", "translate")),
		tracer:        otel.Tracer("github.com/loqalabs/loqa-live/translate"),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-live/translate").Int64Counter("loqa.translate.attempts",
		metric.WithDescription("Translation engine attempts by outcome"))
	if err != nil {
		c.log.Warn("translate metrics unavailable", slog.String("error", err.Error()))
	} else {
		c.attempts = counter
	}
	return c
}

// FromConfig builds a chain from the enabled engines in rank order.
func FromConfig(cfg config.TranslationConfig, log *slog.Logger) (*Chain, error) {
	var rungs []Rung
	for _, ec := range cfg.Engines {
		if !ec.Enabled {
			continue
		}
		engine, err := NewEngine(ec)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", ec.Name, err)
		}
		rung := Rung{Engine: engine, Timeout: time.Duration(ec.TimeoutMS) * time.Millisecond}
		if ec.RequestsPerSecond > 0 {
			burst := ec.Burst
			if burst <= 0 {
				burst = 1
			}
			rung.Limiter = rate.NewLimiter(rate.Limit(ec.RequestsPerSecond), burst)
		}
		rungs = append(rungs, rung)
	}
	if len(rungs) == 0 {
		return nil, errors.New("no translation engines enabled")
	}
	return NewChain(rungs, Options{TrivialLength: cfg.TrivialLength, Concurrency: cfg.Concurrency}, log), nil
}

// Engines lists the rung names in rank order.
func (c *Chain) Engines() []string {
	names := make([]string, len(c.rungs))
	for i, r := range c.rungs {
		names[i] = r.Engine.Name()
	}
	return names
}

// TranslateOne walks the chain for a single language.
func (c *Chain) TranslateOne(ctx context.Context, text, lang string) (Result, error) {
	for _, rung := range c.rungs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !c.allow(ctx, rung, lang) {
			continue
		}
		out, err := c.call(ctx, rung, "translate", []string{lang}, func(ctx context.Context) (map[string]string, error) {
			t, err := rung.Engine.Translate(ctx, text, lang)
			if err != nil {
				return nil, err
			}
			return map[string]string{lang: t}, nil
		})
		if err != nil {
			continue
		}
		if res, ok := c.accept(rung.Engine, text, lang, out[lang]); ok {
			return res, nil
		}
	}
	return Result{}, fmt.Errorf("%s: %w", lang, ErrExhausted)
}

// TranslateBatch asks batch-capable engines, in rank order, for every
// language at once. The first engine that returns at least one accepted
// translation wins; languages it left out are retried one by one through
// TranslateOne with bounded concurrency.
func (c *Chain) TranslateBatch(ctx context.Context, text string, langs []string) (map[string]Result, error) {
	results := make(map[string]Result, len(langs))
	batched := false
	for _, rung := range c.rungs {
		be, ok := rung.Engine.(BatchEngine)
		if !ok {
			continue
		}
		if !c.allow(ctx, rung, "batch") {
			continue
		}
		out, err := c.call(ctx, rung, "batch", langs, func(ctx context.Context) (map[string]string, error) {
			return be.TranslateBatch(ctx, text, langs)
		})
		if err != nil {
			continue
		}
		for _, lang := range langs {
			if res, ok := c.accept(rung.Engine, text, lang, out[lang]); ok {
				results[lang] = res
			}
		}
		if len(results) > 0 {
			batched = true
			break
		}
	}
	if !batched {
		return nil, ErrBatchFailed
	}

	var missing []string
	for _, lang := range langs {
		if _, ok := results[lang]; !ok {
			missing = append(missing, lang)
		}
	}
	if len(missing) == 0 {
		return results, nil
	}
	filled, err := c.TranslateEach(ctx, text, missing)
	for lang, res := range filled {
		results[lang] = res
	}
	return results, err
}

// TranslateEach runs TranslateOne per language with at most Concurrency
// calls in flight. It returns what succeeded along with the first error.
func (c *Chain) TranslateEach(ctx context.Context, text string, langs []string) (map[string]Result, error) {
	var mu sync.Mutex
	results := make(map[string]Result, len(langs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, lang := range langs {
		g.Go(func() error {
			res, err := c.TranslateOne(gctx, text, lang)
			if err != nil {
				return err
			}
			mu.Lock()
			results[lang] = res
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func (c *Chain) allow(ctx context.Context, rung Rung, op string) bool {
	if rung.Limiter == nil || rung.Limiter.Allow() {
		return true
	}
	c.record(ctx, rung.Engine.Name(), "rate_limited")
	c.log.Debug("engine rate limited", slog.String("engine", rung.Engine.Name()), slog.String("op", op))
	return false
}

func (c *Chain) call(ctx context.Context, rung Rung, op string, langs []string, fn func(context.Context) (map[string]string, error)) (map[string]string, error) {
	ctx, span := c.tracer.Start(ctx, "translate."+op, trace.WithAttributes(
		attribute.String("engine", rung.Engine.Name()),
		attribute.StringSlice("languages", langs),
	))
	defer span.End()

	if rung.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rung.Timeout)
		defer cancel()
	}
	started := time.Now()
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.record(ctx, rung.Engine.Name(), "error")
		c.log.Warn("engine call failed",
			slog.String("engine", rung.Engine.Name()),
			slog.String("op", op),
			slog.Duration("latency", time.Since(started)),
			slog.String("error", err.Error()))
		return nil, err
	}
	c.record(ctx, rung.Engine.Name(), "ok")
	return out, nil
}

type terminalEngine interface {
	terminal() bool
}

func (c *Chain) accept(engine Engine, text, lang, translated string) (Result, bool) {
	if t, ok := engine.(terminalEngine); !ok || !t.terminal() {
		if err := validate(text, translated, lang, c.trivialLength); err != nil {
			c.record(context.Background(), engine.Name(), "rejected")
			c.log.Debug("translation rejected",
				slog.String("engine", engine.Name()),
				slog.String("language", lang),
				slog.String("error", err.Error()))
			return Result{}, false
		}
	}
	return Result{Text: translated, Engine: engine.Name(), Quality: engine.Quality()}, true
}

func (c *Chain) record(ctx context.Context, engine, outcome string) {
	if c.attempts == nil {
		return
	}
	c.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("outcome", outcome),
	))
}
