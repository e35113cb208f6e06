package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cache is the shared translation cache: an in-process LRU in front of a
// persistent Store.
type Cache struct {
	store            Store
	front            *lru.Cache[string, Entry]
	policy           Policy
	retranslateBelow float64
	log              *slog.Logger
	clock            func() time.Time

	lookups metric.Int64Counter
	writes  metric.Int64Counter
}

type Options struct {
	LRUSize          int
	RetranslateBelow float64
}

func New(store Store, policy Policy, opts Options, log *slog.Logger) (*Cache, error) {
	size := opts.LRUSize
	if size <= 0 {
		size = 1024
	}
	front, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c := &Cache{
		store:            store,
		front:            front,
		policy:           policy,
		retranslateBelow: opts.RetranslateBelow,
		log:              log.With(slog.String("component", "translation-cache")),
		clock:            time.Now,
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("cache metrics unavailable", slog.String("error", err.Error()))
	}
	return c, nil
}

func (c *Cache) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/cache")
	lookups, err := meter.Int64Counter("loqa.cache.lookups", metric.WithDescription("Translation cache lookups by result"))
	if err != nil {
		return err
	}
	writes, err := meter.Int64Counter("loqa.cache.writes", metric.WithDescription("Translation cache writes"))
	if err != nil {
		return err
	}
	c.lookups = lookups
	c.writes = writes
	return nil
}

// Get returns a live entry for (text, language). Entries whose quality is
// below the retranslation threshold are reported as misses so a better
// engine gets a chance to replace them. A hit always counts as a hit even if
// recording its usage fails.
func (c *Cache) Get(ctx context.Context, text, language string) (Entry, bool) {
	hash := ContentHash(text, language)
	now := c.clock()

	entry, ok := c.front.Get(hash)
	if ok && now.After(entry.ExpiresAt) {
		c.front.Remove(hash)
		ok = false
	}
	if !ok {
		stored, found, err := c.store.Get(ctx, hash, now)
		if err != nil {
			c.log.Warn("cache read failed", slog.String("error", err.Error()))
			c.count(ctx, c.lookups, "error")
			return Entry{}, false
		}
		if !found {
			c.count(ctx, c.lookups, "miss")
			return Entry{}, false
		}
		entry = stored
	}
	if entry.QualityScore < c.retranslateBelow {
		c.front.Add(hash, entry)
		c.count(ctx, c.lookups, "low_quality")
		return Entry{}, false
	}

	if err := c.store.IncrementUsage(ctx, entry.ID); err != nil {
		c.log.Warn("cache usage increment failed", slog.String("id", entry.ID), slog.String("error", err.Error()))
	} else {
		entry.UsageCount++
	}
	c.front.Add(hash, entry)
	c.count(ctx, c.lookups, "hit")
	return entry, true
}

// Put records a translation and returns the id of the entry that now holds
// (text, language). Concurrent puts for the same key converge on one row.
func (c *Cache) Put(ctx context.Context, text, language, translated, engine string, quality float64) (string, error) {
	now := c.clock().UTC()
	hash := ContentHash(text, language)
	id, err := c.store.Upsert(ctx, Entry{
		ID:             uuid.NewString(),
		ContentHash:    hash,
		OriginalText:   text,
		TargetLanguage: language,
		TranslatedText: translated,
		Engine:         engine,
		QualityScore:   quality,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.policy.TTL(engine)),
	})
	if err != nil {
		return "", err
	}
	c.front.Remove(hash)
	c.count(ctx, c.writes, engine)
	return id, nil
}

// Purge drops the in-process front after rows were evicted from the store.
func (c *Cache) Purge() {
	c.front.Purge()
}

func (c *Cache) count(ctx context.Context, counter metric.Int64Counter, label string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", label)))
}
