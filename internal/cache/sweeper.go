package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

// SweepReport counts rows removed by each eviction tier.
type SweepReport struct {
	Expired   int64
	LowUsage  int64
	Aged      int64
	Remaining int64
}

func (r SweepReport) Removed() int64 {
	return r.Expired + r.LowUsage + r.Aged
}

// Sweeper evicts cache rows in three tiers: expired rows, then rarely used
// old rows, then anything past the hard age limit. Tiers two and three only
// run while the store holds more than MaxEntries rows.
type Sweeper struct {
	cache *Cache
	cfg   config.CacheConfig
	log   *slog.Logger
	clock func() time.Time
}

func NewSweeper(c *Cache, cfg config.CacheConfig, log *slog.Logger) *Sweeper {
	return &Sweeper{
		cache: c,
		cfg:   cfg,
		log:   log.With(slog.String("component", "cache-sweeper")),
		clock: time.Now,
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.clock()
	store := s.cache.store

	n, err := store.Delete(ctx, Predicate{ExpiredBefore: now})
	if err != nil {
		return report, err
	}
	report.Expired = n

	var lowUsage, aged Predicate
	if s.cfg.MinUsage > 0 {
		lowUsage = Predicate{UsageBelow: s.cfg.MinUsage, CreatedBefore: now.Add(-hours(s.cfg.LowUsageAgeHours))}
	}
	if s.cfg.MaxAgeHours > 0 {
		aged = Predicate{CreatedBefore: now.Add(-hours(s.cfg.MaxAgeHours))}
	}
	tiers := []struct {
		pred Predicate
		dst  *int64
	}{
		{lowUsage, &report.LowUsage},
		{aged, &report.Aged},
	}
	for _, tier := range tiers {
		count, err := store.Count(ctx)
		if err != nil {
			return report, err
		}
		report.Remaining = count
		if s.cfg.MaxEntries <= 0 || count <= int64(s.cfg.MaxEntries) {
			break
		}
		n, err := store.Delete(ctx, tier.pred)
		if err != nil {
			return report, err
		}
		*tier.dst = n
	}
	if report.Removed() > 0 {
		s.cache.Purge()
		count, err := store.Count(ctx)
		if err != nil {
			return report, err
		}
		report.Remaining = count
	}
	return report, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.SweepIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.log.Warn("cache sweep failed", slog.String("error", err.Error()))
				continue
			}
			if report.Removed() > 0 {
				s.log.Info("cache sweep",
					slog.Int64("expired", report.Expired),
					slog.Int64("low_usage", report.LowUsage),
					slog.Int64("aged", report.Aged),
					slog.Int64("remaining", report.Remaining))
			}
		}
	}
}

func hours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
