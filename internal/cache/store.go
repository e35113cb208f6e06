package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Entry is one cached translation.
type Entry struct {
	ID             string
	ContentHash    string
	OriginalText   string
	TargetLanguage string
	TranslatedText string
	Engine         string
	QualityScore   float64
	UsageCount     int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Predicate selects rows for deletion. Set fields are combined with AND;
// a predicate with no field set matches nothing.
type Predicate struct {
	ExpiredBefore time.Time
	UsageBelow    int
	CreatedBefore time.Time
}

func (p Predicate) empty() bool {
	return p.ExpiredBefore.IsZero() && p.UsageBelow <= 0 && p.CreatedBefore.IsZero()
}

// Store is the persistent side of the cache.
type Store interface {
	// Get returns the entry for hash if it has not expired at now.
	Get(ctx context.Context, hash string, now time.Time) (Entry, bool, error)
	// Upsert stores e unless a live entry already holds the hash, and returns
	// the id of the stored row. A live entry is replaced in place when e has a
	// higher quality score. ExpiresAt never moves backwards.
	Upsert(ctx context.Context, e Entry) (string, error)
	IncrementUsage(ctx context.Context, id string) error
	Delete(ctx context.Context, p Predicate) (int64, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// ContentHash keys a (text, language) pair.
func ContentHash(text, language string) string {
	sum := sha256.Sum256([]byte(language + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
