package cache

import (
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

// Policy maps an engine name to how long its translations are kept.
type Policy struct {
	ttl      map[string]time.Duration
	fallback time.Duration
}

func NewPolicy(engines []config.EngineConfig, defaultTTL time.Duration) Policy {
	p := Policy{ttl: make(map[string]time.Duration, len(engines)), fallback: defaultTTL}
	for _, e := range engines {
		if e.TTLHours > 0 {
			p.ttl[e.Name] = time.Duration(e.TTLHours) * time.Hour
		}
	}
	return p
}

func (p Policy) TTL(engine string) time.Duration {
	if d, ok := p.ttl[engine]; ok {
		return d
	}
	return p.fallback
}
