// Package cache provides storage backends for computed per-country average
// risk scores. Entries have no TTL: they live until a mutation against the
// country's records evicts them, so a cached value is never older than the
// last write the caller could have caused.
package cache

import (
	"context"
	"time"
)

// Entry is one cached aggregate, keyed by country.
type Entry struct {
	Country    string    `json:"country"`
	AvgScore   float64   `json:"avg_score"`
	ComputedAt time.Time `json:"computed_at"`
}

// Store is implemented by the Postgres and Redis backends. Put must be an
// upsert: concurrent computations for the same country converge
// last-writer-wins. Evict must be idempotent.
type Store interface {
	Get(ctx context.Context, country string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Evict(ctx context.Context, country string) error
	Ping(ctx context.Context) error
}
