package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresCache keeps risk score entries in the risk_cache table, next to the
// records they are derived from. The upsert makes concurrent first-reads for
// the same country converge last-writer-wins instead of surfacing a unique
// violation.
type PostgresCache struct {
	db *sql.DB
}

func NewPostgresCache(db *sql.DB) *PostgresCache {
	return &PostgresCache{db: db}
}

func (c *PostgresCache) Get(ctx context.Context, country string) (Entry, bool, error) {
	const query = `SELECT country, avg_score, computed_at FROM risk_cache WHERE country = $1`
	var entry Entry
	err := c.db.QueryRowContext(ctx, query, country).Scan(&entry.Country, &entry.AvgScore, &entry.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get risk entry: %w", err)
	}
	return entry, true, nil
}

func (c *PostgresCache) Put(ctx context.Context, entry Entry) error {
	const query = `
		INSERT INTO risk_cache (country, avg_score, computed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (country) DO UPDATE
		SET avg_score = EXCLUDED.avg_score, computed_at = EXCLUDED.computed_at
	`
	if _, err := c.db.ExecContext(ctx, query, entry.Country, entry.AvgScore, entry.ComputedAt); err != nil {
		return fmt.Errorf("put risk entry: %w", err)
	}
	return nil
}

func (c *PostgresCache) Evict(ctx context.Context, country string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM risk_cache WHERE country = $1`, country); err != nil {
		return fmt.Errorf("evict risk entry: %w", err)
	}
	return nil
}

func (c *PostgresCache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
