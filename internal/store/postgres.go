package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert violates a unique constraint.
var ErrDuplicate = errors.New("duplicate key")

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	const insertUser = `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, username, password_hash, is_admin, created_at
	`
	var user User
	err := s.db.QueryRowContext(ctx, insertUser, username, passwordHash).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return User{}, fmt.Errorf("insert user %q: %w", username, ErrDuplicate)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const query = `SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ListConflicts returns one page of records plus the total count for the same
// filter. Rows are ordered by (country, admin1) so pagination is stable.
func (s *PostgresStore) ListConflicts(ctx context.Context, countries []string, limit, offset int) ([]ConflictRecord, int, error) {
	countQuery := `SELECT COUNT(*) FROM conflict_data`
	listQuery := `
		SELECT id, country, admin1, population, events, score, created_at, updated_at
		FROM conflict_data
	`
	var args []any
	if len(countries) > 0 {
		countQuery += ` WHERE country = ANY($1)`
		listQuery += ` WHERE country = ANY($1)`
		args = append(args, countries)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}

	listQuery += fmt.Sprintf(" ORDER BY country, admin1 LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	records, err := scanConflictRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetConflictsByCountries returns every record for the given countries,
// ordered by (country, admin1).
func (s *PostgresStore) GetConflictsByCountries(ctx context.Context, countries []string) ([]ConflictRecord, error) {
	const query = `
		SELECT id, country, admin1, population, events, score, created_at, updated_at
		FROM conflict_data
		WHERE country = ANY($1)
		ORDER BY country, admin1
	`
	rows, err := s.db.QueryContext(ctx, query, countries)
	if err != nil {
		return nil, fmt.Errorf("conflicts by countries: %w", err)
	}
	defer rows.Close()
	return scanConflictRows(rows)
}

func (s *PostgresStore) GetConflictByKey(ctx context.Context, country, admin1 string) (ConflictRecord, error) {
	const query = `
		SELECT id, country, admin1, population, events, score, created_at, updated_at
		FROM conflict_data
		WHERE country = $1 AND admin1 = $2
	`
	var rec ConflictRecord
	var population sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, country, admin1).
		Scan(&rec.ID, &rec.Country, &rec.Admin1, &population, &rec.Events, &rec.Score, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return ConflictRecord{}, err
	}
	if population.Valid {
		p := int(population.Int64)
		rec.Population = &p
	}
	return rec, nil
}

// DeleteConflicts removes the record for (country, admin1) and reports how
// many rows were deleted. Cache eviction is the caller's responsibility and
// must happen after this returns.
func (s *PostgresStore) DeleteConflicts(ctx context.Context, country, admin1 string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conflict_data WHERE country = $1 AND admin1 = $2`, country, admin1)
	if err != nil {
		return 0, fmt.Errorf("delete conflicts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete conflicts rows affected: %w", err)
	}
	return int(affected), nil
}

// AverageScore computes the mean risk score across a country's admin1 rows.
// The row count is returned alongside so a zero-record country can be told
// apart from one that genuinely averages to zero.
func (s *PostgresStore) AverageScore(ctx context.Context, country string) (float64, int, error) {
	const query = `SELECT COALESCE(AVG(score), 0), COUNT(*) FROM conflict_data WHERE country = $1`
	var avg float64
	var count int
	if err := s.db.QueryRowContext(ctx, query, country).Scan(&avg, &count); err != nil {
		return 0, 0, fmt.Errorf("average score: %w", err)
	}
	return avg, count, nil
}

// UpsertConflict inserts or refreshes a record keyed on (country, admin1).
// Returns true when a new row was created.
func (s *PostgresStore) UpsertConflict(ctx context.Context, rec ConflictRecord) (bool, error) {
	const query = `
		INSERT INTO conflict_data (country, admin1, population, events, score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (country, admin1) DO UPDATE
		SET population = EXCLUDED.population,
			events = EXCLUDED.events,
			score = EXCLUDED.score,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`
	var population sql.NullInt64
	if rec.Population != nil {
		population = sql.NullInt64{Int64: int64(*rec.Population), Valid: true}
	}
	var inserted bool
	err := s.db.QueryRowContext(ctx, query, rec.Country, rec.Admin1, population, rec.Events, rec.Score).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert conflict %s/%s: %w", rec.Country, rec.Admin1, err)
	}
	return inserted, nil
}

func (s *PostgresStore) InsertFeedback(ctx context.Context, feedback Feedback) (Feedback, error) {
	const query = `
		INSERT INTO feedback (user_id, conflict_id, country, admin1, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		feedback.UserID, feedback.ConflictID, feedback.Country, feedback.Admin1, feedback.Text).
		Scan(&feedback.ID, &feedback.CreatedAt)
	if err != nil {
		return Feedback{}, fmt.Errorf("insert feedback: %w", err)
	}
	return feedback, nil
}

func scanConflictRows(rows *sql.Rows) ([]ConflictRecord, error) {
	var records []ConflictRecord
	for rows.Next() {
		var rec ConflictRecord
		var population sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Country, &rec.Admin1, &population, &rec.Events, &rec.Score, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		if population.Valid {
			p := int(population.Int64)
			rec.Population = &p
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflict rows: %w", err)
	}
	return records, nil
}
