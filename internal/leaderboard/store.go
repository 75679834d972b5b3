// Package leaderboard stores game scores in PostgreSQL. Scores are scoped
// to the anonymous identity that submitted them, so each device only ever
// sees its own leaderboard.
package leaderboard

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	// DefaultLimit is the number of scores Top returns when asked for none.
	DefaultLimit = 10

	// MaxLimit caps the number of scores Top returns.
	MaxLimit = 100
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrInvalidEntry is returned when a score fails validation.
var ErrInvalidEntry = errors.New("leaderboard: invalid entry")

// Entry is one submitted score.
type Entry struct {
	ID        string    `json:"id"`
	UID       string    `json:"-"`
	Score     int       `json:"score"`
	Moves     int       `json:"moves"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages scores in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new score store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("leaderboard: postgres connection failed: %w", err)
	}
	return db, nil
}

// Migrate applies all pending schema migrations. dsn must be a
// postgres:// URL.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("leaderboard: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("leaderboard: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("leaderboard: migrate up: %w", err)
	}
	return nil
}

// Submit validates and inserts a score for e.UID. The stored entry, with
// its id and timestamp, is returned.
func (s *Store) Submit(ctx context.Context, e Entry) (Entry, error) {
	if e.UID == "" {
		return Entry{}, fmt.Errorf("%w: missing uid", ErrInvalidEntry)
	}
	if e.Score < 0 || e.Moves < 0 {
		return Entry{}, fmt.Errorf("%w: score and moves must not be negative", ErrInvalidEntry)
	}

	e.ID = uuid.New().String()

	const query = `
		INSERT INTO leaderboard_scores (id, uid, score, moves)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	if err := s.db.QueryRowContext(ctx, query, e.ID, e.UID, e.Score, e.Moves).Scan(&e.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("leaderboard: insert: %w", err)
	}
	return e, nil
}

// Top returns the best scores submitted by uid, highest first. Ties go to
// the earlier submission.
func (s *Store) Top(ctx context.Context, uid string, limit int) ([]Entry, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: missing uid", ErrInvalidEntry)
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	const query = `
		SELECT id, uid, score, moves, created_at
		FROM leaderboard_scores
		WHERE uid = $1
		ORDER BY score DESC, created_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: query top: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UID, &e.Score, &e.Moves, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("leaderboard: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leaderboard: rows: %w", err)
	}
	return entries, nil
}
