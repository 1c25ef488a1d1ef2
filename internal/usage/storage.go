// Package usage records per-session usage for metering, asynchronously so
// the streaming path never blocks on the database.
package usage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Storage wraps the Postgres connection used for usage records.
type Storage struct {
	DB *sql.DB
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// InitStorage opens the database, applies pool limits, verifies the
// connection and runs pending migrations.
func InitStorage(databaseURL string, pool PoolConfig) (*Storage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Storage{DB: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.Up(db, "migrations")
}

const insertRecordSQL = `
INSERT INTO usage_records (
	request_id, user_id, thread_id, thread_item_id, mode,
	answer_chars, duration_ms, status, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// insertRecord writes one usage row.
func (s *Storage) insertRecord(ctx context.Context, row recordRow) error {
	_, err := s.DB.ExecContext(ctx, insertRecordSQL,
		row.RequestID, row.UserID, row.ThreadID, row.ThreadItemID, row.Mode,
		row.AnswerChars, row.DurationMS, row.Status, row.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Storage) Close() error {
	return s.DB.Close()
}

type recordRow struct {
	RequestID    string
	UserID       sql.NullString
	ThreadID     string
	ThreadItemID string
	Mode         string
	AnswerChars  int
	DurationMS   int64
	Status       string
	CompletedAt  time.Time
}
