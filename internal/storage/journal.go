package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/amachang/media-query/internal/config"
)

// Journal records every saved file in Postgres, giving re-runs a queryable
// history of what was fetched from where.
type Journal struct {
	db *sql.DB
}

// NewJournal opens the Postgres connection and ensures the schema exists.
func NewJournal(cfg config.JournalConfig) (*Journal, error) {
	if cfg.DSN == "" {
		return nil, errors.New("journal dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS saved_files (
	id         BIGSERIAL PRIMARY KEY,
	url        TEXT NOT NULL,
	file_path  TEXT NOT NULL UNIQUE,
	size_bytes BIGINT NOT NULL,
	checksum   TEXT NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record upserts one saved file, keyed by file path.
func (j *Journal) Record(ctx context.Context, url, filePath string, content []byte) error {
	if j == nil {
		return nil
	}
	sum := sha256.Sum256(content)
	const stmt = `
INSERT INTO saved_files (url, file_path, size_bytes, checksum)
VALUES ($1, $2, $3, $4)
ON CONFLICT (file_path) DO UPDATE
SET url = EXCLUDED.url, size_bytes = EXCLUDED.size_bytes,
    checksum = EXCLUDED.checksum, saved_at = now()`
	if _, err := j.db.ExecContext(ctx, stmt, url, filePath, int64(len(content)), hex.EncodeToString(sum[:])); err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
