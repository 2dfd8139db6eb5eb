// Package cache is the SQLite-backed response cache keyed by the raw
// chat query.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store persists chat responses across restarts. Keys are normalized
// (lowercased, trimmed) so repeat queries hit regardless of casing.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the cache database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS responses (
			query      TEXT PRIMARY KEY,
			response   TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create responses table: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func normalizeKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Get returns the cached response for a query, if any.
func (s *Store) Get(ctx context.Context, query string) (json.RawMessage, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM responses WHERE query = ?`, normalizeKey(query)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("cache miss", zap.String("query", query))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.logger.Debug("cache hit", zap.String("query", query))
	return json.RawMessage(raw), true, nil
}

// Set stores the response for a query, replacing any previous entry.
func (s *Store) Set(ctx context.Context, query string, response json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (query, response) VALUES (?, ?)
		 ON CONFLICT(query) DO UPDATE SET response = excluded.response, created_at = CURRENT_TIMESTAMP`,
		normalizeKey(query), string(response))
	return err
}

// Clear drops every cached response.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM responses`)
	if err == nil {
		s.logger.Info("response cache cleared")
	}
	return err
}

// Len counts cached entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
