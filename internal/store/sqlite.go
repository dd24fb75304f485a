package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moltq/moltq/internal/callback"
	"github.com/moltq/moltq/internal/model"

	_ "modernc.org/sqlite"
)

const createProvidersTable = `
CREATE TABLE IF NOT EXISTS providers (
    name            TEXT PRIMARY KEY,
    capability      TEXT NOT NULL,
    weight          INTEGER NOT NULL,
    cost            REAL NOT NULL,
    max_concurrency INTEGER NOT NULL,
    api_key         TEXT,
    base_url        TEXT,
    created_at      DATETIME NOT NULL
)`

const createWebhooksTable = `
CREATE TABLE IF NOT EXISTS webhooks (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    url        TEXT NOT NULL,
    headers    TEXT,
    created_at DATETIME NOT NULL,
    UNIQUE(event, url)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	for _, stmt := range []string{createProvidersTable, createWebhooksTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveProvider inserts or updates a provider registration.
func (s *SQLiteStore) SaveProvider(ctx context.Context, p *model.Provider) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (name, capability, weight, cost, max_concurrency, api_key, base_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			capability = excluded.capability,
			weight = excluded.weight,
			cost = excluded.cost,
			max_concurrency = excluded.max_concurrency,
			api_key = excluded.api_key,
			base_url = excluded.base_url`,
		p.Name, p.Capability, p.Weight, p.Cost, p.MaxConcurrency, p.APIKey, p.BaseURL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a provider registration by name.
func (s *SQLiteStore) GetProvider(ctx context.Context, name string) (*model.Provider, error) {
	p := &model.Provider{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, capability, weight, cost, max_concurrency, api_key, base_url
		FROM providers WHERE name = ?`, name,
	).Scan(&p.Name, &p.Capability, &p.Weight, &p.Cost, &p.MaxConcurrency, &p.APIKey, &p.BaseURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// ListProviders returns all provider registrations ordered by creation time.
func (s *SQLiteStore) ListProviders(ctx context.Context) ([]*model.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, capability, weight, cost, max_concurrency, api_key, base_url
		FROM providers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*model.Provider
	for rows.Next() {
		p := &model.Provider{}
		if err := rows.Scan(&p.Name, &p.Capability, &p.Weight, &p.Cost, &p.MaxConcurrency, &p.APIKey, &p.BaseURL); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider registration.
func (s *SQLiteStore) DeleteProvider(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveWebhook inserts a webhook registration; re-registering the same
// event/url pair updates its headers.
func (s *SQLiteStore) SaveWebhook(ctx context.Context, w callback.WebhookTarget) error {
	headers, err := json.Marshal(w.Headers)
	if err != nil {
		return fmt.Errorf("marshal webhook headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (event, url, headers, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event, url) DO UPDATE SET headers = excluded.headers`,
		w.Event, w.URL, string(headers), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save webhook: %w", err)
	}
	return nil
}

// ListWebhooks returns all webhook registrations ordered by creation time.
func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]callback.WebhookTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event, url, headers FROM webhooks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []callback.WebhookTarget
	for rows.Next() {
		var w callback.WebhookTarget
		var headers sql.NullString
		if err := rows.Scan(&w.Event, &w.URL, &headers); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &w.Headers); err != nil {
				return nil, fmt.Errorf("decode webhook headers: %w", err)
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
