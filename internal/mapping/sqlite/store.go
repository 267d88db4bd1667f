// Package sqlite provides a single-file mapping store for local migrations.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/accurate-migrator/internal/clock/system"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
)

//go:embed schema.sql
var schemaSQL string

// Store keeps mappings in a SQLite database in WAL mode.
type Store struct {
	db    *sql.DB
	clock mapping.Clock
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, clock mapping.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("mapping.dsn is required for sqlite")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{db: db, clock: clock}, nil
}

// Get returns the new number for the triple, if any.
func (s *Store) Get(ctx context.Context, databaseID int64, module, oldNumber string) (string, bool, error) {
	var newNumber string
	err := s.db.QueryRowContext(ctx, `
SELECT new_number FROM transaction_number_mappings
WHERE accurate_database_id = ? AND module_slug = ? AND old_number = ?`,
		databaseID, module, oldNumber).Scan(&newNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select mapping: %w", err)
	}
	return newNumber, true, nil
}

// Put upserts the mapping when the response carries r.number.
func (s *Store) Put(ctx context.Context, databaseID int64, module, oldNumber string, rawResponse []byte) (bool, error) {
	newNumber, ok := mapping.NewNumber(rawResponse)
	if !ok {
		return false, nil
	}
	now := s.clock.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transaction_number_mappings
	(accurate_database_id, module_slug, old_number, new_number, response_data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (accurate_database_id, module_slug, old_number) DO UPDATE
SET new_number = excluded.new_number,
	response_data = excluded.response_data,
	updated_at = excluded.updated_at`,
		databaseID, module, oldNumber, newNumber, string(rawResponse), now, now)
	if err != nil {
		return false, fmt.Errorf("upsert mapping: %w", err)
	}
	return true, nil
}

// Lookup returns the full stored row.
func (s *Store) Lookup(ctx context.Context, databaseID int64, module, oldNumber string) (mapping.Mapping, bool, error) {
	var (
		m                mapping.Mapping
		raw              sql.NullString
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT accurate_database_id, module_slug, old_number, new_number, response_data, created_at, updated_at
FROM transaction_number_mappings
WHERE accurate_database_id = ? AND module_slug = ? AND old_number = ?`,
		databaseID, module, oldNumber).Scan(&m.DatabaseID, &m.Module, &m.OldNumber, &m.NewNumber, &raw, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return mapping.Mapping{}, false, nil
	}
	if err != nil {
		return mapping.Mapping{}, false, fmt.Errorf("select mapping: %w", err)
	}
	if raw.Valid {
		m.RawResponse = []byte(raw.String)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, true, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
