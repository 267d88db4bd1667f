// Package postgres provides the Postgres-backed mapping store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/accurate-migrator/internal/clock/system"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for mapping rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store reads and upserts number mappings in Postgres.
type Store struct {
	pool  pool
	table string
	clock mapping.Clock
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config, clock mapping.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mapping.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, table: table, clock: orUTC(clock)}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, clock mapping.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, table: name, clock: orUTC(clock)}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = mapping.DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

func orUTC(c mapping.Clock) mapping.Clock {
	if c == nil {
		return system.New()
	}
	return c
}

// EnsureSchema creates the mapping table and its unique key if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	accurate_database_id BIGINT NOT NULL,
	module_slug TEXT NOT NULL,
	old_number TEXT NOT NULL,
	new_number TEXT NOT NULL,
	response_data TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT %s_unique_mapping UNIQUE (accurate_database_id, module_slug, old_number)
)`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create mapping table: %w", err)
	}
	return nil
}

// Get returns the new number for the triple, if any.
func (s *Store) Get(ctx context.Context, databaseID int64, module, oldNumber string) (string, bool, error) {
	query := fmt.Sprintf(`
SELECT new_number FROM %s
WHERE accurate_database_id = $1 AND module_slug = $2 AND old_number = $3`, s.table)

	var newNumber string
	err := s.pool.QueryRow(ctx, query, databaseID, module, oldNumber).Scan(&newNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select mapping: %w", err)
	}
	return newNumber, true, nil
}

// Lookup returns the full stored row.
func (s *Store) Lookup(ctx context.Context, databaseID int64, module, oldNumber string) (mapping.Mapping, bool, error) {
	query := fmt.Sprintf(`
SELECT accurate_database_id, module_slug, old_number, new_number, response_data, created_at, updated_at
FROM %s
WHERE accurate_database_id = $1 AND module_slug = $2 AND old_number = $3`, s.table)

	var (
		m   mapping.Mapping
		raw *string
	)
	err := s.pool.QueryRow(ctx, query, databaseID, module, oldNumber).
		Scan(&m.DatabaseID, &m.Module, &m.OldNumber, &m.NewNumber, &raw, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mapping.Mapping{}, false, nil
	}
	if err != nil {
		return mapping.Mapping{}, false, fmt.Errorf("select mapping: %w", err)
	}
	if raw != nil {
		m.RawResponse = []byte(*raw)
	}
	return m, true, nil
}

// Put upserts the mapping when the response carries r.number.
func (s *Store) Put(ctx context.Context, databaseID int64, module, oldNumber string, rawResponse []byte) (bool, error) {
	newNumber, ok := mapping.NewNumber(rawResponse)
	if !ok {
		return false, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	accurate_database_id,
	module_slug,
	old_number,
	new_number,
	response_data,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$6
)
ON CONFLICT (accurate_database_id, module_slug, old_number) DO UPDATE
SET new_number = EXCLUDED.new_number,
	response_data = EXCLUDED.response_data,
	updated_at = EXCLUDED.updated_at`, s.table)

	now := s.clock.Now()
	if _, err := s.pool.Exec(ctx, query, databaseID, module, oldNumber, newNumber, string(rawResponse), now); err != nil {
		return false, fmt.Errorf("upsert mapping: %w", err)
	}
	return true, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
