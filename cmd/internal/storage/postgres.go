package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKV stores values in a Postgres table, for agents that run
// next to a shared database rather than on a writable local disk.
//
// Ownership model:
// - PostgresKV does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresKV struct {
	pool   *pgxpool.Pool
	schema string
	scope  string
}

// PostgresOption configures PostgresKV behavior.
type PostgresOption func(*PostgresKV) error

// WithSchema sets the DB schema used by this store (default: "civic").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresKV) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("storage: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("storage: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithScope namespaces keys so several agents can share one table.
func WithScope(scope string) PostgresOption {
	return func(s *PostgresKV) error {
		s.scope = strings.TrimSpace(scope)
		return nil
	}
}

// NewPostgresKV constructs a Postgres-backed KV. Call Migrate once before use
// when the schema is not managed externally.
func NewPostgresKV(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresKV, error) {
	st := &PostgresKV{pool: pool, schema: "civic", scope: "default"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("storage: nil pool")
	}
	return st, nil
}

func (s *PostgresKV) table() string {
	return pgx.Identifier{s.schema, "client_kv"}.Sanitize()
}

// Migrate creates the schema and table if they do not exist.
func (s *PostgresKV) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			scope      text        NOT NULL,
			key        text        NOT NULL,
			value      bytea       NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (scope, key)
		)`, s.table()),
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("storage: migrate postgres: %w", err)
		}
	}
	return nil
}

func (s *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	var v []byte
	q := fmt.Sprintf(`SELECT value FROM %s WHERE scope = $1 AND key = $2`, s.table())
	err := s.pool.QueryRow(ctx, q, s.scope, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: postgres get: %w", err)
	}
	return v, nil
}

func (s *PostgresKV) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (scope, key, value, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (scope, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, s.table())
	if _, err := s.pool.Exec(ctx, q, s.scope, key, value); err != nil {
		return fmt.Errorf("storage: postgres put: %w", err)
	}
	return nil
}

func (s *PostgresKV) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE scope = $1 AND key = $2`, s.table())
	if _, err := s.pool.Exec(ctx, q, s.scope, key); err != nil {
		return fmt.Errorf("storage: postgres delete: %w", err)
	}
	return nil
}

func (s *PostgresKV) Ping(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresKV) Close() error { return nil }

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool { return pgIdentRe.MatchString(s) }
