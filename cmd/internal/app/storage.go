package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"civic/cmd/internal/storage"
	"civic/cmd/security/vault"

	"github.com/jackc/pgx/v5/pgxpool"
)

// openStorage opens the configured durable store. For postgres the pool is
// returned too so the app owns its lifecycle.
func openStorage(ctx context.Context, cfg Config, log *slog.Logger) (storage.KV, *pgxpool.Pool, error) {
	st := cfg.Storage
	switch st.Backend {
	case StorageMemory:
		log.Info("storage.open", "backend", st.Backend)
		return storage.NewMemoryKV(), nil, nil

	case StorageFile:
		var opts []storage.FileOption
		if st.Key != "" {
			vcfg, err := vault.FromEnv()
			if err != nil {
				return nil, nil, err
			}
			v, err := vault.New(st.Key, vcfg)
			if err != nil {
				return nil, nil, fmt.Errorf("storage: %w", err)
			}
			opts = append(opts, storage.WithSealer(v))
		}
		kv, err := storage.NewFileKV(st.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		log.Info("storage.open", "backend", st.Backend, "path", st.Path, "sealed", st.Key != "")
		return kv, nil, nil

	case StorageSQLite:
		path := st.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "civic.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		kv, err := storage.NewSQLiteKV(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("storage.open", "backend", st.Backend, "path", path)
		return kv, nil, nil

	case StoragePostgres:
		pool, err := NewDBPool(ctx, st)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: postgres: %w", err)
		}
		kv, err := storage.NewPostgresKV(pool, storage.WithSchema(st.Schema), storage.WithScope(scopeFor(cfg.BaseURL)))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := kv.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("storage: migrate: %w", err)
		}
		log.Info("storage.open", "backend", st.Backend, "schema", st.Schema)
		return kv, pool, nil
	}
	return nil, nil, fmt.Errorf("storage: unknown backend %q", st.Backend)
}

// scopeFor keys shared postgres rows by backend host so one database can
// hold sessions for several deployments.
func scopeFor(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "default"
	}
	return u.Host
}
