package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"civic/cmd/security/vault"
)

func TestOpenStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := discardLogger()

	tests := []struct {
		name     string
		storage  StorageConfig
		wantErr  error
		wantFile string
	}{
		{name: "memory", storage: StorageConfig{Backend: StorageMemory}},
		{name: "file", storage: StorageConfig{Backend: StorageFile, Path: "state"}, wantFile: "state"},
		{name: "file sealed", storage: StorageConfig{Backend: StorageFile, Path: "sealed", Key: "correct horse battery"}, wantFile: "sealed"},
		{name: "file short key", storage: StorageConfig{Backend: StorageFile, Path: "weak", Key: "short"}, wantErr: vault.ErrPassphraseTooShort},
		{name: "sqlite dir", storage: StorageConfig{Backend: StorageSQLite, Path: "db"}, wantFile: filepath.Join("db", "civic.db")},
		{name: "sqlite file", storage: StorageConfig{Backend: StorageSQLite, Path: filepath.Join("nested", "agent.sqlite")}, wantFile: filepath.Join("nested", "agent.sqlite")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			cfg := DefaultConfig()
			cfg.Storage = tt.storage
			if cfg.Storage.Path != "" {
				cfg.Storage.Path = filepath.Join(dir, cfg.Storage.Path)
			}

			kv, pool, err := openStorage(ctx, cfg, log)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("openStorage() err=%v want=%v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("openStorage() err=%v", err)
			}
			t.Cleanup(func() { _ = kv.Close() })
			if pool != nil {
				t.Fatalf("pool=%v want=nil for %s", pool, tt.storage.Backend)
			}
			if err := kv.Ping(ctx); err != nil {
				t.Fatalf("Ping() err=%v", err)
			}
			if tt.wantFile != "" {
				if _, err := os.Stat(filepath.Join(dir, tt.wantFile)); err != nil {
					t.Fatalf("stat %s: %v", tt.wantFile, err)
				}
			}
		})
	}
}

func TestScopeFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "https://api.example.gov.bd", want: "api.example.gov.bd"},
		{in: "http://127.0.0.1:8000/", want: "127.0.0.1:8000"},
		{in: "::", want: "default"},
		{in: "", want: "default"},
	}
	for _, tc := range cases {
		if got := scopeFor(tc.in); got != tc.want {
			t.Fatalf("scopeFor(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
