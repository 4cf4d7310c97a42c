package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileKV stores one file per key under a directory. Writes are atomic
// (temp file + rename). When a Sealer is configured every value is sealed
// before it touches disk.
type FileKV struct {
	dir    string
	sealer Sealer

	mu sync.Mutex
}

// FileOption configures FileKV.
type FileOption func(*FileKV)

// WithSealer encrypts values at rest.
func WithSealer(s Sealer) FileOption {
	return func(f *FileKV) { f.sealer = s }
}

// NewFileKV creates dir (0700) if needed.
func NewFileKV(dir string, opts ...FileOption) (*FileKV, error) {
	if dir == "" {
		return nil, errors.New("storage: empty dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: mkdir: %w", err)
	}
	f := &FileKV{dir: dir}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, key+".kv")
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	if f.sealer == nil {
		return b, nil
	}
	pt, err := f.sealer.Open(b)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", key, err)
	}
	return pt, nil
}

func (f *FileKV) Put(_ context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if f.sealer != nil {
		sealed, err := f.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("storage: seal %s: %w", key, err)
		}
		value = sealed
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: rename %s: %w", key, err)
	}
	return nil
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

func (f *FileKV) Ping(context.Context) error {
	st, err := os.Stat(f.dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("storage: %s is not a directory", f.dir)
	}
	return nil
}

func (f *FileKV) Close() error { return nil }
