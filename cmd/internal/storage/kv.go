// Package storage provides the durable key/value backends behind the
// client's persisted state (the signed-in identity mirror).
//
// All backends implement KV. Keys are short ASCII names; values are opaque
// bytes owned by the caller.
package storage

import (
	"context"
	"errors"
	"regexp"
)

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidKey is returned for keys outside [A-Za-z0-9._-]{1,128}.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// KV is a minimal durable key/value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable (used by /readyz).
	Ping(ctx context.Context) error
	Close() error
}

// Sealer encrypts values at rest. *vault.Vault satisfies it.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

var keyRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func validKey(key string) error {
	if !keyRe.MatchString(key) || key == "." || key == ".." {
		return ErrInvalidKey
	}
	return nil
}
