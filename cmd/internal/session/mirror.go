package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"civic/cmd/internal/storage"
)

// MirrorKey is the single durable key holding the serialized identity.
const MirrorKey = "user"

// Mirror persists the identity across restarts.
type Mirror interface {
	// Load returns (nil, nil) when nothing is stored.
	Load(ctx context.Context) (*Identity, error)
	Save(ctx context.Context, id Identity) error
	Remove(ctx context.Context) error
}

// KVMirror stores the identity as JSON under MirrorKey.
type KVMirror struct {
	kv storage.KV
}

func NewKVMirror(kv storage.KV) *KVMirror {
	return &KVMirror{kv: kv}
}

func (m *KVMirror) Load(ctx context.Context) (*Identity, error) {
	raw, err := m.kv.Get(ctx, MirrorKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load mirror: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil || id.Validate() != nil {
		if rmErr := m.kv.Delete(ctx, MirrorKey); rmErr != nil {
			return nil, errors.Join(ErrCorruptMirror, rmErr)
		}
		return nil, ErrCorruptMirror
	}
	return &id, nil
}

func (m *KVMirror) Save(ctx context.Context, id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return m.kv.Put(ctx, MirrorKey, raw)
}

func (m *KVMirror) Remove(ctx context.Context) error {
	return m.kv.Delete(ctx, MirrorKey)
}
