package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed layout:
//
//	magic(4) | memKiB(4) | iter(4) | par(1) | saltLen(1) | salt | nonce(24) | ciphertext
var magic = []byte("cvv1")

const headerLen = 4 + 4 + 4 + 1 + 1

// Vault seals and opens values under one passphrase. It is safe for
// concurrent use. Seal derives its key once per Vault; Open caches the last
// foreign salt it derived for.
type Vault struct {
	pass   []byte
	params Argon2idParams

	mu       sync.Mutex
	salt     []byte
	key      []byte
	openSalt []byte
	openKey  []byte
}

// New validates the passphrase against cfg and returns a Vault.
func New(passphrase string, cfg Config) (*Vault, error) {
	if len(passphrase) < cfg.MinPassphrase {
		return nil, ErrPassphraseTooShort
	}
	return &Vault{pass: []byte(passphrase), params: cfg.Params}, nil
}

// Seal encrypts plaintext. Every call uses a fresh nonce.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	salt, key, err := v.sealKey()
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, headerLen+len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint32(out, v.params.MemoryKiB)
	out = binary.BigEndian.AppendUint32(out, v.params.Iterations)
	out = append(out, v.params.Parallelism, byte(len(salt)))
	out = append(out, salt...)
	out = append(out, nonce...)

	// AAD binds the header so parameters cannot be swapped.
	aad := append([]byte(nil), out[:headerLen+len(salt)]...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal with the same passphrase.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < headerLen || !bytes.Equal(sealed[:4], magic) {
		return nil, ErrMalformed
	}

	p := Argon2idParams{
		MemoryKiB:   binary.BigEndian.Uint32(sealed[4:8]),
		Iterations:  binary.BigEndian.Uint32(sealed[8:12]),
		Parallelism: sealed[12],
		SaltLength:  uint32(sealed[13]),
	}
	if !withinReasonableBounds(p, v.params) {
		return nil, ErrMalformed
	}

	saltEnd := headerLen + int(p.SaltLength)
	nonceEnd := saltEnd + chacha20poly1305.NonceSizeX
	if len(sealed) < nonceEnd+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	salt := sealed[headerLen:saltEnd]

	key := v.openKeyFor(p, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, sealed[saltEnd:nonceEnd], sealed[nonceEnd:], sealed[:saltEnd])
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func (v *Vault) sealKey() ([]byte, []byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key != nil {
		return v.salt, v.key, nil
	}
	salt := make([]byte, v.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("salt: %w", err)
	}
	v.salt = salt
	v.key = v.derive(v.params, salt)
	return v.salt, v.key, nil
}

func (v *Vault) openKeyFor(p Argon2idParams, salt []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key != nil && bytes.Equal(salt, v.salt) && p == v.paramsWithSalt(len(v.salt)) {
		return v.key
	}
	if v.openKey != nil && bytes.Equal(salt, v.openSalt) {
		return v.openKey
	}
	v.openSalt = append([]byte(nil), salt...)
	v.openKey = v.derive(p, salt)
	return v.openKey
}

func (v *Vault) paramsWithSalt(n int) Argon2idParams {
	p := v.params
	p.SaltLength = uint32(n) // #nosec G115 -- salt length fits in one header byte.
	return p
}

func (v *Vault) derive(p Argon2idParams, salt []byte) []byte {
	return argon2.IDKey(v.pass, salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

// withinReasonableBounds rejects blobs whose KDF cost is wildly above the
// configured one, so a tampered file cannot pin the CPU or memory.
func withinReasonableBounds(got, limits Argon2idParams) bool {
	if got.MemoryKiB == 0 || got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations == 0 || got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism == 0 || got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	return true
}
