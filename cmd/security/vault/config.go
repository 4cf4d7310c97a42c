package vault

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls key derivation cost. MemoryKiB is in KiB as
// required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// Config is the single configuration surface for this package.
type Config struct {
	Params        Argon2idParams
	MinPassphrase int
}

// DefaultConfig returns a baseline sized for a process that derives the key
// once at startup.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
		},
		MinPassphrase: 12,
	}
}

// FromEnv loads config from environment variables.
//
// Env surface:
// - CIVIC_VAULT_MIN_PASSPHRASE
// - CIVIC_VAULT_ARGON2_MEMORY_KIB
// - CIVIC_VAULT_ARGON2_ITERATIONS
// - CIVIC_VAULT_ARGON2_PARALLELISM
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("CIVIC_VAULT_MIN_PASSPHRASE"); ok {
		u, err := atou32(v, 1, 1024)
		if err != nil {
			return Config{}, fmt.Errorf("CIVIC_VAULT_MIN_PASSPHRASE: %w", err)
		}
		cfg.MinPassphrase = int(u)
	}

	if v, ok := os.LookupEnv("CIVIC_VAULT_ARGON2_MEMORY_KIB"); ok {
		u, err := atou32(v, 8*1024, 1024*1024)
		if err != nil {
			return Config{}, fmt.Errorf("CIVIC_VAULT_ARGON2_MEMORY_KIB: %w", err)
		}
		cfg.Params.MemoryKiB = u
	}

	if v, ok := os.LookupEnv("CIVIC_VAULT_ARGON2_ITERATIONS"); ok {
		u, err := atou32(v, 1, 20)
		if err != nil {
			return Config{}, fmt.Errorf("CIVIC_VAULT_ARGON2_ITERATIONS: %w", err)
		}
		cfg.Params.Iterations = u
	}

	if v, ok := os.LookupEnv("CIVIC_VAULT_ARGON2_PARALLELISM"); ok {
		u, err := atou32(v, 1, 64)
		if err != nil {
			return Config{}, fmt.Errorf("CIVIC_VAULT_ARGON2_PARALLELISM: %w", err)
		}
		if u > math.MaxUint8 {
			return Config{}, fmt.Errorf("CIVIC_VAULT_ARGON2_PARALLELISM: out of range")
		}
		cfg.Params.Parallelism = uint8(u)
	}

	return cfg, nil
}

func atou32(s string, minVal, maxVal uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}

	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}
