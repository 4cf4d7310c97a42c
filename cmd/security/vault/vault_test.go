package vault

import (
	"bytes"
	"errors"
	"testing"
)

func testConfig() Config {
	return Config{
		Params: Argon2idParams{
			MemoryKiB:   1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
		},
		MinPassphrase: 8,
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	t.Parallel()

	v, err := New("correct horse battery", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := []byte(`{"_id":"u1","role":"category-admin"}`)
	sealed, err := v.Seal(in)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("category-admin")) {
		t.Fatalf("sealed value leaks plaintext")
	}

	out, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("Open()=%q want=%q", out, in)
	}
}

func TestOpen_OtherVaultSamePassphrase(t *testing.T) {
	t.Parallel()

	a, _ := New("correct horse battery", testConfig())
	b, _ := New("correct horse battery", testConfig())

	sealed, err := a.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := b.Open(sealed)
	if err != nil || string(got) != "x" {
		t.Fatalf("Open()=%q,%v want=\"x\",nil", got, err)
	}
}

func TestOpen_Rejects(t *testing.T) {
	t.Parallel()

	v, _ := New("correct horse battery", testConfig())
	wrong, _ := New("incorrect horse battery", testConfig())

	sealed, err := v.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	heavy := append([]byte(nil), sealed...)
	heavy[4] = 0xff // inflate memory cost

	cases := []struct {
		name string
		v    *Vault
		in   []byte
		want error
	}{
		{name: "wrong passphrase", v: wrong, in: sealed, want: ErrDecrypt},
		{name: "tampered ciphertext", v: v, in: tampered, want: ErrDecrypt},
		{name: "short", v: v, in: []byte("cvv1"), want: ErrMalformed},
		{name: "bad magic", v: v, in: append([]byte("xxxx"), sealed[4:]...), want: ErrMalformed},
		{name: "inflated params", v: v, in: heavy, want: ErrMalformed},
	}

	for _, tc := range cases {
		if _, err := tc.v.Open(tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: Open() err=%v want=%v", tc.name, err, tc.want)
		}
	}
}

func TestNew_PassphrasePolicy(t *testing.T) {
	t.Parallel()

	if _, err := New("short", testConfig()); !errors.Is(err, ErrPassphraseTooShort) {
		t.Fatalf("New(short) err=%v want=%v", err, ErrPassphraseTooShort)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CIVIC_VAULT_ARGON2_ITERATIONS", "2")
	t.Setenv("CIVIC_VAULT_MIN_PASSPHRASE", "20")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Params.Iterations != 2 || cfg.MinPassphrase != 20 {
		t.Fatalf("FromEnv()=%+v want iterations=2 min=20", cfg)
	}

	t.Setenv("CIVIC_VAULT_ARGON2_MEMORY_KIB", "12")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("FromEnv accepted memory below floor")
	}
}
