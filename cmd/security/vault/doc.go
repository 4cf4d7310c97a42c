// Package vault seals small client-side secrets at rest.
//
// Values are encrypted with XChaCha20-Poly1305 under a key derived from an
// operator passphrase with Argon2id. The KDF parameters and salt travel in
// the sealed blob so a blob stays readable after the defaults are tuned.
package vault
