// Package crypto provides one-way, salted password hashing.
//
// Two algorithms are available: bcrypt (default) and Argon2id. Both embed their
// parameters and salt in the encoded hash, so Verify needs nothing but the
// stored string.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

var (
	ErrUnknownAlgorithm = errors.New("crypto: unknown hash algorithm")
	ErrMalformedHash    = errors.New("crypto: malformed hash")
)

// Hasher hashes and verifies passwords.
type Hasher interface {
	// Hash returns a salted one-way hash of plaintext. Two calls with the same
	// input return different strings.
	Hash(plaintext string) (string, error)
	// Verify reports whether plaintext produced hash.
	Verify(plaintext, hash string) bool
}

// Options selects and tunes a Hasher.
type Options struct {
	Algorithm  string
	BcryptCost int
}

// New builds the Hasher described by opts.
func New(opts Options) (Hasher, error) {
	switch strings.ToLower(opts.Algorithm) {
	case AlgorithmBcrypt, "":
		return NewBcrypt(opts.BcryptCost), nil
	case AlgorithmArgon2id:
		return NewArgon2id(DefaultArgon2Params()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, opts.Algorithm)
	}
}

// ---- bcrypt ----

// Bcrypt hashes with golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	cost int
}

// NewBcrypt returns a bcrypt Hasher. A cost outside bcrypt's range falls back
// to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

func (b *Bcrypt) Hash(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost)
	if err != nil {
		return "", fmt.Errorf("crypto: bcrypt: %w", err)
	}
	return string(h), nil
}

func (b *Bcrypt) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// ---- Argon2id ----

// Argon2Params are the Argon2id tuning knobs.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2Params matches the RFC 9106 second recommended option.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, SaltLen: 16, KeyLen: 32}
}

// Argon2id hashes with golang.org/x/crypto/argon2 and encodes results in the
// PHC string format: $argon2id$v=19$m=...,t=...,p=...$salt$key
type Argon2id struct {
	p Argon2Params
}

func NewArgon2id(p Argon2Params) *Argon2id {
	return &Argon2id{p: p}
}

func (a *Argon2id) Hash(plaintext string) (string, error) {
	salt := make([]byte, a.p.SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, a.p.Time, a.p.Memory, a.p.Threads, a.p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.p.Memory, a.p.Time, a.p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (a *Argon2id) Verify(plaintext, hash string) bool {
	p, salt, key, err := decodeArgon2(hash)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Threads, uint32(len(key))) //nolint:gosec // key length comes from our own encoding
	return subtle.ConstantTimeCompare(got, key) == 1
}

func decodeArgon2(hash string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(hash, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 || parts[1] != AlgorithmArgon2id {
		return p, nil, nil, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, ErrMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrMalformedHash
	}
	return p, salt, key, nil
}
