// Package identity owns password hashing, API key minting, and the
// process-local api_key→user cache used to authenticate inbound client
// traffic without a database round trip on every frame.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params mirrors config.Config's Argon2 knobs so password.go has no
// import-cycle dependency on the config package.
type Params struct {
	Time        uint32
	MemoryKB    uint32
	Parallelism uint8
	KeyLen      uint32
	SaltLen     uint32
}

func DefaultParams() Params {
	return Params{Time: 3, MemoryKB: 64 * 1024, Parallelism: 4, KeyLen: 32, SaltLen: 32}
}

// Hasher hashes and verifies passwords with Argon2id, encoding the salt
// and cost parameters alongside the derived key so verification doesn't
// depend on the running process's configured defaults.
type Hasher struct {
	params Params
}

func NewHasher(params Params) *Hasher {
	return &Hasher{params: params}
}

// Hash returns a self-describing string: argon2id$v=19$m=<kb>,t=<iter>,p=<par>$<salt-b64>$<key-b64>.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKB, h.params.Parallelism, h.params.KeyLen)
	encoded := fmt.Sprintf("argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		h.params.MemoryKB, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
	return encoded, nil
}

// Verify reports whether password matches encoded, re-deriving the key
// with whatever parameters encoded itself carries.
func Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false, fmt.Errorf("unrecognized hash format")
	}
	var memoryKB, timeCost uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &memoryKB, &timeCost, &parallelism); err != nil {
		return false, fmt.Errorf("malformed hash params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("malformed salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed key: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, timeCost, memoryKB, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// ValidateStrength enforces the registration-time password policy: at
// least 8 characters with upper, lower, and digit present.
func ValidateStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, c := range password {
		switch {
		case c >= 'A' && c <= 'Z':
			hasUpper = true
		case c >= 'a' && c <= 'z':
			hasLower = true
		case c >= '0' && c <= '9':
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return fmt.Errorf("password must contain an uppercase letter, a lowercase letter, and a digit")
	}
	return nil
}
