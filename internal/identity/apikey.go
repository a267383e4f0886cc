package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// KeyFormat controls the prefix and retry budget for GenerateAPIKey;
// it mirrors config.Config's APIKeyPrefix/APIKeyGenMaxRetries.
type KeyFormat struct {
	Prefix     string
	MaxRetries int
}

// GenerateAPIKey mints a key of the form ca_<userid8>_<h1>_<h2>_<h3>_<ts8>.
// exists reports whether a candidate key is already taken; GenerateAPIKey
// retries on collision up to format.MaxRetries and fails hard on
// exhaustion, per the two-phase registration write.
func GenerateAPIKey(format KeyFormat, userID int, exists func(key string) (bool, error)) (string, error) {
	if format.MaxRetries <= 0 {
		format.MaxRetries = 8
	}
	for attempt := 0; attempt < format.MaxRetries; attempt++ {
		key, err := buildAPIKey(format.Prefix, userID)
		if err != nil {
			return "", fmt.Errorf("build api key: %w", err)
		}
		taken, err := exists(key)
		if err != nil {
			return "", fmt.Errorf("check api key collision: %w", err)
		}
		if !taken {
			return key, nil
		}
	}
	return "", fmt.Errorf("api key generation exhausted %d attempts for user %d", format.MaxRetries, userID)
}

func buildAPIKey(prefix string, userID int) (string, error) {
	now := time.Now().UTC()
	userID8 := fmt.Sprintf("%08d", userID%100000000)

	randHex, err := randomHex(16)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%d%s", userID, now.UnixNano(), randHex)))
	h1 := hex.EncodeToString(sum[:])[:12]

	randBytes := make([]byte, 32)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("generate api key randomness: %w", err)
	}
	b2 := blake2b.Sum256(randBytes)
	h2 := hex.EncodeToString(b2[:])[:16]

	h3, err := randomURLSafe(12)
	if err != nil {
		return "", err
	}

	ts8 := strconv.FormatInt(now.UnixMicro(), 10)
	if len(ts8) > 8 {
		ts8 = ts8[len(ts8)-8:]
	}

	return fmt.Sprintf("%s_%s_%s_%s_%s_%s", prefix, userID8, h1, h2, h3, ts8), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// randomURLSafe returns n URL-safe random characters. '_' is mapped to
// '-' so the segment never adds a separator to the key.
func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return strings.ReplaceAll(base64.RawURLEncoding.EncodeToString(buf)[:n], "_", "-"), nil
}
