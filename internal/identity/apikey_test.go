package identity

import (
	"strings"
	"testing"
)

func TestGenerateAPIKeyFormat(t *testing.T) {
	format := KeyFormat{Prefix: "ca", MaxRetries: 4}
	key, err := GenerateAPIKey(format, 9, func(string) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parts := strings.Split(key, "_")
	if len(parts) != 6 {
		t.Fatalf("expected 6 underscore-separated parts, got %d (%s)", len(parts), key)
	}
	if parts[0] != "ca" {
		t.Errorf("expected ca prefix, got %s", parts[0])
	}
	if parts[1] != "00000009" {
		t.Errorf("expected zero-padded user id, got %s", parts[1])
	}
}

func TestGenerateAPIKeyRetriesOnCollision(t *testing.T) {
	format := KeyFormat{Prefix: "ca", MaxRetries: 3}
	calls := 0
	_, err := GenerateAPIKey(format, 1, func(string) (bool, error) {
		calls++
		return true, nil
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != format.MaxRetries {
		t.Errorf("expected %d attempts, got %d", format.MaxRetries, calls)
	}
}
