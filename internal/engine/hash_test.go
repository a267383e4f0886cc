package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyHash_DeterministicForSameInputs(t *testing.T) {
	a := CopyHash("trader1", "100200", "2026-01-01T00:00:00Z")
	b := CopyHash("trader1", "100200", "2026-01-01T00:00:00Z")
	assert.Equal(t, a, b)
}

func TestCopyHash_DiffersOnAnyInput(t *testing.T) {
	base := CopyHash("trader1", "100200", "2026-01-01T00:00:00Z")
	assert.NotEqual(t, base, CopyHash("trader2", "100200", "2026-01-01T00:00:00Z"))
	assert.NotEqual(t, base, CopyHash("trader1", "100201", "2026-01-01T00:00:00Z"))
	assert.NotEqual(t, base, CopyHash("trader1", "100200", "2026-01-02T00:00:00Z"))
}

func TestBuildComment_TruncatesTo16Chars(t *testing.T) {
	hash := CopyHash("trader1", "100200", "2026-01-01T00:00:00Z")
	comment := BuildComment(hash)
	assert.True(t, len(comment) == len(CommentPrefix)+16)
	assert.Equal(t, CommentPrefix+hash[:16], comment)
}

func TestExtractHashPrefix_RoundTripsWithBuildComment(t *testing.T) {
	hash := CopyHash("trader1", "100200", "2026-01-01T00:00:00Z")
	comment := BuildComment(hash)
	prefix, ok := ExtractHashPrefix(comment)
	assert.True(t, ok)
	assert.Equal(t, hash[:16], prefix)
}

func TestExtractHashPrefix_FalseWithoutPrefix(t *testing.T) {
	_, ok := ExtractHashPrefix("manual close")
	assert.False(t, ok)
}
