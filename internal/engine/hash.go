package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CommentPrefix is embedded into the broker "comment" field on every
// mirrored position so a follower's client can recover the copy_hash
// even after the broker re-tickets the position.
const CommentPrefix = "CA:"

// CopyHash is SHA-256(master_username + "_" + master_ticket + "_" +
// master_open_time_iso_utc), the durable correlation key for a
// replication instance. It must match exactly across restarts, so the
// three inputs are joined with literal underscores, never formatted.
func CopyHash(masterUsername, masterTicket, masterOpenTimeISO string) string {
	sum := sha256.Sum256([]byte(masterUsername + "_" + masterTicket + "_" + masterOpenTimeISO))
	return hex.EncodeToString(sum[:])
}

// BuildComment truncates hash to the 16 characters that fit a broker
// comment field alongside the CA: prefix.
func BuildComment(hash string) string {
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return CommentPrefix + hash
}

// ExtractHashPrefix recovers the truncated hash from a broker comment,
// if present. Only a prefix match is possible — the full hash must be
// looked up by its 16-char prefix against the ledger.
func ExtractHashPrefix(comment string) (string, bool) {
	if !strings.HasPrefix(comment, CommentPrefix) {
		return "", false
	}
	return strings.TrimPrefix(comment, CommentPrefix), true
}
