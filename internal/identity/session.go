package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionManager mints and resolves the web UI's bearer session tokens.
// Tokens are opaque-but-unguessable (a uuid nonce, not cryptographically
// bound to anything) — acceptable per the threat model only because the
// session is transport-protected and scoped to read/profile endpoints,
// never to ingestion or replication.
type SessionManager struct {
	prefix string
	cache  *SessionCache
}

func NewSessionManager(prefix string, cache *SessionCache) *SessionManager {
	return &SessionManager{prefix: prefix, cache: cache}
}

// Issue mints a new token for userID and caches it.
func (m *SessionManager) Issue(userID int) string {
	token := fmt.Sprintf("%s_%d_%s", m.prefix, userID, uuid.NewString())
	m.cache.Put(token, userID)
	return token
}

// Resolve returns the user id bound to token, if any.
func (m *SessionManager) Resolve(token string) (int, bool) {
	return m.cache.Get(token)
}

// Revoke drops token, used on logout.
func (m *SessionManager) Revoke(token string) {
	m.cache.Invalidate(token)
}
