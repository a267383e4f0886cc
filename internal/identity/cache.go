package identity

import "sync"

// keyEntry is one process-local cache record. Generation lets a stale
// entry be detected without a targeted eviction: it's compared against
// the user's current KeyGeneration on every hit.
type keyEntry struct {
	userID     int
	generation int
}

// APIKeyCache is the process-local api_key→user_id positive cache.
// Entries are never looked up without also being checked against the
// store's current generation counter, so a rotated or revoked key stops
// authenticating within one request even if this cache is stale.
type APIKeyCache struct {
	mu      sync.RWMutex
	entries map[string]keyEntry
}

func NewAPIKeyCache() *APIKeyCache {
	return &APIKeyCache{entries: make(map[string]keyEntry)}
}

func (c *APIKeyCache) Get(apiKey string) (userID int, generation int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[apiKey]
	return e.userID, e.generation, ok
}

func (c *APIKeyCache) Put(apiKey string, userID, generation int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[apiKey] = keyEntry{userID: userID, generation: generation}
}

// Invalidate drops one key, called on rotation.
func (c *APIKeyCache) Invalidate(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, apiKey)
}

// Flush clears the whole cache, called from the admin cache-flush action.
func (c *APIKeyCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]keyEntry)
}

// SessionCache is the analogous user_session→user_id cache for the web
// UI's bearer session tokens.
type SessionCache struct {
	mu      sync.RWMutex
	entries map[string]int
}

func NewSessionCache() *SessionCache {
	return &SessionCache{entries: make(map[string]int)}
}

func (c *SessionCache) Get(token string) (userID int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	userID, ok = c.entries[token]
	return
}

func (c *SessionCache) Put(token string, userID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = userID
}

func (c *SessionCache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

func (c *SessionCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]int)
}
