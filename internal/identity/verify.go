package identity

import (
	"context"

	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/models"
)

// UserStore is the narrow read/write surface Verifier needs from the
// persisted user table. internal/store implements it against Postgres;
// tests implement it in memory.
type UserStore interface {
	ByAPIKey(ctx context.Context, apiKey string) (*models.User, error)
	ByID(ctx context.Context, id int) (*models.User, error)
	BindLoginIP(ctx context.Context, userID int, ip string) error
}

// Verifier resolves an inbound API key to its owning user, backed by a
// process-local cache so authenticated ingestion doesn't hit the store
// on every frame.
type Verifier struct {
	store UserStore
	cache *APIKeyCache
}

func NewVerifier(store UserStore, cache *APIKeyCache) *Verifier {
	return &Verifier{store: store, cache: cache}
}

// Authenticate resolves apiKey to its owner, cross-verifies the optional
// user_id/username fields the caller claims, and binds/audits the
// request's source IP. A cache hit is still revalidated against the
// store by primary key before being trusted, so rotation or
// deactivation revokes access within one request.
func (v *Verifier) Authenticate(ctx context.Context, apiKey string, claimedUserID *int, claimedUsername, remoteIP string) (*models.User, error) {
	if apiKey == "" {
		return nil, apperr.ErrMissingAPIKey
	}

	user, err := v.resolve(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	if claimedUserID != nil && *claimedUserID != user.ID {
		return nil, apperr.ErrIdentityMismatch
	}
	if claimedUsername != "" && claimedUsername != user.Username {
		return nil, apperr.ErrIdentityMismatch
	}

	v.auditIP(ctx, user, remoteIP)

	return user, nil
}

func (v *Verifier) resolve(ctx context.Context, apiKey string) (*models.User, error) {
	if userID, generation, ok := v.cache.Get(apiKey); ok {
		user, err := v.store.ByID(ctx, userID)
		if err == nil && user != nil && user.IsActive && user.APIKey == apiKey && user.KeyGeneration == generation {
			return user, nil
		}
		v.cache.Invalidate(apiKey)
	}

	user, err := v.store.ByAPIKey(ctx, apiKey)
	if err != nil || user == nil || !user.IsActive {
		return nil, apperr.ErrInvalidAPIKey
	}
	v.cache.Put(apiKey, user.ID, user.KeyGeneration)
	return user, nil
}

func (v *Verifier) auditIP(ctx context.Context, user *models.User, remoteIP string) {
	if remoteIP == "" {
		return
	}
	if user.LastLoginIP == "" {
		if err := v.store.BindLoginIP(ctx, user.ID, remoteIP); err != nil {
			log.Warn().Err(err).Int("user_id", user.ID).Msg("failed to bind login ip on first use")
			return
		}
		user.LastLoginIP = remoteIP
		return
	}
	if user.LastLoginIP != remoteIP {
		log.Warn().Int("user_id", user.ID).Str("bound_ip", user.LastLoginIP).Str("request_ip", remoteIP).
			Msg("ingestion request from unbound ip")
	}
}

// InvalidateOnRotation must be called with the old API key whenever a
// key is rotated, so the old key's cache entry can't keep authenticating
// after the store has already moved on. The new key is not cached until
// its first successful lookup.
func (v *Verifier) InvalidateOnRotation(oldKey string) {
	v.cache.Invalidate(oldKey)
}

// FlushCache drops every cached entry, used by the admin cache-flush action.
func (v *Verifier) FlushCache() {
	v.cache.Flush()
}
