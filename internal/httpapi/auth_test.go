package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"copytrade-broker/internal/identity"
	"copytrade-broker/internal/models"
)

type fakeUserStore struct {
	byID map[int]*models.User
}

func (f *fakeUserStore) ByEmail(ctx context.Context, email string) (*models.User, error) { return nil, nil }
func (f *fakeUserStore) ByUsername(ctx context.Context, username string) (*models.User, error) {
	return nil, nil
}
func (f *fakeUserStore) ByID(ctx context.Context, id int) (*models.User, error) { return f.byID[id], nil }
func (f *fakeUserStore) CreateUser(ctx context.Context, u *models.User) error    { return nil }
func (f *fakeUserStore) SetAPIKey(ctx context.Context, userID int, apiKey string) (int, error) {
	return 0, nil
}
func (f *fakeUserStore) APIKeyExists(ctx context.Context, apiKey string) (bool, error) {
	return false, nil
}
func (f *fakeUserStore) MarkLogin(ctx context.Context, userID int) error   { return nil }
func (f *fakeUserStore) MarkOffline(ctx context.Context, userID int) error { return nil }
func (f *fakeUserStore) SetMasterTrader(ctx context.Context, userID int, isMaster bool) error {
	return nil
}
func (f *fakeUserStore) ListMasters(ctx context.Context) ([]models.User, error) { return nil, nil }

func TestBearerToken_ExtractsFromAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(r))
}

func TestBearerToken_EmptyWithoutBearerScheme(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc123")
	assert.Equal(t, "", bearerToken(r))
}

func TestRequireSession_MissingTokenRejected(t *testing.T) {
	h := &Handler{sessions: identity.NewSessionManager("sess", identity.NewSessionCache())}
	called := false
	handler := h.requireSession(func(w http.ResponseWriter, r *http.Request, user *models.User) { called = true })

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler(w, r)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireSession_ValidTokenCallsThroughWithUser(t *testing.T) {
	users := &fakeUserStore{byID: map[int]*models.User{5: {ID: 5, IsActive: true}}}
	sessions := identity.NewSessionManager("sess", identity.NewSessionCache())
	h := &Handler{sessions: sessions, users: users}

	token := sessions.Issue(5)
	var gotUser *models.User
	handler := h.requireSession(func(w http.ResponseWriter, r *http.Request, user *models.User) { gotUser = user })

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	if assert.NotNil(t, gotUser) {
		assert.Equal(t, 5, gotUser.ID)
	}
}

func TestRequireSession_InactiveUserRejected(t *testing.T) {
	users := &fakeUserStore{byID: map[int]*models.User{5: {ID: 5, IsActive: false}}}
	sessions := identity.NewSessionManager("sess", identity.NewSessionCache())
	h := &Handler{sessions: sessions, users: users}

	token := sessions.Issue(5)
	handler := h.requireSession(func(w http.ResponseWriter, r *http.Request, user *models.User) {})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
