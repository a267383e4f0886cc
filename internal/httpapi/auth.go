package httpapi

import (
	"net/http"
	"strings"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/models"
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// requireSession resolves the caller's bearer session token before
// calling next, per the Open Question resolution to use the bearer
// scheme uniformly across the web API instead of the dead cookie path.
func (h *Handler) requireSession(next func(w http.ResponseWriter, r *http.Request, user *models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, apperr.New(apperr.KindAuthentication, "missing bearer session token"))
			return
		}
		userID, ok := h.sessions.Resolve(token)
		if !ok {
			writeError(w, apperr.New(apperr.KindAuthentication, "invalid or expired session token"))
			return
		}
		user, err := h.users.ByID(r.Context(), userID)
		if err != nil || user == nil || !user.IsActive {
			writeError(w, apperr.New(apperr.KindAuthentication, "invalid or expired session token"))
			return
		}
		next(w, r, user)
	}
}
