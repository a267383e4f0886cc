package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// upgrader is shared by both duplex channels; origin checking is left
// permissive since the desktop client and browser both connect
// cross-origin from an arbitrary host.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeClientChannel upgrades the authoritative command channel. The
// client authenticates with its api_key as a query parameter since a
// desktop terminal plugin has no concept of a browser session.
func (h *Handler) ServeClientChannel(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(mux.Vars(r)["user_id"])
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	apiKey := r.URL.Query().Get("api_key")
	claimedID := userID
	user, err := h.verifier.Authenticate(r.Context(), apiKey, &claimedID, "", r.RemoteAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Int("user_id", userID).Msg("client channel upgrade failed")
		return
	}

	h.hub.AttachClient(ws, user.ID, user.IsMaster)
}

// ServeUIChannel upgrades a browser tab's push-only channel, authorized
// by the same bearer session token used on the read API.
func (h *Handler) ServeUIChannel(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(mux.Vars(r)["user_id"])
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	resolvedID, ok := h.sessions.Resolve(token)
	if !ok || resolvedID != userID {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Int("user_id", userID).Msg("ui channel upgrade failed")
		return
	}

	h.hub.AttachUI(ws, userID)
}
