package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/identity"
	"copytrade-broker/internal/models"
	"copytrade-broker/internal/reconciler"
	"copytrade-broker/internal/session"
	"copytrade-broker/internal/utils"
)

// UserStore is the narrow user surface this package needs.
type UserStore interface {
	ByEmail(ctx context.Context, email string) (*models.User, error)
	ByUsername(ctx context.Context, username string) (*models.User, error)
	ByID(ctx context.Context, id int) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	SetAPIKey(ctx context.Context, userID int, apiKey string) (int, error)
	APIKeyExists(ctx context.Context, apiKey string) (bool, error)
	MarkLogin(ctx context.Context, userID int) error
	MarkOffline(ctx context.Context, userID int) error
	SetMasterTrader(ctx context.Context, userID int, isMaster bool) error
	ListMasters(ctx context.Context) ([]models.User, error)
}

// FollowStore is the narrow follow-graph surface this package needs.
type FollowStore interface {
	CreateFollow(ctx context.Context, followerID, masterID int, copyPct, maxRisk float64) (*models.Follow, error)
	DeleteFollow(ctx context.Context, followerID, masterID int) error
	FollowerCount(ctx context.Context, masterID int) (int, error)
}

// TradeStore is the narrow trade surface this package needs.
type TradeStore interface {
	ListAll(ctx context.Context, ownerID int, limit int) ([]models.Trade, error)
	ListOpen(ctx context.Context, ownerID int) ([]models.Trade, error)
}

// ConnectionStore is the narrow MT5Connection surface this package needs.
type ConnectionStore interface {
	ConnectionByUser(ctx context.Context, userID int) (*models.MT5Connection, error)
}

// Handler wires the store/identity/session surfaces into the HTTP API.
// It never holds a *pgxpool.Pool or any other concrete infrastructure
// type directly.
type Handler struct {
	users      UserStore
	follows    FollowStore
	trades     TradeStore
	conns      ConnectionStore
	hasher     *identity.Hasher
	verifier   *identity.Verifier
	sessions   *identity.SessionManager
	keyFormat  identity.KeyFormat
	reconciler *reconciler.Reconciler
	hub        *session.Hub
}

func NewHandler(users UserStore, follows FollowStore, trades TradeStore, conns ConnectionStore,
	hasher *identity.Hasher, verifier *identity.Verifier, sessions *identity.SessionManager,
	keyFormat identity.KeyFormat, rec *reconciler.Reconciler, hub *session.Hub) *Handler {
	return &Handler{
		users: users, follows: follows, trades: trades, conns: conns,
		hasher: hasher, verifier: verifier, sessions: sessions,
		keyFormat: keyFormat, reconciler: rec, hub: hub,
	}
}

// Router builds the full route table. mux is the only router this
// codebase uses, matching every other example in the corpus that
// exposes a JSON HTTP surface.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware, enableCORS)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", h.requireSession(h.Logout)).Methods(http.MethodPost)

	r.HandleFunc("/api/ea/data", h.IngestEAData).Methods(http.MethodPost)

	r.HandleFunc("/api/trades", h.requireSession(h.GetTrades)).Methods(http.MethodGet)
	r.HandleFunc("/api/account/stats", h.requireSession(h.GetAccountStats)).Methods(http.MethodGet)
	r.HandleFunc("/api/follow/{master_id}", h.requireSession(h.Follow)).Methods(http.MethodPost)
	r.HandleFunc("/api/unfollow/{master_id}", h.requireSession(h.Unfollow)).Methods(http.MethodDelete)
	r.HandleFunc("/api/marketplace/traders", h.requireSession(h.Marketplace)).Methods(http.MethodGet)
	r.HandleFunc("/api/user/master-trader", h.requireSession(h.SetMasterTrader)).Methods(http.MethodPost)
	r.HandleFunc("/api/user/regenerate-api-key", h.requireSession(h.RegenerateAPIKey)).Methods(http.MethodPost)

	// Deprecated session-based ingestion: these names were live in the
	// source before the api_key scheme existed. Keep returning 410 so a
	// stale client fails loudly instead of silently dropping data.
	r.HandleFunc("/api/session/data", h.gone).Methods(http.MethodPost)
	r.HandleFunc("/api/session/heartbeat", h.gone).Methods(http.MethodPost)

	r.HandleFunc("/ws/client/{user_id}", h.ServeClientChannel)
	r.HandleFunc("/ws/user/{user_id}", h.ServeUIChannel)

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) gone(w http.ResponseWriter, r *http.Request) {
	writeError(w, apperr.New(apperr.KindGone, "this endpoint has been retired; use api_key ingestion"))
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid json body", err))
		return
	}

	if err := identity.ValidateStrength(req.Password); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err.Error(), err))
		return
	}

	ctx := r.Context()
	if existing, _ := h.users.ByEmail(ctx, req.Email); existing != nil {
		writeError(w, apperr.ErrDuplicateEmail)
		return
	}
	if existing, _ := h.users.ByUsername(ctx, req.Username); existing != nil {
		writeError(w, apperr.ErrDuplicateUsername)
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to hash password", err))
		return
	}

	user := &models.User{Email: req.Email, Username: req.Username, PasswordHash: hash, IsActive: true}
	if err := h.users.CreateUser(ctx, user); err != nil {
		writeError(w, err)
		return
	}

	// Two-phase write: the key embeds the user id, so it can only be
	// minted once the row (and its id) exist.
	apiKey, err := identity.GenerateAPIKey(h.keyFormat, user.ID, h.users.APIKeyExists)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to mint api key", err))
		return
	}
	if _, err := h.users.SetAPIKey(ctx, user.ID, apiKey); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to persist api key", err))
		return
	}
	user.APIKey = apiKey

	token := h.sessions.Issue(user.ID)
	writeSuccess(w, map[string]interface{}{"user": user, "token": token})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid json body", err))
		return
	}

	ctx := r.Context()
	user, err := h.users.ByEmail(ctx, req.Email)
	if err != nil || user == nil {
		writeError(w, apperr.New(apperr.KindAuthentication, "invalid email or password"))
		return
	}
	ok, err := identity.Verify(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, apperr.New(apperr.KindAuthentication, "invalid email or password"))
		return
	}

	if err := h.users.MarkLogin(ctx, user.ID); err != nil {
		log.Warn().Err(err).Int("user_id", user.ID).Msg("failed to mark login")
	}

	token := h.sessions.Issue(user.ID)
	writeSuccess(w, map[string]interface{}{"user": user, "token": token})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request, user *models.User) {
	if token := bearerToken(r); token != "" {
		h.sessions.Revoke(token)
	}
	if err := h.users.MarkOffline(r.Context(), user.ID); err != nil {
		log.Warn().Err(err).Int("user_id", user.ID).Msg("failed to mark offline")
	}
	writeSuccess(w, map[string]interface{}{"logged_out": true})
}

// IngestEAData is the ingestion endpoint: authenticate by api_key in
// the body, then hand the envelope to the reconciler under its
// per-owner lock.
func (h *Handler) IngestEAData(w http.ResponseWriter, r *http.Request) {
	var envelope models.EADataEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid json body", err))
		return
	}

	ctx := r.Context()
	user, err := h.verifier.Authenticate(ctx, envelope.APIKey, envelope.UserID, envelope.Username, r.RemoteAddr)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.reconciler.Reconcile(ctx, user, envelope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request, user *models.User) {
	trades, err := h.trades.ListAll(r.Context(), user.ID, 500)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to list trades", err))
		return
	}
	writeSuccess(w, trades)
}

// GetAccountStats returns zero-value defaults with connected=false when
// the user has never reported an MT5Connection row, instead of 404 —
// a brand-new account has trading stats, just all zero.
func (h *Handler) GetAccountStats(w http.ResponseWriter, r *http.Request, user *models.User) {
	ctx := r.Context()
	stats := models.AccountStats{Currency: "USD"}

	if conn, err := h.conns.ConnectionByUser(ctx, user.ID); err == nil && conn != nil {
		stats.Balance = conn.Balance
		stats.Equity = conn.Equity
		stats.Margin = conn.Margin
		stats.FreeMargin = conn.FreeMargin
		stats.MarginLevel = conn.MarginLevel
		stats.Currency = conn.Currency
		stats.Connected = conn.IsConnected
	}

	open, err := h.trades.ListOpen(ctx, user.ID)
	if err == nil {
		stats.OpenTrades = len(open)
	}
	all, err := h.trades.ListAll(ctx, user.ID, 10000)
	if err == nil {
		stats.TotalTrades = len(all)
		var closed, profitable int
		for _, t := range all {
			if t.RealizedPnL == nil {
				continue
			}
			stats.RealizedPnL += *t.RealizedPnL
			closed++
			if *t.RealizedPnL > 0 {
				profitable++
			}
		}
		stats.WinRate = utils.CalculateWinRate(profitable, closed)
	}
	writeSuccess(w, stats)
}

func (h *Handler) Follow(w http.ResponseWriter, r *http.Request, user *models.User) {
	masterID, err := strconv.Atoi(mux.Vars(r)["master_id"])
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid master_id"))
		return
	}
	ctx := r.Context()
	master, err := h.users.ByID(ctx, masterID)
	if err != nil || master == nil || !master.IsMaster {
		writeError(w, apperr.ErrMasterNotFound)
		return
	}

	var body struct {
		CopyPercentage  *float64 `json:"copy_percentage"`
		MaxRiskPerTrade *float64 `json:"max_risk_per_trade"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	copyPct, maxRisk := 100.0, 2.0
	if body.CopyPercentage != nil {
		copyPct = *body.CopyPercentage
	}
	if body.MaxRiskPerTrade != nil {
		maxRisk = *body.MaxRiskPerTrade
	}

	follow, err := h.follows.CreateFollow(ctx, user.ID, masterID, copyPct, maxRisk)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, follow)
}

func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request, user *models.User) {
	masterID, err := strconv.Atoi(mux.Vars(r)["master_id"])
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid master_id"))
		return
	}
	if err := h.follows.DeleteFollow(r.Context(), user.ID, masterID); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to unfollow", err))
		return
	}
	writeSuccess(w, map[string]bool{"unfollowed": true})
}

// Marketplace is the narrow read aggregation the core depends on; the
// richer leaderboard/performance projections live outside the core per
// their own N+1 cost profile.
func (h *Handler) Marketplace(w http.ResponseWriter, r *http.Request, user *models.User) {
	ctx := r.Context()
	masters, err := h.users.ListMasters(ctx)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to list masters", err))
		return
	}

	summaries := make([]models.TraderSummary, 0, len(masters))
	for _, m := range masters {
		followerCount, _ := h.follows.FollowerCount(ctx, m.ID)
		open, _ := h.trades.ListOpen(ctx, m.ID)
		all, _ := h.trades.ListAll(ctx, m.ID, 10000)

		var realized float64
		var profitable, closed int
		equityCurve := make([]float64, 0, len(all))
		running := 0.0
		for _, t := range all {
			if t.RealizedPnL == nil {
				continue
			}
			realized += *t.RealizedPnL
			closed++
			if *t.RealizedPnL > 0 {
				profitable++
			}
			running += *t.RealizedPnL
			equityCurve = append(equityCurve, running)
		}

		summaries = append(summaries, models.TraderSummary{
			UserID: m.ID, Username: m.Username, FollowerCount: followerCount,
			RealizedPnL: realized, OpenPositions: len(open),
			WinRate:     utils.CalculateWinRate(profitable, closed),
			MaxDrawdown: utils.CalculateMaxDrawdown(equityCurve),
		})
	}
	writeSuccess(w, summaries)
}

func (h *Handler) SetMasterTrader(w http.ResponseWriter, r *http.Request, user *models.User) {
	var body struct {
		IsMasterTrader bool `json:"is_master_trader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid json body", err))
		return
	}
	if err := h.users.SetMasterTrader(r.Context(), user.ID, body.IsMasterTrader); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to update master-trader flag", err))
		return
	}
	writeSuccess(w, map[string]bool{"is_master_trader": body.IsMasterTrader})
}

func (h *Handler) RegenerateAPIKey(w http.ResponseWriter, r *http.Request, user *models.User) {
	ctx := r.Context()
	oldKey := user.APIKey

	newKey, err := identity.GenerateAPIKey(h.keyFormat, user.ID, h.users.APIKeyExists)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to mint api key", err))
		return
	}
	if _, err := h.users.SetAPIKey(ctx, user.ID, newKey); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInfrastructure, "failed to persist api key", err))
		return
	}
	h.verifier.InvalidateOnRotation(oldKey)
	writeSuccess(w, map[string]string{"api_key": newKey})
}
