// Package models holds the persisted entities and wire payloads shared
// across the ingestion, replication, and read-API layers.
package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID            int       `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"-"`
	APIKey        string    `json:"api_key,omitempty"`
	IsMaster      bool      `json:"is_master"`
	IsActive      bool      `json:"is_active"`
	IsOnline      bool      `json:"is_online"`
	LastLoginIP   string    `json:"-"`
	KeyGeneration int       `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// Trade is addressed by (OwnerID, Ticket). Status is closed iff CloseTime
// and RealizedPnL are both set.
type Trade struct {
	ID            int         `json:"id"`
	OwnerID       int         `json:"owner_id"`
	Ticket        string      `json:"ticket"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Volume        float64     `json:"volume"`
	OpenPrice     float64     `json:"open_price"`
	CurrentPrice  float64     `json:"current_price"`
	ClosePrice    *float64    `json:"close_price,omitempty"`
	SL            *float64    `json:"sl,omitempty"`
	TP            *float64    `json:"tp,omitempty"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	RealizedPnL   *float64    `json:"realized_pnl,omitempty"`
	OpenTime      time.Time   `json:"open_time"`
	CloseTime     *time.Time  `json:"close_time,omitempty"`
	Status        TradeStatus `json:"status"`
}

func (t *Trade) IsOpen() bool { return t.Status == TradeOpen }

// MT5Connection caches the most recent account summary reported by a
// user's client. One row per user.
type MT5Connection struct {
	UserID      int       `json:"user_id"`
	Login       int64     `json:"login"`
	IsConnected bool      `json:"is_connected"`
	Balance     float64   `json:"balance"`
	Equity      float64   `json:"equity"`
	Margin      float64   `json:"margin"`
	FreeMargin  float64   `json:"free_margin"`
	MarginLevel float64   `json:"margin_level"`
	Currency    string    `json:"currency"`
	LastSync    time.Time `json:"last_sync"`
}

// MarginLevelSentinel is stored when margin is zero (no physical level).
const MarginLevelSentinel = 999999.0

// Follow is the edge from FollowerID to MasterID.
type Follow struct {
	ID              int       `json:"id"`
	FollowerID      int       `json:"follower_id"`
	MasterID        int       `json:"master_id"`
	IsActive        bool      `json:"is_active"`
	CopyPercentage  float64   `json:"copy_percentage"`
	MaxRiskPerTrade float64   `json:"max_risk_per_trade"`
	CreatedAt       time.Time `json:"created_at"`
}

type CopyTradeStatus string

const (
	CopyPending  CopyTradeStatus = "pending"
	CopyExecuted CopyTradeStatus = "executed"
	CopyClosed   CopyTradeStatus = "closed"
	CopyFailed   CopyTradeStatus = "failed"
)

// CopyTrade is one replication attempt: a master trade mirrored (or
// attempted) to one follower via one follow edge.
type CopyTrade struct {
	ID              int             `json:"id"`
	FollowID        int             `json:"follow_id"`
	MasterTradeID   int             `json:"master_trade_id"`
	FollowerTradeID *int            `json:"follower_trade_id,omitempty"`
	MasterTicket    string          `json:"master_ticket"`
	FollowerTicket  *string         `json:"follower_ticket,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	MasterVolume    float64         `json:"master_volume"`
	FollowerVolume  float64         `json:"follower_volume"`
	CopyRatio       float64         `json:"copy_ratio"`
	CopyHash        string          `json:"copy_hash"`
	Status          CopyTradeStatus `json:"status"`
	Error           string          `json:"error,omitempty"`
	RetryCount      int             `json:"retry_count"`
	CreatedAt       time.Time       `json:"created_at"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

// Position is the inbound wire shape of one open position in a
// positions_update payload. Type may arrive as "buy"/"sell" or 0/1.
type Position struct {
	Ticket       string      `json:"ticket"`
	Symbol       string      `json:"symbol"`
	Type         interface{} `json:"type"`
	Volume       float64     `json:"volume"`
	OpenPrice    float64     `json:"open_price"`
	CurrentPrice float64     `json:"current_price"`
	SL           *float64    `json:"sl,omitempty"`
	TP           *float64    `json:"tp,omitempty"`
	Profit       float64     `json:"profit"`
	Swap         float64     `json:"swap,omitempty"`
	OpenTime     int64       `json:"open_time"`
	Comment      string      `json:"comment,omitempty"`
}

// SideFromRaw normalizes the legacy int 0/1 and string "buy"/"sell" forms.
func SideFromRaw(raw interface{}) Side {
	switch v := raw.(type) {
	case string:
		if v == "sell" || v == "1" {
			return SideSell
		}
		return SideBuy
	case float64:
		if v == 1 {
			return SideSell
		}
		return SideBuy
	case int:
		if v == 1 {
			return SideSell
		}
		return SideBuy
	default:
		return SideBuy
	}
}

// PositionsUpdatePayload accepts both the legacy bare-list shape and the
// {positions, market_open} envelope. A legacy bare list is treated as
// market_open=true, since the old client never reported venue closures.
type PositionsUpdatePayload struct {
	Positions  []Position `json:"positions"`
	MarketOpen bool       `json:"market_open"`
	Legacy     bool       `json:"-"`
}

func (p *PositionsUpdatePayload) UnmarshalJSON(raw []byte) error {
	var bare []Position
	if err := json.Unmarshal(raw, &bare); err == nil {
		p.Positions = bare
		p.MarketOpen = true
		p.Legacy = true
		return nil
	}

	type envelope struct {
		Positions  []Position `json:"positions"`
		MarketOpen bool       `json:"market_open"`
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	p.Positions = env.Positions
	p.MarketOpen = env.MarketOpen
	p.Legacy = false
	return nil
}

type AccountUpdatePayload struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
}

type HistoryUpdatePayload struct {
	Positions []ClosedPosition `json:"positions"`
}

type ClosedPosition struct {
	Ticket     string      `json:"ticket"`
	Symbol     string      `json:"symbol"`
	Type       interface{} `json:"type"`
	Volume     float64     `json:"volume"`
	OpenPrice  float64     `json:"open_price"`
	ClosePrice float64     `json:"close_price"`
	Profit     float64     `json:"profit"`
	OpenTime   int64       `json:"open_time"`
	CloseTime  int64       `json:"close_time"`
	Comment    string      `json:"comment,omitempty"`
}

// EADataEnvelope is the full inbound /api/ea/data request body. Data is
// left as a raw message since its shape depends on Type; the reconciler
// decodes it into the matching typed payload.
type EADataEnvelope struct {
	APIKey     string          `json:"api_key"`
	UserID     *int            `json:"user_id,omitempty"`
	Username   string          `json:"username,omitempty"`
	Type       string          `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
	ClientInfo json.RawMessage `json:"client_info,omitempty"`
}

const (
	EATypeConnectionStatus = "connection_status"
	EATypeAccountUpdate    = "account_update"
	EATypePositionsUpdate  = "positions_update"
	EATypeHistoryUpdate    = "history_update"
	EATypeOrdersUpdate     = "orders_update"
)

// Command is a server→client frame on the duplex command channel.
type Command struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

const (
	CommandExecuteTrade = "execute_trade"
	CommandCloseTrade   = "close_trade"
	CommandModifyTrade  = "modify_trade"
)

type ExecuteTradeCommand struct {
	Symbol       string   `json:"symbol"`
	Type         string   `json:"type"`
	Volume       float64  `json:"volume"`
	SL           *float64 `json:"sl,omitempty"`
	TP           *float64 `json:"tp,omitempty"`
	MasterTrader string   `json:"master_trader"`
	MasterTicket string   `json:"master_ticket"`
	CopyTradeID  int      `json:"copy_trade_id"`
	CopyHash     string   `json:"copy_hash"`
}

type CloseTradeCommand struct {
	Ticket       string `json:"ticket,omitempty"`
	Symbol       string `json:"symbol"`
	MasterTrader string `json:"master_trader"`
	Reason       string `json:"reason"`
	CopyTradeID  int    `json:"copy_trade_id"`
	CopyHash     string `json:"copy_hash"`
	MasterTicket string `json:"master_ticket"`
}

// ClientConfirmation is a client→server frame on the command channel.
type ClientConfirmation struct {
	Type string                 `json:"type"`
	Data ClientConfirmationData `json:"data"`
}

const (
	ConfirmTradeExecuted = "trade_executed"
	ConfirmTradeClosed   = "trade_closed"
)

type ClientConfirmationData struct {
	Success         bool        `json:"success"`
	Ticket          string      `json:"ticket,omitempty"`
	CopyHash        string      `json:"copy_hash,omitempty"`
	OriginalCommand interface{} `json:"original_command,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// UIMessage is a server→UI push frame.
type UIMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

const (
	UIPositionsUpdate    = "positions_update"
	UIPositionsUpdated   = "positions_updated"
	UIAccountUpdate      = "account_update"
	UIMarginWarning      = "margin_warning"
	UITradesSynced       = "trades_synced"
	UITradeNew           = "trade_new"
	UITradeUpdated       = "trade_updated"
	UITradeClosed        = "trade_closed"
	UICopyTradeExecuted  = "copy_trade_executed"
	UIMasterStatusChange = "master_status_change"
	UIPing               = "ping"
)

// TraderSummary backs the marketplace listing.
type TraderSummary struct {
	UserID        int     `json:"user_id"`
	Username      string  `json:"username"`
	FollowerCount int     `json:"follower_count"`
	RealizedPnL   float64 `json:"realized_pnl"`
	OpenPositions int     `json:"open_positions"`
	WinRate       float64 `json:"win_rate"`
	MaxDrawdown   float64 `json:"max_drawdown_pct"`
}

// AccountStats is the response body for /api/account/stats.
type AccountStats struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	Connected   bool    `json:"connected"`
	OpenTrades  int     `json:"open_trades"`
	TotalTrades int     `json:"total_trades"`
	RealizedPnL float64 `json:"realized_pnl"`
	WinRate     float64 `json:"win_rate"`
}
