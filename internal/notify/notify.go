// Package notify is the Notification Bus: the single place that knows
// how to turn a domain occurrence into a UI-channel push frame, so the
// reconciler and replication engine never construct models.UIMessage
// values themselves.
package notify

import (
	"time"

	"copytrade-broker/internal/models"
)

// Pusher is the narrow surface over the Client Session Hub's UI side.
type Pusher interface {
	PushToUI(userID int, msg models.UIMessage)
}

type Bus struct {
	pusher Pusher
}

func NewBus(pusher Pusher) *Bus {
	return &Bus{pusher: pusher}
}

func (b *Bus) push(userID int, msgType string, data interface{}) {
	b.pusher.PushToUI(userID, models.UIMessage{Type: msgType, Data: data, Timestamp: time.Now().Unix()})
}

func (b *Bus) PositionsUpdated(userID int, positions []models.Position) {
	b.push(userID, models.UIPositionsUpdated, map[string]interface{}{"positions": positions})
}

func (b *Bus) AccountUpdated(userID int, stats models.AccountStats) {
	b.push(userID, models.UIAccountUpdate, stats)
}

func (b *Bus) MarginWarning(userID int, marginLevel float64) {
	b.push(userID, models.UIMarginWarning, map[string]interface{}{"margin_level": marginLevel})
}

func (b *Bus) TradesSynced(userID int, count int) {
	b.push(userID, models.UITradesSynced, map[string]interface{}{"count": count})
}

func (b *Bus) TradeNew(userID int, trade models.Trade) {
	b.push(userID, models.UITradeNew, trade)
}

func (b *Bus) TradeUpdated(userID int, trade models.Trade) {
	b.push(userID, models.UITradeUpdated, trade)
}

func (b *Bus) TradeClosed(userID int, trade models.Trade) {
	b.push(userID, models.UITradeClosed, trade)
}

func (b *Bus) CopyTradeExecuted(userID int, copyHash, ticket string) {
	b.push(userID, models.UICopyTradeExecuted, map[string]interface{}{"copy_hash": copyHash, "ticket": ticket})
}

func (b *Bus) CopyTradeClosed(userID int, copyHash, ticket string) {
	b.push(userID, models.UITradeClosed, map[string]interface{}{"copy_hash": copyHash, "ticket": ticket})
}

// MasterStatusChange notifies every active follower of masterID that
// their master came online or went offline. followerIDs is supplied by
// the caller (the replication engine loads the master's active follows).
func (b *Bus) MasterStatusChange(followerIDs []int, masterID int, online bool) {
	for _, id := range followerIDs {
		b.push(id, models.UIMasterStatusChange, map[string]interface{}{"master_id": masterID, "online": online})
	}
}
