package reconciler

import (
	"context"
	"encoding/json"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/models"
	"copytrade-broker/internal/utils"
)

const (
	marginLevelUpperBound = 100000.0
)

// handleAccountUpdate writes the latest account summary to the
// MT5Connection cache. A non-physical margin_level (out of range, with
// margin actually posted) is recomputed rather than trusted verbatim;
// a zero margin is stored as the sentinel instead of propagating a
// divide-by-zero artifact from the client.
func (r *Reconciler) handleAccountUpdate(ctx context.Context, owner *models.User, raw json.RawMessage) error {
	var payload models.AccountUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed account_update payload", err)
	}

	marginLevel := payload.MarginLevel
	switch {
	case payload.Margin <= 0:
		marginLevel = models.MarginLevelSentinel
	case marginLevel > marginLevelUpperBound || marginLevel < 0:
		marginLevel = utils.SafeDivide(payload.Equity, payload.Margin) * 100
	}

	conn := &models.MT5Connection{
		UserID:      owner.ID,
		Login:       payload.Login,
		IsConnected: true,
		Balance:     payload.Balance,
		Equity:      payload.Equity,
		Margin:      payload.Margin,
		FreeMargin:  payload.FreeMargin,
		MarginLevel: marginLevel,
		Currency:    payload.Currency,
	}
	if err := r.conns.UpsertConnection(ctx, conn); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "failed to persist account update", err)
	}

	r.notifier.AccountUpdated(owner.ID, models.AccountStats{
		Balance:     conn.Balance,
		Equity:      conn.Equity,
		Margin:      conn.Margin,
		FreeMargin:  conn.FreeMargin,
		MarginLevel: conn.MarginLevel,
		Currency:    conn.Currency,
		Connected:   true,
	})

	if conn.Margin > 0 && marginLevel < 100 && marginLevel != models.MarginLevelSentinel {
		r.notifier.MarginWarning(owner.ID, marginLevel)
	}
	return nil
}
