package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/models"
)

// handleHistoryUpdate is append-only: it inserts closed trades for
// tickets not already present for this owner and skips the rest. It
// never mutates an existing trade, so a replayed history batch (the
// client resends its full closed-trade list on every sync) is safe to
// apply repeatedly.
func (r *Reconciler) handleHistoryUpdate(ctx context.Context, owner *models.User, raw json.RawMessage) error {
	var payload models.HistoryUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed history_update payload", err)
	}

	inserted := 0
	for i := range payload.Positions {
		cp := &payload.Positions[i]
		t := &models.Trade{
			OwnerID:   owner.ID,
			Ticket:    cp.Ticket,
			Symbol:    cp.Symbol,
			Side:      models.SideFromRaw(cp.Type),
			Volume:    cp.Volume,
			OpenPrice: cp.OpenPrice,
			OpenTime:  time.Unix(cp.OpenTime, 0).UTC(),
		}
		closeTime := time.Unix(cp.CloseTime, 0).UTC()
		t.CloseTime = &closeTime

		created, err := r.trades.InsertHistorical(ctx, t, cp.ClosePrice, cp.Profit)
		if err != nil {
			return apperr.Wrap(apperr.KindInfrastructure, "failed to insert historical trade", err)
		}
		if created {
			inserted++
		}
	}

	if inserted > 0 {
		r.notifier.TradesSynced(owner.ID, inserted)
	}
	return nil
}
