package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"copytrade-broker/internal/models"
)

// UpsertOpen inserts a new open trade or refreshes the live fields of an
// existing one, addressed by (owner_id, ticket). It never touches
// close_time/realized_pnl — those only change through Close.
func (p *Postgres) UpsertOpen(ctx context.Context, t *models.Trade) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO trades (owner_id, ticket, symbol, side, volume, open_price,
			current_price, sl, tp, unrealized_pnl, open_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'open')
		ON CONFLICT (owner_id, ticket) DO UPDATE SET
			current_price = EXCLUDED.current_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			sl = EXCLUDED.sl,
			tp = EXCLUDED.tp
		RETURNING id`,
		t.OwnerID, t.Ticket, t.Symbol, t.Side, t.Volume, t.OpenPrice,
		t.CurrentPrice, t.SL, t.TP, t.UnrealizedPnL, t.OpenTime,
	).Scan(&t.ID)
}

// Close marks a trade closed. Safe to call more than once; a second call
// on an already-closed trade is a no-op (rows affected = 0).
func (p *Postgres) Close(ctx context.Context, ownerID int, ticket string, closePrice, realizedPnL float64, closeTime time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE trades SET status = 'closed', close_price = $3, realized_pnl = $4, close_time = $5
		WHERE owner_id = $1 AND ticket = $2 AND status = 'open'`,
		ownerID, ticket, closePrice, realizedPnL, closeTime)
	return err
}

// InsertHistorical appends an already-closed trade reported by
// history_update. It is a no-op if the (owner, ticket) pair already
// exists — history replay must never mutate an existing trade.
func (p *Postgres) InsertHistorical(ctx context.Context, t *models.Trade, closePrice, realizedPnL float64) (created bool, err error) {
	err = p.pool.QueryRow(ctx, `
		INSERT INTO trades (owner_id, ticket, symbol, side, volume, open_price, current_price,
			close_price, unrealized_pnl, realized_pnl, open_time, close_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, 'closed')
		ON CONFLICT (owner_id, ticket) DO NOTHING
		RETURNING id`,
		t.OwnerID, t.Ticket, t.Symbol, t.Side, t.Volume, t.OpenPrice, closePrice,
		closePrice, realizedPnL, t.OpenTime, t.CloseTime,
	).Scan(&t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) FindByTicket(ctx context.Context, ownerID int, ticket string) (*models.Trade, error) {
	return p.scanTrade(ctx, `SELECT id, owner_id, ticket, symbol, side, volume, open_price,
		current_price, close_price, sl, tp, unrealized_pnl, realized_pnl, open_time, close_time, status
		FROM trades WHERE owner_id = $1 AND ticket = $2`, ownerID, ticket)
}

func (p *Postgres) ListOpen(ctx context.Context, ownerID int) ([]models.Trade, error) {
	return p.queryTrades(ctx, `SELECT id, owner_id, ticket, symbol, side, volume, open_price,
		current_price, close_price, sl, tp, unrealized_pnl, realized_pnl, open_time, close_time, status
		FROM trades WHERE owner_id = $1 AND status = 'open'`, ownerID)
}

func (p *Postgres) ListOpenTickets(ctx context.Context, ownerID int) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx, `SELECT ticket FROM trades WHERE owner_id = $1 AND status = 'open'`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := make(map[string]bool)
	for rows.Next() {
		var ticket string
		if err := rows.Scan(&ticket); err != nil {
			return nil, err
		}
		tickets[ticket] = true
	}
	return tickets, rows.Err()
}

func (p *Postgres) ListAll(ctx context.Context, ownerID int, limit int) ([]models.Trade, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, owner_id, ticket, symbol, side, volume, open_price,
		current_price, close_price, sl, tp, unrealized_pnl, realized_pnl, open_time, close_time, status
		FROM trades WHERE owner_id = $1 ORDER BY open_time DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

func (p *Postgres) queryTrades(ctx context.Context, query string, args ...interface{}) ([]models.Trade, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

func scanTradeRows(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Ticket, &t.Symbol, &t.Side, &t.Volume, &t.OpenPrice,
			&t.CurrentPrice, &t.ClosePrice, &t.SL, &t.TP, &t.UnrealizedPnL, &t.RealizedPnL,
			&t.OpenTime, &t.CloseTime, &t.Status); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (p *Postgres) scanTrade(ctx context.Context, query string, args ...interface{}) (*models.Trade, error) {
	var t models.Trade
	err := p.pool.QueryRow(ctx, query, args...).Scan(&t.ID, &t.OwnerID, &t.Ticket, &t.Symbol, &t.Side,
		&t.Volume, &t.OpenPrice, &t.CurrentPrice, &t.ClosePrice, &t.SL, &t.TP, &t.UnrealizedPnL,
		&t.RealizedPnL, &t.OpenTime, &t.CloseTime, &t.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
