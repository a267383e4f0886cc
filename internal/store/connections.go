package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"copytrade-broker/internal/models"
)

// UpsertConnection records the latest account_update snapshot and marks
// the connection live. MarginLevel is stored as given; the reconciler
// has already replaced a zero-margin level with the sentinel and
// recomputed an out-of-range one before calling this.
func (p *Postgres) UpsertConnection(ctx context.Context, c *models.MT5Connection) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO mt5_connections (user_id, login, is_connected, balance, equity, margin,
			free_margin, margin_level, currency, last_sync)
		VALUES ($1, $2, true, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			login = EXCLUDED.login,
			is_connected = true,
			balance = EXCLUDED.balance,
			equity = EXCLUDED.equity,
			margin = EXCLUDED.margin,
			free_margin = EXCLUDED.free_margin,
			margin_level = EXCLUDED.margin_level,
			currency = EXCLUDED.currency,
			last_sync = NOW()`,
		c.UserID, c.Login, c.Balance, c.Equity, c.Margin, c.FreeMargin, c.MarginLevel, c.Currency)
	return err
}

func (p *Postgres) SetConnected(ctx context.Context, userID int, connected bool) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO mt5_connections (user_id, is_connected, last_sync) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET is_connected = $2, last_sync = NOW()`, userID, connected)
	return err
}

func (p *Postgres) ConnectionByUser(ctx context.Context, userID int) (*models.MT5Connection, error) {
	var c models.MT5Connection
	err := p.pool.QueryRow(ctx, `SELECT user_id, login, is_connected, balance, equity, margin,
		free_margin, margin_level, currency, last_sync FROM mt5_connections WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.Login, &c.IsConnected, &c.Balance, &c.Equity, &c.Margin,
			&c.FreeMargin, &c.MarginLevel, &c.Currency, &c.LastSync)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReapIdleConnections marks connections stale after maxIdle of no sync,
// called from internal/maintenance's cron job.
func (p *Postgres) ReapIdleConnections(ctx context.Context, maxIdle time.Duration) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE mt5_connections SET is_connected = false
		WHERE is_connected = true AND last_sync < $1`, time.Now().Add(-maxIdle))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
