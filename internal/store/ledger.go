package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"copytrade-broker/internal/models"
)

// CreatePending inserts a new ledger row in the pending state. copy_hash
// is unique across the whole table, so a retried insert for the same
// (master_trade, follow) pair fails instead of silently duplicating.
func (p *Postgres) CreatePending(ctx context.Context, ct *models.CopyTrade) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO copy_trades (follow_id, master_trade_id, master_ticket, symbol, side,
			master_volume, follower_volume, copy_ratio, copy_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
		RETURNING id, created_at`,
		ct.FollowID, ct.MasterTradeID, ct.MasterTicket, ct.Symbol, ct.Side,
		ct.MasterVolume, ct.FollowerVolume, ct.CopyRatio, ct.CopyHash,
	).Scan(&ct.ID, &ct.CreatedAt)
}

func (p *Postgres) ByHash(ctx context.Context, hash string) (*models.CopyTrade, error) {
	return p.scanCopyTrade(ctx, `SELECT `+copyTradeColumns+` FROM copy_trades WHERE copy_hash = $1`, hash)
}

// ByHashPrefix looks up a ledger record by the truncated 16-char hash
// recovered from a broker comment, used when a follower's ticket has
// gone stale (re-ticketed) and the comment is the only surviving anchor.
func (p *Postgres) ByHashPrefix(ctx context.Context, prefix string) (*models.CopyTrade, error) {
	return p.scanCopyTrade(ctx, `SELECT `+copyTradeColumns+` FROM copy_trades WHERE copy_hash LIKE $1`, prefix+"%")
}

// ByFollowerTicket is owner-scoped: it joins through follows so two
// followers can't collide on the same broker ticket number.
func (p *Postgres) ByFollowerTicket(ctx context.Context, followerID int, ticket string) (*models.CopyTrade, error) {
	return p.scanCopyTrade(ctx, `
		SELECT ct.id, ct.follow_id, ct.master_trade_id, ct.follower_trade_id, ct.master_ticket,
			ct.follower_ticket, ct.symbol, ct.side, ct.master_volume, ct.follower_volume, ct.copy_ratio,
			ct.copy_hash, ct.status, ct.error, ct.retry_count, ct.created_at, ct.executed_at, ct.closed_at
		FROM copy_trades ct
		JOIN follows f ON f.id = ct.follow_id
		WHERE f.follower_id = $1 AND ct.follower_ticket = $2`, followerID, ticket)
}

// ByMasterTicket is scoped to one follow edge and only matches
// non-terminal states, per the correlation-uniqueness invariant.
func (p *Postgres) ByMasterTicket(ctx context.Context, followID int, masterTicket string) (*models.CopyTrade, error) {
	return p.scanCopyTrade(ctx, `SELECT `+copyTradeColumns+`
		FROM copy_trades WHERE follow_id = $1 AND master_ticket = $2 AND status IN ('pending', 'executed')`,
		followID, masterTicket)
}

// LinkExecution marks a copy trade executed. A followerTradeID of 0 means
// the caller does not hold the trade row's id; it is then resolved from
// the follower's trade with this ticket (NULL if no such row exists yet).
func (p *Postgres) LinkExecution(ctx context.Context, copyTradeID int, followerTicket string, followerTradeID int) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE copy_trades ct SET status = 'executed', follower_ticket = $2,
			follower_trade_id = COALESCE(NULLIF($3::integer, 0),
				(SELECT t.id FROM trades t JOIN follows f ON f.follower_id = t.owner_id
				 WHERE f.id = ct.follow_id AND t.ticket = $2)),
			executed_at = NOW()
		WHERE ct.id = $1`, copyTradeID, followerTicket, followerTradeID)
	return err
}

func (p *Postgres) MarkClosed(ctx context.Context, copyTradeID int, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE copy_trades SET status = 'closed', closed_at = $2 WHERE id = $1`, copyTradeID, at)
	return err
}

func (p *Postgres) MarkFailed(ctx context.Context, copyTradeID int, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE copy_trades SET status = 'failed', error = $2, retry_count = retry_count + 1
		WHERE id = $1`, copyTradeID, reason)
	return err
}

func (p *Postgres) OpenCopyTradesForMasterTicket(ctx context.Context, masterTicket string) ([]models.CopyTrade, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+copyTradeColumns+`
		FROM copy_trades WHERE master_ticket = $1 AND status = 'executed' AND follower_trade_id IS NOT NULL`,
		masterTicket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CopyTrade
	for rows.Next() {
		ct, err := scanCopyTradeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ct)
	}
	return out, rows.Err()
}

// OpenCopyTradesForMaster returns every executed copy trade mirrored
// from any of masterID's tickets, across every follow edge — the
// fan-out set for a master's mass-clear (all positions closed at once
// rather than one ticket at a time).
func (p *Postgres) OpenCopyTradesForMaster(ctx context.Context, masterID int) ([]models.CopyTrade, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT ct.id, ct.follow_id, ct.master_trade_id, ct.follower_trade_id, ct.master_ticket,
			ct.follower_ticket, ct.symbol, ct.side, ct.master_volume, ct.follower_volume, ct.copy_ratio,
			ct.copy_hash, ct.status, ct.error, ct.retry_count, ct.created_at, ct.executed_at, ct.closed_at
		FROM copy_trades ct
		JOIN follows f ON f.id = ct.follow_id
		WHERE f.master_id = $1 AND ct.status = 'executed' AND ct.follower_trade_id IS NOT NULL`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CopyTrade
	for rows.Next() {
		ct, err := scanCopyTradeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ct)
	}
	return out, rows.Err()
}

const copyTradeColumns = `id, follow_id, master_trade_id, follower_trade_id, master_ticket,
	follower_ticket, symbol, side, master_volume, follower_volume, copy_ratio, copy_hash,
	status, error, retry_count, created_at, executed_at, closed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCopyTradeRow(row rowScanner) (*models.CopyTrade, error) {
	var ct models.CopyTrade
	err := row.Scan(&ct.ID, &ct.FollowID, &ct.MasterTradeID, &ct.FollowerTradeID, &ct.MasterTicket,
		&ct.FollowerTicket, &ct.Symbol, &ct.Side, &ct.MasterVolume, &ct.FollowerVolume, &ct.CopyRatio,
		&ct.CopyHash, &ct.Status, &ct.Error, &ct.RetryCount, &ct.CreatedAt, &ct.ExecutedAt, &ct.ClosedAt)
	return &ct, err
}

func (p *Postgres) scanCopyTrade(ctx context.Context, query string, args ...interface{}) (*models.CopyTrade, error) {
	ct, err := scanCopyTradeRow(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ct, nil
}
