package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/models"
)

// CreateFollow rejects self-follows before ever reaching the database
// and translates the unique-constraint violation for an existing edge
// into the taxonomy's Conflict error.
func (p *Postgres) CreateFollow(ctx context.Context, followerID, masterID int, copyPct, maxRisk float64) (*models.Follow, error) {
	if followerID == masterID {
		return nil, apperr.ErrSelfFollow
	}
	var f models.Follow
	err := p.pool.QueryRow(ctx, `
		INSERT INTO follows (follower_id, master_id, is_active, copy_percentage, max_risk_per_trade)
		VALUES ($1, $2, true, $3, $4)
		RETURNING id, follower_id, master_id, is_active, copy_percentage, max_risk_per_trade, created_at`,
		followerID, masterID, copyPct, maxRisk,
	).Scan(&f.ID, &f.FollowerID, &f.MasterID, &f.IsActive, &f.CopyPercentage, &f.MaxRiskPerTrade, &f.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "follows_follower_id_master_id_key") {
			return nil, apperr.ErrDuplicateFollow
		}
		return nil, err
	}
	return &f, nil
}

func (p *Postgres) DeleteFollow(ctx context.Context, followerID, masterID int) error {
	_, err := p.pool.Exec(ctx, `UPDATE follows SET is_active = false WHERE follower_id = $1 AND master_id = $2`,
		followerID, masterID)
	return err
}

// ActiveFollowsOf returns every active follow edge whose master_id is owner
// — the fan-out set for a master-position-opened domain event.
func (p *Postgres) ActiveFollowsOf(ctx context.Context, masterID int) ([]models.Follow, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, follower_id, master_id, is_active, copy_percentage,
		max_risk_per_trade, created_at FROM follows WHERE master_id = $1 AND is_active = true`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []models.Follow
	for rows.Next() {
		var f models.Follow
		if err := rows.Scan(&f.ID, &f.FollowerID, &f.MasterID, &f.IsActive, &f.CopyPercentage,
			&f.MaxRiskPerTrade, &f.CreatedAt); err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// FollowsByFollower returns every active follow edge followerID owns,
// across all masters — the backfill scan set on reconnect.
func (p *Postgres) FollowsByFollower(ctx context.Context, followerID int) ([]models.Follow, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, follower_id, master_id, is_active, copy_percentage,
		max_risk_per_trade, created_at FROM follows WHERE follower_id = $1 AND is_active = true`, followerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []models.Follow
	for rows.Next() {
		var f models.Follow
		if err := rows.Scan(&f.ID, &f.FollowerID, &f.MasterID, &f.IsActive, &f.CopyPercentage,
			&f.MaxRiskPerTrade, &f.CreatedAt); err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

func (p *Postgres) FollowByID(ctx context.Context, id int) (*models.Follow, error) {
	var f models.Follow
	err := p.pool.QueryRow(ctx, `SELECT id, follower_id, master_id, is_active, copy_percentage,
		max_risk_per_trade, created_at FROM follows WHERE id = $1`, id).
		Scan(&f.ID, &f.FollowerID, &f.MasterID, &f.IsActive, &f.CopyPercentage, &f.MaxRiskPerTrade, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (p *Postgres) FollowerCount(ctx context.Context, masterID int) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM follows WHERE master_id = $1 AND is_active = true`, masterID).Scan(&n)
	return n, err
}
