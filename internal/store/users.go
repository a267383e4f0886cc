package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/models"
)

// ByEmail returns nil, nil if no user has this email (case-insensitive).
func (p *Postgres) ByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.scanUser(ctx, `SELECT id, email, username, password_hash, api_key, is_master,
		is_active, is_online, last_login_ip, key_generation, created_at, last_seen
		FROM users WHERE LOWER(email) = LOWER($1)`, email)
}

func (p *Postgres) ByUsername(ctx context.Context, username string) (*models.User, error) {
	return p.scanUser(ctx, `SELECT id, email, username, password_hash, api_key, is_master,
		is_active, is_online, last_login_ip, key_generation, created_at, last_seen
		FROM users WHERE username = $1`, username)
}

func (p *Postgres) ByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	return p.scanUser(ctx, `SELECT id, email, username, password_hash, api_key, is_master,
		is_active, is_online, last_login_ip, key_generation, created_at, last_seen
		FROM users WHERE api_key = $1`, apiKey)
}

func (p *Postgres) ByID(ctx context.Context, id int) (*models.User, error) {
	return p.scanUser(ctx, `SELECT id, email, username, password_hash, api_key, is_master,
		is_active, is_online, last_login_ip, key_generation, created_at, last_seen
		FROM users WHERE id = $1`, id)
}

func (p *Postgres) scanUser(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var u models.User
	err := p.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.APIKey, &u.IsMaster,
		&u.IsActive, &u.IsOnline, &u.LastLoginIP, &u.KeyGeneration, &u.CreatedAt, &u.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts the user row. Duplicate email/username violations
// are translated into the taxonomy's Conflict errors so handlers don't
// need to parse Postgres constraint names.
func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO users (email, username, password_hash, api_key, is_master, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, last_seen`,
		u.Email, u.Username, u.PasswordHash, u.APIKey, u.IsMaster, u.IsActive,
	).Scan(&u.ID, &u.CreatedAt, &u.LastSeen)
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "idx_users_email_lower"):
		return apperr.ErrDuplicateEmail
	case strings.Contains(msg, "username"):
		return apperr.ErrDuplicateUsername
	default:
		return err
	}
}

// SetAPIKey persists a newly minted key and bumps the generation
// counter, invalidating any cached entry keyed by the old value.
func (p *Postgres) SetAPIKey(ctx context.Context, userID int, apiKey string) (generation int, err error) {
	err = p.pool.QueryRow(ctx, `
		UPDATE users SET api_key = $2, key_generation = key_generation + 1
		WHERE id = $1
		RETURNING key_generation`, userID, apiKey).Scan(&generation)
	return generation, err
}

func (p *Postgres) APIKeyExists(ctx context.Context, apiKey string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE api_key = $1)`, apiKey).Scan(&exists)
	return exists, err
}

func (p *Postgres) SetMasterTrader(ctx context.Context, userID int, isMaster bool) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET is_master = $2 WHERE id = $1`, userID, isMaster)
	return err
}

func (p *Postgres) BindLoginIP(ctx context.Context, userID int, ip string) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET last_login_ip = $2 WHERE id = $1`, userID, ip)
	return err
}

func (p *Postgres) MarkLogin(ctx context.Context, userID int) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET is_online = true, last_seen = NOW() WHERE id = $1`, userID)
	return err
}

func (p *Postgres) MarkOffline(ctx context.Context, userID int) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET is_online = false WHERE id = $1`, userID)
	return err
}

func (p *Postgres) TouchLastSeen(ctx context.Context, userID int) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET last_seen = NOW() WHERE id = $1`, userID)
	return err
}

func (p *Postgres) ListMasters(ctx context.Context) ([]models.User, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, email, username, password_hash, api_key, is_master,
		is_active, is_online, last_login_ip, key_generation, created_at, last_seen
		FROM users WHERE is_master = true AND is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.APIKey, &u.IsMaster,
			&u.IsActive, &u.IsOnline, &u.LastLoginIP, &u.KeyGeneration, &u.CreatedAt, &u.LastSeen); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
