package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eacon/tokenpay/internal/models"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
)

// WelcomeBonus is the token grant every fresh account starts with.
const WelcomeBonus = 50

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) Create(ctx context.Context, user *models.User) error {
	if user == nil {
		return fmt.Errorf("user is nil")
	}
	if user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("username and password are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
	INSERT INTO users (username, password_hash, token_balance, tier)
	VALUES ($1, $2, $3, 'free')
	RETURNING id, created_at
	`
	err = tx.QueryRowContext(ctx, query, user.Username, user.PasswordHash, WelcomeBonus).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create user: %w", err)
	}

	// The starting balance must be backed by a ledger row.
	_, err = tx.ExecContext(ctx, `
	INSERT INTO token_transactions (user_id, amount, type, status, tokens, description)
	VALUES ($1, $2, 'EARNED', 'SETTLED', $2, 'welcome bonus')
	`, user.ID, WelcomeBonus)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record welcome bonus: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	user.TokenBalance = WelcomeBonus
	user.Tier = models.TierFree
	return nil
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT id, username, token_balance, tier, tier_expires_at, created_at FROM users WHERE id = $1`

	var user models.User
	var tierExpiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.TokenBalance,
		&user.Tier,
		&tierExpiresAt,
		&user.CreatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	if tierExpiresAt.Valid {
		user.TierExpiresAt = &tierExpiresAt.Time
	}
	return &user, nil
}

func (r *PostgresUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}

	query := `SELECT id, username, password_hash, token_balance, tier, tier_expires_at, created_at FROM users WHERE username = $1`

	var user models.User
	var tierExpiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.TokenBalance,
		&user.Tier,
		&tierExpiresAt,
		&user.CreatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	if tierExpiresAt.Valid {
		user.TierExpiresAt = &tierExpiresAt.Time
	}
	return &user, nil
}

func (r *PostgresUserRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	query := `SELECT token_balance FROM users WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pkgerrors.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}
