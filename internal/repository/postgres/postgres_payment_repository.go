package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eacon/tokenpay/internal/models"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
)

type PostgresPaymentRepository struct {
	db *sql.DB
}

func NewPostgresPaymentRepository(db *sql.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

func (r *PostgresPaymentRepository) GetByOrderCode(ctx context.Context, orderCode int64) (*models.Payment, error) {
	query := `
	SELECT id, order_code, user_id, amount_vnd, amount_usd, tokens, package_type, status, created_at, updated_at
	FROM payments
	WHERE order_code = $1
	`
	var p models.Payment
	err := r.db.QueryRowContext(ctx, query, orderCode).Scan(
		&p.ID,
		&p.OrderCode,
		&p.UserID,
		&p.AmountVND,
		&p.AmountUSD,
		&p.Tokens,
		&p.PackageType,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrPaymentRecordNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &p, nil
}

func (r *PostgresPaymentRepository) ListPaidByUser(ctx context.Context, userID int64) ([]models.Payment, error) {
	query := `
	SELECT id, order_code, user_id, amount_vnd, amount_usd, tokens, package_type, status, created_at, updated_at
	FROM payments
	WHERE user_id = $1 AND status = 'PAID'
	ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list paid payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(
			&p.ID,
			&p.OrderCode,
			&p.UserID,
			&p.AmountVND,
			&p.AmountUSD,
			&p.Tokens,
			&p.PackageType,
			&p.Status,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *PostgresPaymentRepository) MarkClosed(ctx context.Context, orderCode int64, status models.PaymentStatus) error {
	if status != models.PaymentCancelled && status != models.PaymentFailed {
		return fmt.Errorf("invalid closing status %q", status)
	}
	_, err := r.db.ExecContext(ctx, `
	UPDATE payments SET status = $2, updated_at = now()
	WHERE order_code = $1 AND status = 'PENDING'
	`, orderCode, status)
	if err != nil {
		return fmt.Errorf("failed to close payment: %w", err)
	}
	return nil
}
