package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eacon/tokenpay/internal/infrastructure/observability"
	"github.com/eacon/tokenpay/internal/models"
	core "github.com/eacon/tokenpay/internal/repository"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) CreatePending(ctx context.Context, payment *models.Payment, reservation *models.TokenTransaction) error {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CreatePending")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreatePending", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreatePending").Observe(time.Since(start).Seconds())
	}()

	if payment == nil || reservation == nil {
		err = pkgerrors.ErrNilTransaction
		return err
	}
	if reservation.Type != models.TypePurchased {
		err = pkgerrors.ErrInvalidTransactionType
		return err
	}
	if reservation.Amount != 0 || reservation.Status != models.StatusReserved {
		err = fmt.Errorf("reservation must start with amount 0 and status RESERVED")
		return err
	}

	span.SetAttributes(
		attribute.Int64("user_id", payment.UserID),
		attribute.Int64("order_code", payment.OrderCode),
		attribute.Int64("amount_vnd", payment.AmountVND),
		attribute.Int64("tokens", payment.Tokens),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "CreatePending", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	paymentQuery := `
	INSERT INTO payments (order_code, user_id, amount_vnd, amount_usd, tokens, package_type, status, gateway_payload)
	VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7)
	RETURNING id, created_at, updated_at
	`
	err = dbTx.QueryRowContext(ctx, paymentQuery,
		payment.OrderCode,
		payment.UserID,
		payment.AmountVND,
		payment.AmountUSD,
		payment.Tokens,
		payment.PackageType,
		payment.GatewayPayload,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to create payment", "method", "CreatePending", "order_code", payment.OrderCode, "error", err)
		return fmt.Errorf("failed to create payment: %w", err)
	}
	payment.Status = models.PaymentPending

	reservationQuery := `
	INSERT INTO token_transactions (user_id, order_code, amount, type, status, amount_usd, amount_vnd, tokens, description)
	VALUES ($1, $2, 0, 'PURCHASED', 'RESERVED', $3, $4, $5, $6)
	RETURNING id, created_at
	`
	err = dbTx.QueryRowContext(ctx, reservationQuery,
		reservation.UserID,
		payment.OrderCode,
		reservation.AmountUSD,
		reservation.AmountVND,
		reservation.Tokens,
		reservation.Description,
	).Scan(&reservation.ID, &reservation.CreatedAt)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to create reservation", "method", "CreatePending", "order_code", payment.OrderCode, "error", err)
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "CreatePending", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("pending payment recorded", "method", "CreatePending", "order_code", payment.OrderCode, "user_id", payment.UserID, "tokens", payment.Tokens)
	return nil
}

func (r *PostgresTransactionRepository) GetReservation(ctx context.Context, orderCode int64) (*models.TokenTransaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetReservation")
	span.SetAttributes(attribute.Int64("order_code", orderCode))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetReservation", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetReservation").Observe(time.Since(start).Seconds())
	}()

	query := `
	SELECT id, user_id, order_code, amount, type, status, amount_usd, amount_vnd, tokens, description, created_at
	FROM token_transactions
	WHERE order_code = $1 AND type = 'PURCHASED'
	`
	var tx models.TokenTransaction
	var orderCodeCol sql.NullInt64
	err = r.db.QueryRowContext(ctx, query, orderCode).Scan(
		&tx.ID,
		&tx.UserID,
		&orderCodeCol,
		&tx.Amount,
		&tx.Type,
		&tx.Status,
		&tx.AmountUSD,
		&tx.AmountVND,
		&tx.Tokens,
		&tx.Description,
		&tx.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPaymentRecordNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get reservation", "method", "GetReservation", "order_code", orderCode, "error", err)
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if orderCodeCol.Valid {
		tx.OrderCode = &orderCodeCol.Int64
	}
	return &tx, nil
}

// SettleReservation is the only mutating settlement path. The conditional
// update on status RESERVED is what makes concurrent webhook/verify calls
// converge: whichever caller flips the row first wins, every other caller
// sees zero affected rows and leaves the ledger untouched.
func (r *PostgresTransactionRepository) SettleReservation(ctx context.Context, p core.SettleParams) (bool, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "SettleReservation")
	span.SetAttributes(
		attribute.Int64("order_code", p.OrderCode),
		attribute.Int64("user_id", p.UserID),
		attribute.Int64("tokens", p.Tokens),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("SettleReservation", status).Inc()
		observability.RepositoryDuration.WithLabelValues("SettleReservation").Observe(time.Since(start).Seconds())
	}()

	if p.Tokens <= 0 {
		err = fmt.Errorf("tokens must be positive")
		return false, err
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "SettleReservation", "error", err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	res, err := dbTx.ExecContext(ctx, `
	UPDATE token_transactions
	SET amount = $2, status = 'SETTLED', description = description || $3
	WHERE order_code = $1 AND status = 'RESERVED'
	`, p.OrderCode, p.Tokens, p.Note)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to settle reservation", "method", "SettleReservation", "order_code", p.OrderCode, "error", err)
		return false, fmt.Errorf("failed to settle reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		dbTx.Rollback()
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Another caller already settled this order code.
		dbTx.Rollback()
		slog.Info("reservation already settled", "method", "SettleReservation", "order_code", p.OrderCode)
		return false, nil
	}

	if p.NewTier != "" {
		_, err = dbTx.ExecContext(ctx, `
		UPDATE users SET token_balance = token_balance + $2, tier = $3, tier_expires_at = $4 WHERE id = $1
		`, p.UserID, p.Tokens, p.NewTier, p.TierExpiresAt)
	} else {
		_, err = dbTx.ExecContext(ctx, `
		UPDATE users SET token_balance = token_balance + $2 WHERE id = $1
		`, p.UserID, p.Tokens)
	}
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to credit tokens", "method", "SettleReservation", "user_id", p.UserID, "error", err)
		return false, fmt.Errorf("failed to credit tokens: %w", err)
	}

	payRes, err := dbTx.ExecContext(ctx, `
	UPDATE payments SET status = 'PAID', updated_at = now()
	WHERE order_code = $1 AND status = 'PENDING'
	`, p.OrderCode)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to mark payment paid", "method", "SettleReservation", "order_code", p.OrderCode, "error", err)
		return false, fmt.Errorf("failed to mark payment paid: %w", err)
	}
	if n, raErr := payRes.RowsAffected(); raErr == nil && n == 0 {
		slog.Warn("payment row was not PENDING at settlement", "method", "SettleReservation", "order_code", p.OrderCode)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "SettleReservation", "error", err)
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("payment settled", "method", "SettleReservation", "order_code", p.OrderCode, "user_id", p.UserID, "tokens", p.Tokens)
	return true, nil
}

func (r *PostgresTransactionRepository) CountPurchasedSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM token_transactions WHERE user_id = $1 AND type = 'PURCHASED' AND created_at >= $2`
	err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count purchases: %w", err)
	}
	return count, nil
}

func (r *PostgresTransactionRepository) History(ctx context.Context, userID int64) ([]models.TokenTransaction, error) {
	query := `
	SELECT id, user_id, order_code, amount, type, status, amount_usd, amount_vnd, tokens, description, created_at
	FROM token_transactions
	WHERE user_id = $1
	ORDER BY created_at DESC
	`
	return r.queryTransactions(ctx, query, userID)
}

func (r *PostgresTransactionRepository) ListSettledPurchases(ctx context.Context, userID int64) ([]models.TokenTransaction, error) {
	query := `
	SELECT id, user_id, order_code, amount, type, status, amount_usd, amount_vnd, tokens, description, created_at
	FROM token_transactions
	WHERE user_id = $1 AND type = 'PURCHASED' AND status = 'SETTLED'
	ORDER BY created_at
	`
	return r.queryTransactions(ctx, query, userID)
}

func (r *PostgresTransactionRepository) queryTransactions(ctx context.Context, query string, userID int64) ([]models.TokenTransaction, error) {
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.TokenTransaction
	for rows.Next() {
		var tx models.TokenTransaction
		var orderCode sql.NullInt64
		if err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&orderCode,
			&tx.Amount,
			&tx.Type,
			&tx.Status,
			&tx.AmountUSD,
			&tx.AmountVND,
			&tx.Tokens,
			&tx.Description,
			&tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if orderCode.Valid {
			tx.OrderCode = &orderCode.Int64
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (r *PostgresTransactionRepository) ApplyAdjustment(ctx context.Context, userID int64, amount int64, description string) (int64, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ApplyAdjustment")
	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("amount", amount),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ApplyAdjustment", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ApplyAdjustment").Observe(time.Since(start).Seconds())
	}()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var newBalance int64
	err = dbTx.QueryRowContext(ctx, `
	UPDATE users SET token_balance = token_balance + $2
	WHERE id = $1 AND token_balance + $2 >= 0
	RETURNING token_balance
	`, userID, amount).Scan(&newBalance)
	if stderrors.Is(err, sql.ErrNoRows) {
		dbTx.Rollback()
		err = pkgerrors.ErrInsufficientBalance
		return 0, err
	}
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to adjust balance", "method", "ApplyAdjustment", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to adjust balance: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
	INSERT INTO token_transactions (user_id, amount, type, status, tokens, description)
	VALUES ($1, $2, 'ADJUSTMENT', 'SETTLED', $2, $3)
	`, userID, amount, description)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to record adjustment", "method", "ApplyAdjustment", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to record adjustment: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("adjustment applied", "method", "ApplyAdjustment", "user_id", userID, "amount", amount, "new_balance", newBalance)
	return newBalance, nil
}
