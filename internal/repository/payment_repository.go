package repository

import (
	"context"

	"github.com/eacon/tokenpay/internal/models"
)

type PaymentRepository interface {
	GetByOrderCode(ctx context.Context, orderCode int64) (*models.Payment, error)
	ListPaidByUser(ctx context.Context, userID int64) ([]models.Payment, error)
	// MarkClosed transitions PENDING -> CANCELLED/FAILED. It is a
	// conditional update; a payment already PAID is left untouched.
	MarkClosed(ctx context.Context, orderCode int64, status models.PaymentStatus) error
}
