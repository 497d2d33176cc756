package repository

import (
	"context"
	"time"

	"github.com/eacon/tokenpay/internal/models"
)

// SettleParams carries everything the settlement transaction writes.
type SettleParams struct {
	OrderCode int64
	UserID    int64
	Tokens    int64
	// Note is appended to the reservation row's description as
	// verification metadata.
	Note string
	// NewTier, when non-empty, upgrades the user's account tier with the
	// given expiry inside the same transaction.
	NewTier       models.Tier
	TierExpiresAt time.Time
}

type TransactionRepository interface {
	// CreatePending writes the PENDING payment row and its RESERVED
	// reservation transaction atomically.
	CreatePending(ctx context.Context, payment *models.Payment, reservation *models.TokenTransaction) error

	GetReservation(ctx context.Context, orderCode int64) (*models.TokenTransaction, error)

	// SettleReservation performs the single settlement transaction:
	// flip the reservation RESERVED -> SETTLED (conditional update),
	// credit the user's balance, optionally upgrade the tier, and mark
	// the payment PAID. It returns (false, nil) when another caller
	// already settled this order code; nothing is mutated in that case.
	SettleReservation(ctx context.Context, p SettleParams) (bool, error)

	CountPurchasedSince(ctx context.Context, userID int64, since time.Time) (int64, error)
	History(ctx context.Context, userID int64) ([]models.TokenTransaction, error)
	ListSettledPurchases(ctx context.Context, userID int64) ([]models.TokenTransaction, error)

	// ApplyAdjustment changes the balance by amount (negative for a
	// correction) and appends the matching ADJUSTMENT row atomically.
	// Returns the new balance.
	ApplyAdjustment(ctx context.Context, userID int64, amount int64, description string) (int64, error)
}
