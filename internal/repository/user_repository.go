package repository

import (
	"context"

	"github.com/eacon/tokenpay/internal/models"
)

type UserRepository interface {
	// Create inserts the user together with the welcome-bonus ledger row
	// in one transaction, so the balance never changes without a matching
	// transaction row.
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
}
