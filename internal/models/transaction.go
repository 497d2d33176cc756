package models

import "time"

type TransactionType string

const (
	TypeEarned     TransactionType = "EARNED"
	TypePurchased  TransactionType = "PURCHASED"
	TypeUsed       TransactionType = "USED"
	TypeAdjustment TransactionType = "ADJUSTMENT"
)

type TransactionStatus string

const (
	StatusReserved TransactionStatus = "RESERVED"
	StatusSettled  TransactionStatus = "SETTLED"
)

// TokenTransaction is one row of the append-only token ledger.
//
// PURCHASED rows are written RESERVED with Amount 0 at payment-intent time;
// the expected amounts live in the structured columns. Settlement fills
// Amount and flips Status to SETTLED exactly once via a conditional update.
// The sum of settled amounts per user equals users.token_balance.
type TokenTransaction struct {
	ID          int64             `json:"id"`
	UserID      int64             `json:"user_id"`
	OrderCode   *int64            `json:"order_code,omitempty"`
	Amount      int64             `json:"amount"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	AmountUSD   int64             `json:"amount_usd,omitempty"`
	AmountVND   int64             `json:"amount_vnd,omitempty"`
	Tokens      int64             `json:"tokens,omitempty"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
}
