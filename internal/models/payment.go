package models

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Payment is one checkout session at the gateway. OrderCode is the
// correlation id shared with the gateway and the reservation transaction.
// Status only ever moves PENDING -> PAID/CANCELLED/FAILED; PAID is terminal.
type Payment struct {
	ID             int64         `json:"id"`
	OrderCode      int64         `json:"order_code"`
	UserID         int64         `json:"user_id"`
	AmountVND      int64         `json:"amount_vnd"`
	AmountUSD      int64         `json:"amount_usd"`
	Tokens         int64         `json:"tokens"`
	PackageType    string        `json:"package_type"`
	Status         PaymentStatus `json:"status"`
	GatewayPayload []byte        `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
