package errors

import "errors"

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidAmount          = errors.New("amount must be an integer between 1 and 100 USD")
	ErrInvalidOrderCode       = errors.New("invalid order code")
	ErrTooManyAttempts        = errors.New("too many purchase attempts in the last 24 hours")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrPaymentRecordNotFound  = errors.New("payment record not found")
	ErrAmountMismatch         = errors.New("paid amount does not match expected amount")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrUserNotFound           = errors.New("user not found")
	ErrUsernameExists         = errors.New("username already exists")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInsufficientBalance    = errors.New("insufficient token balance")
	ErrNilTransaction         = errors.New("transaction is nil")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInternal               = errors.New("internal error")
)
