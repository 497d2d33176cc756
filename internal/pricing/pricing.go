// Package pricing converts a trusted USD figure into token and VND amounts.
// All pricing is computed server-side from the USD amount alone; clients never
// submit token or VND values.
package pricing

import pkgerrors "github.com/eacon/tokenpay/pkg/errors"

const (
	// TokenRate is the number of tokens granted per 1 USD.
	TokenRate = 400
	// VNDRate is the fixed USD -> VND conversion rate.
	VNDRate = 25500

	MinUSD = 1
	MaxUSD = 100

	// VNDTolerance is the maximum rounding deviation, in VND, accepted
	// between the expected amount and the gateway-reported paid amount.
	VNDTolerance = 100
)

func TokensForUSD(amountUSD int64) (int64, error) {
	if amountUSD < MinUSD || amountUSD > MaxUSD {
		return 0, pkgerrors.ErrInvalidAmount
	}
	return amountUSD * TokenRate, nil
}

func VNDForUSD(amountUSD int64) (int64, error) {
	if amountUSD < MinUSD || amountUSD > MaxUSD {
		return 0, pkgerrors.ErrInvalidAmount
	}
	return amountUSD * VNDRate, nil
}

// WithinTolerance reports whether paid matches expected up to VNDTolerance.
func WithinTolerance(expected, paid int64) bool {
	diff := expected - paid
	if diff < 0 {
		diff = -diff
	}
	return diff <= VNDTolerance
}
