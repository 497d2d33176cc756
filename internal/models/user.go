package models

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

type User struct {
	ID            int64
	Username      string
	PasswordHash  string
	TokenBalance  int64
	Tier          Tier
	TierExpiresAt *time.Time
	CreatedAt     time.Time
}
