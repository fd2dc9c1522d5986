package models

import "time"

// User plans. Plan differentiates admission thresholds, not ledger behavior.
const (
	UserPlanFree = "free"
	UserPlanPro  = "pro"
)

type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Plan      string    `json:"plan" db:"plan"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
