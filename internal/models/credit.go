package models

import (
	"time"
)

// Credit package statuses
const (
	PackageActive   = "ACTIVE"
	PackageDepleted = "DEPLETED"
	PackageExpired  = "EXPIRED"
)

// Credit transaction types. The first four mark package origin; the last two
// mark ledger events tied to a video hold.
const (
	TransNewUser      = "NEW_USER"
	TransOrderPay     = "ORDER_PAY"
	TransSubscription = "SUBSCRIPTION"
	TransSystemAdjust = "SYSTEM_ADJUST"
	TransSettle       = "SETTLE"
	TransRelease      = "RELEASE"
)

// Credit hold statuses
const (
	HoldHolding  = "HOLDING"
	HoldSettled  = "SETTLED"
	HoldReleased = "RELEASED"
)

// CreditPackage is a lot of credits with its own expiry. Invariant:
// remaining + frozen <= initial, both non-negative.
type CreditPackage struct {
	ID               int64      `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	InitialCredits   int64      `json:"initial_credits" db:"initial_credits"`
	RemainingCredits int64      `json:"remaining_credits" db:"remaining_credits"`
	FrozenCredits    int64      `json:"frozen_credits" db:"frozen_credits"`
	Status           string     `json:"status" db:"status"`
	TransType        string     `json:"trans_type" db:"trans_type"`
	OrderNo          string     `json:"order_no,omitempty" db:"order_no"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty" db:"expired_at"` // nil = never expires
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// PackageAllocation records how much of a hold was funded by one package.
// The ordered list on a hold is walked in reverse-able order at settle/release.
type PackageAllocation struct {
	PackageID int64 `json:"package_id"`
	Credits   int64 `json:"credits"`
}

// CreditHold is one reservation tied 1:1 to a video task. video_id carries a
// uniqueness constraint and is the natural idempotency key.
type CreditHold struct {
	ID         int64               `json:"id" db:"id"`
	UserID     string              `json:"user_id" db:"user_id"`
	VideoID    string              `json:"video_id" db:"video_id"`
	Credits    int64               `json:"credits" db:"credits"`
	Status     string              `json:"status" db:"status"`
	Allocation []PackageAllocation `json:"allocation" db:"allocation"` // jsonb column
	SettledAt  *time.Time          `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt  time.Time           `json:"created_at" db:"created_at"`
}

// CreditTransaction is an append-only ledger entry, immutable once written.
type CreditTransaction struct {
	ID        int64     `json:"id" db:"id"`
	TransNo   string    `json:"trans_no" db:"trans_no"`
	UserID    string    `json:"user_id" db:"user_id"`
	TransType string    `json:"trans_type" db:"trans_type"`
	Credits   int64     `json:"credits" db:"credits"` // signed delta
	Balance   int64     `json:"balance" db:"balance"` // available balance after
	OrderNo   string    `json:"order_no,omitempty" db:"order_no"`
	VideoID   string    `json:"video_id,omitempty" db:"video_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Balance is the read-only aggregate over a user's ACTIVE, non-expired packages.
type Balance struct {
	Total        int64 `json:"total"`
	Used         int64 `json:"used"`
	Frozen       int64 `json:"frozen"`
	Available    int64 `json:"available"`
	ExpiringSoon int64 `json:"expiring_soon"`
}
