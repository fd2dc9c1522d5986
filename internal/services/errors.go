package services

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the credit ledger and video state machine. Handlers
// translate these to user-facing messages; the raw kinds never leave the API
// boundary.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidHoldState    = errors.New("hold not in expected state")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrNotFound            = errors.New("not found")
	ErrProviderFailure     = errors.New("provider request failed")
)

// Admission rejection reasons, surfaced in structured 429 responses.
const (
	ReasonCooldown      = "cooldown"
	ReasonDailyLimit    = "daily_limit"
	ReasonParallelLimit = "parallel_limit"
	ReasonRateLimit     = "rate_limit"
)

// AdmissionError is an advisory rejection from the admission gate. It carries
// the metadata a client needs to back off and retry.
type AdmissionError struct {
	Reason     string        `json:"reason"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s): %s", e.Reason, e.Message)
}
