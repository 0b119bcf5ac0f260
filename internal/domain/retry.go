/**
 * @description
 * Domain models for the retry ledger. A retry record is the durable state of
 * a failing payout: it accumulates the unpaid earnings for one payee and one
 * payment kind, schedules exponential-backoff attempts, and either resolves
 * (paid) or dead-letters (requires operator action).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentKindReferral tags retry records created by the referral settlement pass.
const PaymentKindReferral = "referral"

// RetryRecord tracks a failing payout for one (payee, kind) pair. At most one
// unresolved, non-dead-lettered record exists per pair; repeated failures
// union amount and earning ids into the same record. `resolved` and
// `in_dead_letter` are mutually exclusive terminal states.
type RetryRecord struct {
	ID            uuid.UUID   `json:"id"`
	PayeeID       uuid.UUID   `json:"payee_id"`
	Amount        int64       `json:"amount"`
	PaymentKind   string      `json:"payment_kind"`
	EarningIDs    []uuid.UUID `json:"earning_ids"`
	AttemptCount  int         `json:"attempt_count"`
	MaxAttempts   int         `json:"max_attempts"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time  `json:"next_retry_at,omitempty"`
	LastError     *string     `json:"last_error,omitempty"`
	InDeadLetter  bool        `json:"in_dead_letter"`
	Resolved      bool        `json:"resolved"`
	SettlementRef *string     `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// RetryStats is the operator-dashboard summary of the retry ledger.
type RetryStats struct {
	PendingCount     int   `json:"pending_count"`
	PendingAmount    int64 `json:"pending_amount"`
	DeadLetterCount  int   `json:"dead_letter_count"`
	DeadLetterAmount int64 `json:"dead_letter_amount"`
	ResolvedCount    int   `json:"resolved_count"`
	ResolvedAmount   int64 `json:"resolved_amount"`
}

// RetrySweepResult summarizes one retry sweep pass.
type RetrySweepResult struct {
	Attempted    int `json:"attempted"`
	Resolved     int `json:"resolved"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
}
