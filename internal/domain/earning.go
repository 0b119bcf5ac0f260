/**
 * @description
 * Domain models for commission earnings and settled payout transactions.
 * An earning is one unit of owed, unpaid commission tied to a specific
 * referral edge and a specific source deposit.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Earning is a single commission owed to a referrer for one deposit made by
// one of their referrals. At most one earning exists per (edge, deposit).
// `paid` flips to true exactly once, always together with a settlement
// reference from the payment backend.
type Earning struct {
	ID              uuid.UUID  `json:"id"`
	ReferralEdgeID  uuid.UUID  `json:"referral_edge_id"`
	Amount          int64      `json:"amount"`
	SourceDepositID uuid.UUID  `json:"source_deposit_id"`
	Paid            bool       `json:"paid"`
	SettlementRef   *string    `json:"settlement_ref,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

// UnpaidEarning is an earning joined with the payee it is owed to, as loaded
// by the settlement pass.
type UnpaidEarning struct {
	ID              uuid.UUID `json:"id"`
	ReferralEdgeID  uuid.UUID `json:"referral_edge_id"`
	Amount          int64     `json:"amount"`
	SourceDepositID uuid.UUID `json:"source_deposit_id"`
	PayeeID         uuid.UUID `json:"payee_id"`
	WalletAddress   string    `json:"wallet_address"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordEarningsRequest is the DTO for recording earnings after a confirmed
// deposit.
type RecordEarningsRequest struct {
	DepositorID uuid.UUID `json:"depositor_id"`
	DepositID   uuid.UUID `json:"deposit_id"`
	Amount      int64     `json:"amount"`
}

// RecordEarningsResult summarizes the earnings created for one deposit.
type RecordEarningsResult struct {
	CreatedCount int   `json:"created_count"`
	TotalAmount  int64 `json:"total_amount"`
}

// Transaction is the confirmed payout ledger record written when a payee
// group settles. This struct maps directly to the `payout_transactions` table.
type Transaction struct {
	ID            uuid.UUID `json:"id"`
	PayeeID       uuid.UUID `json:"payee_id"`
	Amount        int64     `json:"amount"`
	Kind          string    `json:"kind"` // e.g. 'referral'
	SettlementRef string    `json:"settlement_ref"`
	EarningCount  int       `json:"earning_count"`
	Status        string    `json:"status"` // always 'confirmed' on insert
	CreatedAt     time.Time `json:"created_at"`
}

// SettlementResult summarizes one settlement pass.
type SettlementResult struct {
	PayeesProcessed int   `json:"payees_processed"`
	PayeesSettled   int   `json:"payees_settled"`
	PayeesFailed    int   `json:"payees_failed"`
	EarningsPaid    int   `json:"earnings_paid"`
	AmountPaid      int64 `json:"amount_paid"`
}
