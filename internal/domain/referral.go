/**
 * @description
 * This file defines the core domain models for the referral graph. A referral
 * edge records that one user (the referrer) is owed commission on another
 * user's (the referral's) deposits, tagged with the hop distance between them.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit to avoid
 *   floating-point inaccuracies with financial data.
 * - A user's referrer link is immutable once set; edges are never deleted in
 *   normal operation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaxReferralDepth is the hard cap on how far up the referral chain commission
// relationships are built. Ascendants beyond this level get no edge and no reward.
const MaxReferralDepth = 3

// User is the simplified view of a platform user needed by the referral engine.
type User struct {
	ID            uuid.UUID  `json:"id"`
	WalletAddress string     `json:"wallet_address"`
	ReferrerID    *uuid.UUID `json:"referrer_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ReferralEdge records a commission relationship between a referrer and a
// referral. Level is the hop distance (1 = direct referral). This struct maps
// directly to the `referral_edges` table.
type ReferralEdge struct {
	ID               uuid.UUID `json:"id"`
	ReferrerID       uuid.UUID `json:"referrer_id"`
	ReferralID       uuid.UUID `json:"referral_id"`
	Level            int       `json:"level"`
	CumulativeEarned int64     `json:"cumulative_earned"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChainEntry is one ascendant in a user's referral chain, ordered by level.
type ChainEntry struct {
	UserID uuid.UUID `json:"user_id"`
	Level  int       `json:"level"`
}

// BuildReferralRequest is the DTO for linking a newly registered user to their
// direct referrer.
type BuildReferralRequest struct {
	UserID     uuid.UUID `json:"user_id"`
	ReferrerID uuid.UUID `json:"referrer_id"`
}

// BuildReferralResult summarizes the edges created for a new user.
type BuildReferralResult struct {
	EdgesCreated int          `json:"edges_created"`
	Chain        []ChainEntry `json:"chain"`
}
