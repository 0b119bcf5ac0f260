/**
 * @description
 * The commission calculator: a pure mapping from (deposit amount, level) to
 * the commission owed at that level. It performs no I/O and is deterministic
 * given the rate table, so it can be tested exhaustively.
 */

package domain

import "math"

// CommissionRates holds the configured percentage rate per referral level.
// Keys are levels 1..MaxReferralDepth; values are percentages (3 means 3%).
type CommissionRates map[int]float64

// DefaultCommissionRates are the platform defaults: 3% at level 1, 2% at
// level 2, 5% at level 3.
func DefaultCommissionRates() CommissionRates {
	return CommissionRates{1: 3, 2: 2, 3: 5}
}

// LevelReward is the commission owed at one level for a given deposit amount.
type LevelReward struct {
	Level  int     `json:"level"`
	Rate   float64 `json:"rate"`
	Amount int64   `json:"amount"`
}

// CommissionFor returns the commission amount for a deposit at one level,
// rounded to the nearest minor unit. Unknown levels and non-positive deposits
// yield zero.
func (r CommissionRates) CommissionFor(depositAmount int64, level int) int64 {
	if depositAmount <= 0 {
		return 0
	}
	rate, ok := r[level]
	if !ok || rate <= 0 {
		return 0
	}
	return int64(math.Round(float64(depositAmount) * rate / 100))
}

// RewardsFor enumerates the per-level commission for a deposit across all
// configured levels, ordered by level ascending. Levels whose commission
// rounds to zero or below are omitted.
func (r CommissionRates) RewardsFor(depositAmount int64) []LevelReward {
	rewards := make([]LevelReward, 0, MaxReferralDepth)
	for level := 1; level <= MaxReferralDepth; level++ {
		amount := r.CommissionFor(depositAmount, level)
		if amount <= 0 {
			continue
		}
		rewards = append(rewards, LevelReward{Level: level, Rate: r[level], Amount: amount})
	}
	return rewards
}
