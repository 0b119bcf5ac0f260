/**
 * @description
 * The earning ledger: records one unpaid commission earning per referral edge
 * when a deposit is confirmed. Safe to replay — an earning that already
 * exists for the same (edge, deposit) pair is never duplicated.
 */

package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/pkg/rabbitmq"
)

// RecordDepositEarnings creates the unpaid earnings owed to a depositor's
// ascendants for one confirmed deposit. Returns how many earnings were
// actually created and their total amount; a replayed deposit yields zero
// creations. Per-payee notifications are best-effort and never block.
func (s *Service) RecordDepositEarnings(ctx context.Context, depositorID, depositID uuid.UUID, depositAmount int64) (*domain.RecordEarningsResult, error) {
	result := &domain.RecordEarningsResult{}
	if depositAmount <= 0 {
		return result, nil
	}

	edges, err := s.repo.FindEdgesByReferral(ctx, depositorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load referral edges: %w", err)
	}
	if len(edges) == 0 {
		return result, nil
	}

	for _, edge := range edges {
		amount := s.rates.CommissionFor(depositAmount, edge.Level)
		if amount <= 0 {
			continue
		}

		earning := &domain.Earning{
			ID:              uuid.New(),
			ReferralEdgeID:  edge.ID,
			Amount:          amount,
			SourceDepositID: depositID,
		}
		created, err := s.repo.CreateEarning(ctx, earning)
		if err != nil {
			return nil, fmt.Errorf("failed to record earning for edge %s: %w", edge.ID, err)
		}
		if !created {
			continue
		}

		result.CreatedCount++
		result.TotalAmount += amount

		if s.events != nil {
			event := rabbitmq.EarningCreatedEvent{
				PayeeID:   edge.ReferrerID,
				EarningID: earning.ID,
				Level:     edge.Level,
				Amount:    amount,
				DepositID: depositID,
				Timestamp: s.now(),
			}
			if err := s.events.PublishEarningCreated(ctx, event); err != nil {
				s.logger.Warn("failed to publish earning created event", "payee_id", edge.ReferrerID, "error", err)
			}
		}
	}

	s.logger.Info("deposit earnings recorded",
		"depositor_id", depositorID, "deposit_id", depositID,
		"created", result.CreatedCount, "total_amount", result.TotalAmount)
	return result, nil
}
