/**
 * @description
 * The payment settlement pass: groups all currently unpaid earnings by payee,
 * issues one payout backend call per payee, and commits each successful group
 * atomically. Failures are absorbed into the retry ledger — they never
 * propagate to callers.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/pkg/rabbitmq"
)

// payeeGroup is one payee's batch of unpaid earnings within a settlement pass.
type payeeGroup struct {
	payeeID       uuid.UUID
	walletAddress string
	earningIDs    []uuid.UUID
	total         int64
}

// groupIdempotencyKey derives a stable token for one payee group: the same
// payee with the same unpaid earning set always produces the same key, so the
// backend can deduplicate a call retried after a crash between its success
// and our local commit.
func groupIdempotencyKey(payeeID uuid.UUID, earningIDs []uuid.UUID) string {
	ids := make([]string, 0, len(earningIDs))
	for _, id := range earningIDs {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(payeeID.String()))
	for _, id := range ids {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RunSettlementOnce executes one settlement pass. Payees are processed
// sequentially so the engine never issues two concurrent payment calls for
// the same payee. Payees with an unresolved retry record — open or
// dead-lettered — are skipped entirely: their payment belongs to the retry
// sweep (which owns the backoff schedule) or to an operator replay. Earnings
// already paid are never reloaded; a crash mid-pass simply leaves the
// remaining groups unpaid for the next run.
func (s *Service) RunSettlementOnce(ctx context.Context) (*domain.SettlementResult, error) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	unpaid, err := s.repo.ListUnpaidEarnings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load unpaid earnings: %w", err)
	}

	result := &domain.SettlementResult{}
	if len(unpaid) == 0 {
		return result, nil
	}

	heldPayees, err := s.repo.ListUnresolvedRetryPayees(ctx, domain.PaymentKindReferral)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry-held payees: %w", err)
	}
	held := make(map[uuid.UUID]struct{}, len(heldPayees))
	for _, payeeID := range heldPayees {
		held[payeeID] = struct{}{}
	}

	groups := groupByPayee(unpaid)
	if len(held) > 0 {
		kept := groups[:0]
		for _, group := range groups {
			if _, ok := held[group.payeeID]; ok {
				continue
			}
			kept = append(kept, group)
		}
		groups = kept
	}
	result.PayeesProcessed = len(groups)

	for _, group := range groups {
		if err := s.settleGroup(ctx, group); err != nil {
			result.PayeesFailed++
			continue
		}
		result.PayeesSettled++
		result.EarningsPaid += len(group.earningIDs)
		result.AmountPaid += group.total
	}

	s.logger.Info("settlement pass finished",
		"payees", result.PayeesProcessed, "settled", result.PayeesSettled,
		"failed", result.PayeesFailed, "amount_paid", result.AmountPaid)
	return result, nil
}

// groupByPayee batches unpaid earnings per payee, preserving the store's
// payee ordering.
func groupByPayee(unpaid []domain.UnpaidEarning) []payeeGroup {
	index := make(map[uuid.UUID]int, len(unpaid))
	groups := make([]payeeGroup, 0, len(unpaid))
	for _, earning := range unpaid {
		i, ok := index[earning.PayeeID]
		if !ok {
			i = len(groups)
			index[earning.PayeeID] = i
			groups = append(groups, payeeGroup{payeeID: earning.PayeeID, walletAddress: earning.WalletAddress})
		}
		groups[i].earningIDs = append(groups[i].earningIDs, earning.ID)
		groups[i].total += earning.Amount
	}
	return groups
}

// settleGroup pays one payee group. On backend failure the group is recorded
// in the retry ledger (creating or unioning into the payee's open record) and
// the first retry is scheduled via the backoff policy.
func (s *Service) settleGroup(ctx context.Context, group payeeGroup) error {
	key := groupIdempotencyKey(group.payeeID, group.earningIDs)
	settlementRef, err := s.payout.Send(ctx, group.walletAddress, group.total, key)
	if err != nil {
		s.logger.Warn("payout failed, scheduling retry",
			"payee_id", group.payeeID, "amount", group.total, "error", err)

		nextRetryAt := s.now().Add(s.retry.Delay(0))
		if _, upsertErr := s.repo.UpsertRetryRecord(ctx, group.payeeID, domain.PaymentKindReferral,
			group.total, group.earningIDs, err.Error(), nextRetryAt, s.retry.MaxAttempts); upsertErr != nil {
			s.logger.Error("failed to record retry for failed payout",
				"payee_id", group.payeeID, "error", upsertErr)
		}
		return err
	}

	if err := s.repo.SettlePayeeEarnings(ctx, group.payeeID, domain.PaymentKindReferral,
		group.earningIDs, group.total, settlementRef); err != nil {
		// Backend succeeded but the local commit did not. The earnings stay
		// unpaid and the next pass re-sends with the same idempotency key,
		// which is what lets the backend deduplicate.
		s.logger.Error("payout succeeded but settlement commit failed; group will be re-sent",
			"payee_id", group.payeeID, "settlement_ref", settlementRef, "error", err)
		return err
	}

	if s.events != nil {
		event := rabbitmq.PayoutSettledEvent{
			PayeeID:       group.payeeID,
			Amount:        group.total,
			EarningCount:  len(group.earningIDs),
			SettlementRef: settlementRef,
			Timestamp:     s.now(),
		}
		if err := s.events.PublishPayoutSettled(ctx, event); err != nil {
			s.logger.Warn("failed to publish payout settled event", "payee_id", group.payeeID, "error", err)
		}
	}

	s.logger.Info("payee group settled",
		"payee_id", group.payeeID, "amount", group.total,
		"earnings", len(group.earningIDs), "settlement_ref", settlementRef)
	return nil
}
