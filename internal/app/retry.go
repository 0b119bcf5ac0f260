/**
 * @description
 * The retry ledger and backoff engine. Failed payouts live as durable retry
 * records polled by a periodic sweep — backoff is data (`next_retry_at`), not
 * sleeping goroutines, so the schedule survives process restarts. Records
 * that exhaust their attempt budget dead-letter and raise a critical operator
 * alert; operators can replay them manually.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/internal/store"
	"github.com/sigmatrade/referral-service/pkg/rabbitmq"
)

// RunRetrySweep executes one sweep over all retry records whose next attempt
// is due. Each record gets at most one backend call; the outcome either
// resolves it, reschedules it with the next backoff step, or dead-letters it.
// Only backend failures advance a record toward dead-letter; a local commit
// failure after a successful payout leaves the record due untouched.
func (s *Service) RunRetrySweep(ctx context.Context) (*domain.RetrySweepResult, error) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	due, err := s.repo.ListDueRetryRecords(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load due retry records: %w", err)
	}

	result := &domain.RetrySweepResult{}
	for _, record := range due {
		result.Attempted++
		switch s.attemptRetry(ctx, record) {
		case retryOutcomeResolved:
			result.Resolved++
		case retryOutcomeRescheduled:
			result.Rescheduled++
		case retryOutcomeDeadLettered:
			result.DeadLettered++
		}
	}

	if result.Attempted > 0 {
		s.logger.Info("retry sweep finished",
			"attempted", result.Attempted, "resolved", result.Resolved,
			"rescheduled", result.Rescheduled, "dead_lettered", result.DeadLettered)
	}
	return result, nil
}

type retryOutcome int

const (
	retryOutcomeResolved retryOutcome = iota
	retryOutcomeRescheduled
	retryOutcomeDeadLettered
)

// attemptRetry makes one payment attempt for a retry record and persists the
// outcome.
func (s *Service) attemptRetry(ctx context.Context, record domain.RetryRecord) retryOutcome {
	attempt := record.AttemptCount + 1

	payee, err := s.repo.FindUserByID(ctx, record.PayeeID)
	if err != nil {
		return s.recordRetryFailure(ctx, record, attempt, fmt.Errorf("payee lookup failed: %w", err))
	}

	key := groupIdempotencyKey(record.PayeeID, record.EarningIDs)
	settlementRef, err := s.payout.Send(ctx, payee.WalletAddress, record.Amount, key)
	if err != nil {
		return s.recordRetryFailure(ctx, record, attempt, err)
	}

	// Same atomic commit as the settlement pass; it also flips this record
	// to resolved with the settlement reference.
	if err := s.repo.SettlePayeeEarnings(ctx, record.PayeeID, record.PaymentKind,
		record.EarningIDs, record.Amount, settlementRef); err != nil {
		// The money moved; only the local commit failed. The record stays due
		// as-is and the next sweep re-sends with the same idempotency key, so
		// a store failure never consumes the attempt budget.
		s.logger.Error("retry payout succeeded but settlement commit failed; record stays scheduled",
			"retry_id", record.ID, "settlement_ref", settlementRef, "error", err)
		return retryOutcomeRescheduled
	}

	if s.events != nil {
		event := rabbitmq.PayoutSettledEvent{
			PayeeID:       record.PayeeID,
			Amount:        record.Amount,
			EarningCount:  len(record.EarningIDs),
			SettlementRef: settlementRef,
			Timestamp:     s.now(),
		}
		if err := s.events.PublishPayoutSettled(ctx, event); err != nil {
			s.logger.Warn("failed to publish payout settled event", "payee_id", record.PayeeID, "error", err)
		}
	}

	s.logger.Info("retry resolved", "retry_id", record.ID, "payee_id", record.PayeeID,
		"attempt", attempt, "settlement_ref", settlementRef)
	return retryOutcomeResolved
}

// recordRetryFailure persists a failed attempt: either the next backoff step
// or, once the attempt budget is exhausted, the dead-letter transition with a
// critical operator alert.
func (s *Service) recordRetryFailure(ctx context.Context, record domain.RetryRecord, attempt int, cause error) retryOutcome {
	now := s.now()

	if attempt >= record.MaxAttempts {
		if err := s.repo.MarkRetryDeadLettered(ctx, record.ID, attempt, cause.Error(), now); err != nil {
			s.logger.Error("failed to dead-letter retry record", "retry_id", record.ID, "error", err)
			return retryOutcomeRescheduled
		}
		s.logger.Error("retry record dead-lettered",
			"retry_id", record.ID, "payee_id", record.PayeeID, "amount", record.Amount, "attempts", attempt)
		if s.events != nil {
			alert := rabbitmq.CriticalAlertEvent{
				Title: "Referral payout dead-lettered",
				Details: fmt.Sprintf("payee=%s amount=%d attempts=%d last_error=%s",
					record.PayeeID, record.Amount, attempt, cause.Error()),
				Timestamp: now,
			}
			if err := s.events.PublishCriticalAlert(ctx, alert); err != nil {
				s.logger.Error("failed to publish dead-letter alert", "retry_id", record.ID, "error", err)
			}
		}
		return retryOutcomeDeadLettered
	}

	nextRetryAt := now.Add(s.retry.Delay(attempt))
	if err := s.repo.MarkRetryAttemptFailed(ctx, record.ID, attempt, cause.Error(), now, nextRetryAt); err != nil {
		s.logger.Error("failed to reschedule retry record", "retry_id", record.ID, "error", err)
	} else {
		s.logger.Warn("retry attempt failed, rescheduled",
			"retry_id", record.ID, "payee_id", record.PayeeID, "attempt", attempt,
			"next_retry_at", nextRetryAt, "error", cause)
	}
	return retryOutcomeRescheduled
}

// ReplayDeadLetter is the operator-triggered manual replay: the dead-letter
// flag clears, the attempt count resets, and one payment attempt runs
// immediately — a deliberate bypass of the backoff schedule. Reports whether
// the replay resolved the record.
func (s *Service) ReplayDeadLetter(ctx context.Context, recordID uuid.UUID) (bool, error) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	record, err := s.repo.ResetDeadLetterRecord(ctx, recordID, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotDeadLettered) || errors.Is(err, store.ErrRetryRecordNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to reset dead-letter record: %w", err)
	}

	s.logger.Info("dead-letter record replayed", "retry_id", record.ID, "payee_id", record.PayeeID)
	return s.attemptRetry(ctx, *record) == retryOutcomeResolved, nil
}

// ListDeadLetter returns every dead-lettered record awaiting operator action.
func (s *Service) ListDeadLetter(ctx context.Context) ([]domain.RetryRecord, error) {
	return s.repo.ListDeadLetterRecords(ctx)
}

// RetryStats returns the operator-dashboard summary of the retry ledger.
func (s *Service) RetryStats(ctx context.Context) (*domain.RetryStats, error) {
	return s.repo.GetRetryStats(ctx)
}
