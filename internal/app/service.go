/**
 * @description
 * This file defines the core application service for the referral commission
 * and payment settlement engine. The `Service` struct coordinates the
 * database repository, the chain cache, the payout backend client, and the
 * message broker. All collaborators are injected as interfaces so unit tests
 * can substitute deterministic fakes.
 *
 * @dependencies
 * - context, log/slog, sync, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For outbound notifications and operator alerts.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/internal/store"
	"github.com/sigmatrade/referral-service/pkg/rabbitmq"
)

// PayoutSender is the single external call the engine makes to move money:
// pay `amount` to `address`, returning an opaque settlement reference.
type PayoutSender interface {
	Send(ctx context.Context, address string, amount int64, idempotencyKey string) (string, error)
}

// ChainCache caches ascended referral chains keyed by (userID, depth). It is
// an optimization only; a nil cache disables caching without affecting
// correctness.
type ChainCache interface {
	Get(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, bool, error)
	Set(ctx context.Context, userID uuid.UUID, depth int, chain []domain.ChainEntry) error
	Invalidate(ctx context.Context, userIDs ...uuid.UUID) error
}

// RetryPolicy controls the exponential-backoff schedule for failed payouts.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is 1 minute doubling per attempt, five attempts total:
// delays of 1, 2, 4, 8, 16 minutes before dead-lettering.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Minute, MaxAttempts: 5}
}

// Delay returns the backoff delay scheduled after the given attempt count.
func (p RetryPolicy) Delay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	return p.BaseDelay * (1 << attemptCount)
}

// Service provides the core business logic for the referral engine.
type Service struct {
	repo   store.Repository
	chains ChainCache
	payout PayoutSender
	events rabbitmq.Publisher
	logger *slog.Logger
	rates  domain.CommissionRates
	retry  RetryPolicy

	// settleMu serializes the settlement pass, the retry sweep, and manual
	// replays so two passes never issue concurrent payment calls for the
	// same payee.
	settleMu sync.Mutex

	// now is injectable for deterministic backoff tests.
	now func() time.Time
}

// NewService creates a new referral engine service instance.
func NewService(repo store.Repository, chains ChainCache, payout PayoutSender, events rabbitmq.Publisher, logger *slog.Logger, rates domain.CommissionRates, retry RetryPolicy) *Service {
	if rates == nil {
		rates = domain.DefaultCommissionRates()
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = time.Minute
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}
	return &Service{
		repo:   repo,
		chains: chains,
		payout: payout,
		events: events,
		logger: logger,
		rates:  rates,
		retry:  retry,
		now:    time.Now,
	}
}

// GetReferralChain returns a user's ascendants up to `depth` levels, ordered
// by level ascending. The cache is consulted first; the recursive graph query
// remains the source of truth.
func (s *Service) GetReferralChain(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, error) {
	if depth <= 0 || depth > domain.MaxReferralDepth {
		depth = domain.MaxReferralDepth
	}

	if s.chains != nil {
		chain, hit, err := s.chains.Get(ctx, userID, depth)
		if err != nil {
			s.logger.Warn("chain cache read failed, falling back to store", "user_id", userID, "error", err)
		} else if hit {
			return chain, nil
		}
	}

	chain, err := s.repo.GetAscendantChain(ctx, userID, depth)
	if err != nil {
		return nil, fmt.Errorf("failed to load referral chain: %w", err)
	}

	if s.chains != nil {
		if err := s.chains.Set(ctx, userID, depth, chain); err != nil {
			s.logger.Warn("chain cache write failed", "user_id", userID, "error", err)
		}
	}
	return chain, nil
}
