/**
 * @description
 * The referral graph builder: validates and commits the commission edges for
 * a newly registered user. Self-referrals and cycles are rejected before
 * anything is written; the whole edge set commits atomically or not at all.
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

// BuildReferralLinks links a newly registered user to their direct referrer
// and every ascendant up to the depth cap. On success the cached chains of
// every affected node are invalidated and the direct referrer is notified
// (best-effort; a notification failure never rolls back edge creation).
func (s *Service) BuildReferralLinks(ctx context.Context, userID, referrerID uuid.UUID) (*domain.BuildReferralResult, error) {
	if userID == referrerID {
		return nil, store.ErrSelfReferral
	}

	if _, err := s.repo.FindUserByID(ctx, referrerID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, store.ErrReferrerNotFound
		}
		return nil, fmt.Errorf("failed to look up referrer: %w", err)
	}

	// The referrer plus its own ascendants, capped so the new user gets at
	// most MaxReferralDepth edges. The cycle check must see the live graph,
	// so this read bypasses the cache.
	upline, err := s.repo.GetAscendantChain(ctx, referrerID, domain.MaxReferralDepth-1)
	if err != nil {
		return nil, fmt.Errorf("failed to ascend referrer chain: %w", err)
	}

	chain := make([]domain.ChainEntry, 0, len(upline)+1)
	chain = append(chain, domain.ChainEntry{UserID: referrerID, Level: 1})
	for _, entry := range upline {
		chain = append(chain, domain.ChainEntry{UserID: entry.UserID, Level: entry.Level + 1})
	}

	for _, entry := range chain {
		if entry.UserID == userID {
			return nil, store.ErrCycleDetected
		}
	}

	edges := make([]domain.ReferralEdge, 0, len(chain))
	for _, entry := range chain {
		edges = append(edges, domain.ReferralEdge{
			ID:         uuid.New(),
			ReferrerID: entry.UserID,
			ReferralID: userID,
			Level:      entry.Level,
		})
	}

	created, err := s.repo.CreateReferralEdges(ctx, userID, edges)
	if err != nil {
		return nil, err
	}

	// Both the new user's ascended view and every ascendant's descended view
	// changed, so all their cached chains are stale.
	if s.chains != nil {
		affected := make([]uuid.UUID, 0, len(chain)+1)
		affected = append(affected, userID)
		for _, entry := range chain {
			affected = append(affected, entry.UserID)
		}
		if err := s.chains.Invalidate(ctx, affected...); err != nil {
			s.logger.Warn("chain cache invalidation failed", "user_id", userID, "error", err)
		}
	}

	if s.events != nil {
		event := rabbitmq.ReferralLinkedEvent{ReferrerID: referrerID, ReferralID: userID, Timestamp: s.now()}
		if err := s.events.PublishReferralLinked(ctx, event); err != nil {
			s.logger.Warn("failed to publish referral linked event", "referrer_id", referrerID, "error", err)
		}
	}

	s.logger.Info("referral links built", "user_id", userID, "referrer_id", referrerID, "edges_created", created)
	return &domain.BuildReferralResult{EdgesCreated: created, Chain: chain}, nil
}
