/**
 * @description
 * This file defines the `Repository` interface, which abstracts all database
 * operations needed by the referral engine. The application layer depends on
 * this interface rather than a concrete implementation, so unit tests can
 * substitute deterministic fakes.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrReferrerNotFound    = errors.New("referrer not found")
	ErrSelfReferral        = errors.New("user cannot refer themselves")
	ErrCycleDetected       = errors.New("referral would create a cycle")
	ErrReferrerAlreadySet  = errors.New("user already has a referrer")
	ErrRetryRecordNotFound = errors.New("retry record not found")
	ErrNotDeadLettered     = errors.New("retry record is not dead-lettered")
)

// Repository defines the persistence operations for the referral engine.
type Repository interface {
	// Users and referral graph.
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetAscendantChain(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, error)
	CreateReferralEdges(ctx context.Context, userID uuid.UUID, edges []domain.ReferralEdge) (int, error)
	FindEdgesByReferral(ctx context.Context, referralID uuid.UUID) ([]domain.ReferralEdge, error)

	// Earning ledger.
	CreateEarning(ctx context.Context, earning *domain.Earning) (bool, error)
	ListUnpaidEarnings(ctx context.Context) ([]domain.UnpaidEarning, error)
	SettlePayeeEarnings(ctx context.Context, payeeID uuid.UUID, paymentKind string, earningIDs []uuid.UUID, amount int64, settlementRef string) error

	// Retry ledger.
	UpsertRetryRecord(ctx context.Context, payeeID uuid.UUID, paymentKind string, amount int64, earningIDs []uuid.UUID, lastError string, nextRetryAt time.Time, maxAttempts int) (*domain.RetryRecord, error)
	ListUnresolvedRetryPayees(ctx context.Context, paymentKind string) ([]uuid.UUID, error)
	ListDueRetryRecords(ctx context.Context, now time.Time) ([]domain.RetryRecord, error)
	MarkRetryAttemptFailed(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time, nextRetryAt time.Time) error
	MarkRetryDeadLettered(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time) error
	ResetDeadLetterRecord(ctx context.Context, recordID uuid.UUID, nextRetryAt time.Time) (*domain.RetryRecord, error)
	ListDeadLetterRecords(ctx context.Context) ([]domain.RetryRecord, error)
	GetRetryStats(ctx context.Context) (*domain.RetryStats, error)
}
