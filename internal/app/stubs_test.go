package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/internal/store"
	"github.com/sigmatrade/referral-service/pkg/rabbitmq"
)

// stubRepository implements store.Repository with overridable function fields.
// Unset fields return empty results so each test only wires what it exercises.
type stubRepository struct {
	findUserByIDFn          func(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	getAscendantChainFn     func(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, error)
	createReferralEdgesFn   func(ctx context.Context, userID uuid.UUID, edges []domain.ReferralEdge) (int, error)
	findEdgesByReferralFn   func(ctx context.Context, referralID uuid.UUID) ([]domain.ReferralEdge, error)
	createEarningFn         func(ctx context.Context, earning *domain.Earning) (bool, error)
	listUnpaidEarningsFn    func(ctx context.Context) ([]domain.UnpaidEarning, error)
	settlePayeeEarningsFn   func(ctx context.Context, payeeID uuid.UUID, paymentKind string, earningIDs []uuid.UUID, amount int64, settlementRef string) error
	upsertRetryRecordFn     func(ctx context.Context, payeeID uuid.UUID, paymentKind string, amount int64, earningIDs []uuid.UUID, lastError string, nextRetryAt time.Time, maxAttempts int) (*domain.RetryRecord, error)
	listUnresolvedPayeesFn  func(ctx context.Context, paymentKind string) ([]uuid.UUID, error)
	listDueRetryRecordsFn   func(ctx context.Context, now time.Time) ([]domain.RetryRecord, error)
	markRetryFailedFn       func(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time, nextRetryAt time.Time) error
	markRetryDeadLetteredFn func(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time) error
	resetDeadLetterFn       func(ctx context.Context, recordID uuid.UUID, nextRetryAt time.Time) (*domain.RetryRecord, error)
	listDeadLetterFn        func(ctx context.Context) ([]domain.RetryRecord, error)
	getRetryStatsFn         func(ctx context.Context) (*domain.RetryStats, error)
}

func (r *stubRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if r.findUserByIDFn != nil {
		return r.findUserByIDFn(ctx, userID)
	}
	return &domain.User{ID: userID, WalletAddress: "0xstub"}, nil
}

func (r *stubRepository) GetAscendantChain(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, error) {
	if r.getAscendantChainFn != nil {
		return r.getAscendantChainFn(ctx, userID, depth)
	}
	return nil, nil
}

func (r *stubRepository) CreateReferralEdges(ctx context.Context, userID uuid.UUID, edges []domain.ReferralEdge) (int, error) {
	if r.createReferralEdgesFn != nil {
		return r.createReferralEdgesFn(ctx, userID, edges)
	}
	return len(edges), nil
}

func (r *stubRepository) FindEdgesByReferral(ctx context.Context, referralID uuid.UUID) ([]domain.ReferralEdge, error) {
	if r.findEdgesByReferralFn != nil {
		return r.findEdgesByReferralFn(ctx, referralID)
	}
	return nil, nil
}

func (r *stubRepository) CreateEarning(ctx context.Context, earning *domain.Earning) (bool, error) {
	if r.createEarningFn != nil {
		return r.createEarningFn(ctx, earning)
	}
	return true, nil
}

func (r *stubRepository) ListUnpaidEarnings(ctx context.Context) ([]domain.UnpaidEarning, error) {
	if r.listUnpaidEarningsFn != nil {
		return r.listUnpaidEarningsFn(ctx)
	}
	return nil, nil
}

func (r *stubRepository) SettlePayeeEarnings(ctx context.Context, payeeID uuid.UUID, paymentKind string, earningIDs []uuid.UUID, amount int64, settlementRef string) error {
	if r.settlePayeeEarningsFn != nil {
		return r.settlePayeeEarningsFn(ctx, payeeID, paymentKind, earningIDs, amount, settlementRef)
	}
	return nil
}

func (r *stubRepository) UpsertRetryRecord(ctx context.Context, payeeID uuid.UUID, paymentKind string, amount int64, earningIDs []uuid.UUID, lastError string, nextRetryAt time.Time, maxAttempts int) (*domain.RetryRecord, error) {
	if r.upsertRetryRecordFn != nil {
		return r.upsertRetryRecordFn(ctx, payeeID, paymentKind, amount, earningIDs, lastError, nextRetryAt, maxAttempts)
	}
	return &domain.RetryRecord{ID: uuid.New(), PayeeID: payeeID}, nil
}

func (r *stubRepository) ListUnresolvedRetryPayees(ctx context.Context, paymentKind string) ([]uuid.UUID, error) {
	if r.listUnresolvedPayeesFn != nil {
		return r.listUnresolvedPayeesFn(ctx, paymentKind)
	}
	return nil, nil
}

func (r *stubRepository) ListDueRetryRecords(ctx context.Context, now time.Time) ([]domain.RetryRecord, error) {
	if r.listDueRetryRecordsFn != nil {
		return r.listDueRetryRecordsFn(ctx, now)
	}
	return nil, nil
}

func (r *stubRepository) MarkRetryAttemptFailed(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time, nextRetryAt time.Time) error {
	if r.markRetryFailedFn != nil {
		return r.markRetryFailedFn(ctx, recordID, attemptCount, lastError, lastAttemptAt, nextRetryAt)
	}
	return nil
}

func (r *stubRepository) MarkRetryDeadLettered(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time) error {
	if r.markRetryDeadLetteredFn != nil {
		return r.markRetryDeadLetteredFn(ctx, recordID, attemptCount, lastError, lastAttemptAt)
	}
	return nil
}

func (r *stubRepository) ResetDeadLetterRecord(ctx context.Context, recordID uuid.UUID, nextRetryAt time.Time) (*domain.RetryRecord, error) {
	if r.resetDeadLetterFn != nil {
		return r.resetDeadLetterFn(ctx, recordID, nextRetryAt)
	}
	return nil, store.ErrRetryRecordNotFound
}

func (r *stubRepository) ListDeadLetterRecords(ctx context.Context) ([]domain.RetryRecord, error) {
	if r.listDeadLetterFn != nil {
		return r.listDeadLetterFn(ctx)
	}
	return nil, nil
}

func (r *stubRepository) GetRetryStats(ctx context.Context) (*domain.RetryStats, error) {
	if r.getRetryStatsFn != nil {
		return r.getRetryStatsFn(ctx)
	}
	return &domain.RetryStats{}, nil
}

// payoutCall records one call to the payout backend.
type payoutCall struct {
	address        string
	amount         int64
	idempotencyKey string
}

// stubPayout records calls and fails while failuresLeft > 0.
type stubPayout struct {
	calls         []payoutCall
	failuresLeft  int
	err           error
	settlementRef string
}

func (p *stubPayout) Send(ctx context.Context, address string, amount int64, idempotencyKey string) (string, error) {
	p.calls = append(p.calls, payoutCall{address: address, amount: amount, idempotencyKey: idempotencyKey})
	if p.failuresLeft > 0 {
		p.failuresLeft--
		if p.err != nil {
			return "", p.err
		}
		return "", errors.New("payout backend unavailable")
	}
	ref := p.settlementRef
	if ref == "" {
		ref = "stl_test_ref"
	}
	return ref, nil
}

// stubPublisher counts published events per routing and optionally fails.
type stubPublisher struct {
	linked   []rabbitmq.ReferralLinkedEvent
	earnings []rabbitmq.EarningCreatedEvent
	settled  []rabbitmq.PayoutSettledEvent
	alerts   []rabbitmq.CriticalAlertEvent
	err      error
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.err
}

func (p *stubPublisher) PublishReferralLinked(ctx context.Context, event rabbitmq.ReferralLinkedEvent) error {
	p.linked = append(p.linked, event)
	return p.err
}

func (p *stubPublisher) PublishEarningCreated(ctx context.Context, event rabbitmq.EarningCreatedEvent) error {
	p.earnings = append(p.earnings, event)
	return p.err
}

func (p *stubPublisher) PublishPayoutSettled(ctx context.Context, event rabbitmq.PayoutSettledEvent) error {
	p.settled = append(p.settled, event)
	return p.err
}

func (p *stubPublisher) PublishCriticalAlert(ctx context.Context, event rabbitmq.CriticalAlertEvent) error {
	p.alerts = append(p.alerts, event)
	return p.err
}

func (p *stubPublisher) Close() {}

// stubChains is an in-memory chain cache keyed by (userID, depth).
type stubChains struct {
	entries     map[uuid.UUID]map[int][]domain.ChainEntry
	invalidated []uuid.UUID
	getErr      error
}

func newStubChains() *stubChains {
	return &stubChains{entries: make(map[uuid.UUID]map[int][]domain.ChainEntry)}
}

func (c *stubChains) Get(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	byDepth, ok := c.entries[userID]
	if !ok {
		return nil, false, nil
	}
	chain, ok := byDepth[depth]
	return chain, ok, nil
}

func (c *stubChains) Set(ctx context.Context, userID uuid.UUID, depth int, chain []domain.ChainEntry) error {
	byDepth, ok := c.entries[userID]
	if !ok {
		byDepth = make(map[int][]domain.ChainEntry)
		c.entries[userID] = byDepth
	}
	byDepth[depth] = chain
	return nil
}

func (c *stubChains) Invalidate(ctx context.Context, userIDs ...uuid.UUID) error {
	c.invalidated = append(c.invalidated, userIDs...)
	for _, userID := range userIDs {
		delete(c.entries, userID)
	}
	return nil
}

var testClock = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// newTestService wires a Service over the given stubs with a fixed clock.
func newTestService(repo *stubRepository, chains ChainCache, payout PayoutSender, events rabbitmq.Publisher) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, chains, payout, events, logger, domain.DefaultCommissionRates(), DefaultRetryPolicy())
	svc.now = func() time.Time { return testClock }
	return svc
}
