package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/internal/store"
)

func TestBuildReferralLinks_RejectsSelfReferral(t *testing.T) {
	repo := &stubRepository{}
	svc := newTestService(repo, nil, &stubPayout{}, &stubPublisher{})

	userID := uuid.New()
	_, err := svc.BuildReferralLinks(context.Background(), userID, userID)
	if !errors.Is(err, store.ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}
}

func TestBuildReferralLinks_UnknownReferrer(t *testing.T) {
	repo := &stubRepository{
		findUserByIDFn: func(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
			return nil, store.ErrUserNotFound
		},
	}
	svc := newTestService(repo, nil, &stubPayout{}, &stubPublisher{})

	_, err := svc.BuildReferralLinks(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, store.ErrReferrerNotFound) {
		t.Fatalf("expected ErrReferrerNotFound, got %v", err)
	}
}

func TestBuildReferralLinks_CreatesEdgesUpToDepthCap(t *testing.T) {
	userID := uuid.New()
	referrerID := uuid.New()
	grandID := uuid.New()
	greatID := uuid.New()

	var createdEdges []domain.ReferralEdge
	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			if id != referrerID {
				t.Fatalf("ascended wrong user: %s", id)
			}
			if depth != domain.MaxReferralDepth-1 {
				t.Fatalf("expected upline depth %d, got %d", domain.MaxReferralDepth-1, depth)
			}
			return []domain.ChainEntry{
				{UserID: grandID, Level: 1},
				{UserID: greatID, Level: 2},
			}, nil
		},
		createReferralEdgesFn: func(ctx context.Context, id uuid.UUID, edges []domain.ReferralEdge) (int, error) {
			createdEdges = edges
			return len(edges), nil
		},
	}
	events := &stubPublisher{}
	svc := newTestService(repo, nil, &stubPayout{}, events)

	result, err := svc.BuildReferralLinks(context.Background(), userID, referrerID)
	if err != nil {
		t.Fatalf("BuildReferralLinks returned error: %v", err)
	}
	if result.EdgesCreated != 3 {
		t.Fatalf("expected 3 edges created, got %d", result.EdgesCreated)
	}
	if len(createdEdges) != 3 {
		t.Fatalf("expected 3 edges written, got %d", len(createdEdges))
	}

	wantReferrers := []uuid.UUID{referrerID, grandID, greatID}
	for i, edge := range createdEdges {
		if edge.ReferrerID != wantReferrers[i] {
			t.Fatalf("edge %d: expected referrer %s, got %s", i, wantReferrers[i], edge.ReferrerID)
		}
		if edge.ReferralID != userID {
			t.Fatalf("edge %d: expected referral %s, got %s", i, userID, edge.ReferralID)
		}
		if edge.Level != i+1 {
			t.Fatalf("edge %d: expected level %d, got %d", i, i+1, edge.Level)
		}
	}

	if len(events.linked) != 1 {
		t.Fatalf("expected 1 referral linked event, got %d", len(events.linked))
	}
	if events.linked[0].ReferrerID != referrerID || events.linked[0].ReferralID != userID {
		t.Fatal("referral linked event carries wrong participants")
	}
}

func TestBuildReferralLinks_DetectsCycle(t *testing.T) {
	userID := uuid.New()
	referrerID := uuid.New()

	edgesWritten := false
	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			// The new user already sits above the referrer.
			return []domain.ChainEntry{{UserID: userID, Level: 1}}, nil
		},
		createReferralEdgesFn: func(ctx context.Context, id uuid.UUID, edges []domain.ReferralEdge) (int, error) {
			edgesWritten = true
			return len(edges), nil
		},
	}
	svc := newTestService(repo, nil, &stubPayout{}, &stubPublisher{})

	_, err := svc.BuildReferralLinks(context.Background(), userID, referrerID)
	if !errors.Is(err, store.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if edgesWritten {
		t.Fatal("no edges may be written when a cycle is detected")
	}
}

func TestBuildReferralLinks_CommitTimeCycleRejection(t *testing.T) {
	// A competing build can place this user above the referrer between the
	// pre-check and the commit; the store re-checks under its row locks and
	// the rejection must surface unchanged, with no side effects.
	userID := uuid.New()
	referrerID := uuid.New()

	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			return nil, nil // the pre-check saw the graph before the race
		},
		createReferralEdgesFn: func(ctx context.Context, id uuid.UUID, edges []domain.ReferralEdge) (int, error) {
			return 0, store.ErrCycleDetected
		},
	}
	chains := newStubChains()
	events := &stubPublisher{}
	svc := newTestService(repo, chains, &stubPayout{}, events)

	_, err := svc.BuildReferralLinks(context.Background(), userID, referrerID)
	if !errors.Is(err, store.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if len(chains.invalidated) != 0 {
		t.Fatal("no chains may be invalidated when the commit is rejected")
	}
	if len(events.linked) != 0 {
		t.Fatal("no referral linked event may be published when the commit is rejected")
	}
}

func TestBuildReferralLinks_InvalidatesAffectedChains(t *testing.T) {
	userID := uuid.New()
	referrerID := uuid.New()
	grandID := uuid.New()

	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			return []domain.ChainEntry{{UserID: grandID, Level: 1}}, nil
		},
	}
	chains := newStubChains()
	svc := newTestService(repo, chains, &stubPayout{}, &stubPublisher{})

	if _, err := svc.BuildReferralLinks(context.Background(), userID, referrerID); err != nil {
		t.Fatalf("BuildReferralLinks returned error: %v", err)
	}

	want := map[uuid.UUID]bool{userID: true, referrerID: true, grandID: true}
	if len(chains.invalidated) != len(want) {
		t.Fatalf("expected %d invalidated users, got %d", len(want), len(chains.invalidated))
	}
	for _, id := range chains.invalidated {
		if !want[id] {
			t.Fatalf("unexpected invalidated user %s", id)
		}
	}
}

func TestBuildReferralLinks_NotifyFailureIsNotFatal(t *testing.T) {
	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			return nil, nil
		},
	}
	events := &stubPublisher{err: errors.New("broker down")}
	svc := newTestService(repo, nil, &stubPayout{}, events)

	result, err := svc.BuildReferralLinks(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("notification failure must not fail edge creation: %v", err)
	}
	if result.EdgesCreated != 1 {
		t.Fatalf("expected 1 edge created, got %d", result.EdgesCreated)
	}
}

func TestGetReferralChain_CacheHitSkipsStore(t *testing.T) {
	userID := uuid.New()
	cached := []domain.ChainEntry{{UserID: uuid.New(), Level: 1}}

	storeQueried := false
	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			storeQueried = true
			return nil, nil
		},
	}
	chains := newStubChains()
	chains.Set(context.Background(), userID, domain.MaxReferralDepth, cached)
	svc := newTestService(repo, chains, &stubPayout{}, &stubPublisher{})

	chain, err := svc.GetReferralChain(context.Background(), userID, domain.MaxReferralDepth)
	if err != nil {
		t.Fatalf("GetReferralChain returned error: %v", err)
	}
	if storeQueried {
		t.Fatal("store must not be queried on a cache hit")
	}
	if len(chain) != 1 || chain[0] != cached[0] {
		t.Fatalf("unexpected chain %v", chain)
	}
}

func TestGetReferralChain_CacheMissPopulatesCache(t *testing.T) {
	userID := uuid.New()
	fromStore := []domain.ChainEntry{{UserID: uuid.New(), Level: 1}, {UserID: uuid.New(), Level: 2}}

	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			return fromStore, nil
		},
	}
	chains := newStubChains()
	svc := newTestService(repo, chains, &stubPayout{}, &stubPublisher{})

	chain, err := svc.GetReferralChain(context.Background(), userID, 2)
	if err != nil {
		t.Fatalf("GetReferralChain returned error: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(chain))
	}

	cached, hit, _ := chains.Get(context.Background(), userID, 2)
	if !hit || len(cached) != 2 {
		t.Fatal("chain was not written back to the cache")
	}
}

func TestGetReferralChain_CacheErrorFallsBackToStore(t *testing.T) {
	userID := uuid.New()
	fromStore := []domain.ChainEntry{{UserID: uuid.New(), Level: 1}}

	repo := &stubRepository{
		getAscendantChainFn: func(ctx context.Context, id uuid.UUID, depth int) ([]domain.ChainEntry, error) {
			return fromStore, nil
		},
	}
	chains := newStubChains()
	chains.getErr = errors.New("redis timeout")
	svc := newTestService(repo, chains, &stubPayout{}, &stubPublisher{})

	chain, err := svc.GetReferralChain(context.Background(), userID, domain.MaxReferralDepth)
	if err != nil {
		t.Fatalf("cache failure must fall back to the store: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(chain))
	}
}
