/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all SQL for the referral graph, earning ledger,
 * payout transactions, and retry ledger tables.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sigmatrade/referral-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByID retrieves a user by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, wallet_address, referrer_id, created_at FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.WalletAddress, &user.ReferrerID, &user.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetAscendantChain walks the referrer pointers upward from a user in a single
// bounded recursive query, returning ascendants ordered by level ascending.
// A user with no referrer yields an empty chain, not an error.
func (r *PostgresRepository) GetAscendantChain(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, error) {
	if depth <= 0 || depth > domain.MaxReferralDepth {
		depth = domain.MaxReferralDepth
	}
	query := `
		WITH RECURSIVE ascendants AS (
			SELECT u.referrer_id AS user_id, 1 AS level
			FROM users u
			WHERE u.id = $1 AND u.referrer_id IS NOT NULL
			UNION ALL
			SELECT u.referrer_id, a.level + 1
			FROM ascendants a
			JOIN users u ON u.id = a.user_id
			WHERE u.referrer_id IS NOT NULL AND a.level < $2
		)
		SELECT user_id, level FROM ascendants ORDER BY level
	`
	rows, err := r.db.Query(ctx, query, userID, depth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chain := make([]domain.ChainEntry, 0, depth)
	for rows.Next() {
		var entry domain.ChainEntry
		if err := rows.Scan(&entry.UserID, &entry.Level); err != nil {
			return nil, err
		}
		chain = append(chain, entry)
	}
	return chain, rows.Err()
}

// CreateReferralEdges atomically inserts the full edge set for a newly linked
// user and pins the user's direct referrer. Either all new edges commit or
// none do. Edges that already exist are left untouched. The cycle check is
// repeated inside the transaction under row locks taken in id order, so two
// concurrent builds that would close a cycle serialize and the second one
// fails instead of committing. Returns the number of edges actually inserted.
func (r *PostgresRepository) CreateReferralEdges(ctx context.Context, userID uuid.UUID, edges []domain.ReferralEdge) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}

	directReferrer := edges[0].ReferrerID
	for _, edge := range edges {
		if edge.Level == 1 {
			directReferrer = edge.ReferrerID
		}
	}
	if directReferrer == userID {
		return 0, ErrSelfReferral
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// Lock the user and the direct referrer rows in id order so competing
	// builds cannot race each other on disjoint locks.
	lockQuery := `SELECT id, referrer_id FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	rows, err := tx.Query(ctx, lockQuery, []uuid.UUID{userID, directReferrer})
	if err != nil {
		return 0, err
	}
	var currentReferrer *uuid.UUID
	userLocked, referrerLocked := false, false
	for rows.Next() {
		var id uuid.UUID
		var referrerID *uuid.UUID
		if err := rows.Scan(&id, &referrerID); err != nil {
			rows.Close()
			return 0, err
		}
		if id == userID {
			userLocked = true
			currentReferrer = referrerID
		}
		if id == directReferrer {
			referrerLocked = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if !userLocked {
		return 0, ErrUserNotFound
	}
	if !referrerLocked {
		return 0, ErrReferrerNotFound
	}

	if currentReferrer != nil && *currentReferrer != directReferrer {
		return 0, ErrReferrerAlreadySet
	}

	// Re-check the cycle under the locks: a competing build may have placed
	// this user above the referrer after the caller's pre-check. The ascent
	// is unbounded here; the committed pointer graph is acyclic, so it
	// terminates.
	cycleQuery := `
		WITH RECURSIVE ascendants AS (
			SELECT u.referrer_id AS user_id FROM users u
			WHERE u.id = $1 AND u.referrer_id IS NOT NULL
			UNION ALL
			SELECT u.referrer_id FROM ascendants a
			JOIN users u ON u.id = a.user_id
			WHERE u.referrer_id IS NOT NULL
		)
		SELECT EXISTS (SELECT 1 FROM ascendants WHERE user_id = $2)
	`
	var closesCycle bool
	if err := tx.QueryRow(ctx, cycleQuery, directReferrer, userID).Scan(&closesCycle); err != nil {
		return 0, err
	}
	if closesCycle {
		return 0, ErrCycleDetected
	}

	if currentReferrer == nil {
		if _, err := tx.Exec(ctx, `UPDATE users SET referrer_id = $2 WHERE id = $1`, userID, directReferrer); err != nil {
			return 0, err
		}
	}

	insertQuery := `
		INSERT INTO referral_edges (id, referrer_id, referral_id, level, cumulative_earned)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (referrer_id, referral_id) DO NOTHING
	`
	created := 0
	for _, edge := range edges {
		result, err := tx.Exec(ctx, insertQuery, edge.ID, edge.ReferrerID, edge.ReferralID, edge.Level)
		if err != nil {
			return 0, err
		}
		created += int(result.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return created, nil
}

// FindEdgesByReferral returns all edges where the given user is the referral,
// i.e. the edges whose referrers are owed commission on this user's deposits.
func (r *PostgresRepository) FindEdgesByReferral(ctx context.Context, referralID uuid.UUID) ([]domain.ReferralEdge, error) {
	query := `
		SELECT id, referrer_id, referral_id, level, cumulative_earned, created_at
		FROM referral_edges
		WHERE referral_id = $1
		ORDER BY level
	`
	rows, err := r.db.Query(ctx, query, referralID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []domain.ReferralEdge
	for rows.Next() {
		var edge domain.ReferralEdge
		if err := rows.Scan(&edge.ID, &edge.ReferrerID, &edge.ReferralID, &edge.Level, &edge.CumulativeEarned, &edge.CreatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// CreateEarning inserts one unpaid earning unless one already exists for the
// same (edge, deposit) pair, making deposit-confirmation processing safe to
// replay. The edge's cumulative-earned counter is bumped in the same
// transaction, only when the earning is actually new. Reports whether a row
// was created.
func (r *PostgresRepository) CreateEarning(ctx context.Context, earning *domain.Earning) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO earnings (id, referral_edge_id, amount, source_deposit_id, paid)
		VALUES ($1, $2, $3, $4, false)
		ON CONFLICT (referral_edge_id, source_deposit_id) DO NOTHING
	`
	result, err := tx.Exec(ctx, insertQuery, earning.ID, earning.ReferralEdgeID, earning.Amount, earning.SourceDepositID)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	updateQuery := `UPDATE referral_edges SET cumulative_earned = cumulative_earned + $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, updateQuery, earning.ReferralEdgeID, earning.Amount); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// ListUnpaidEarnings loads every unpaid earning joined with its payee and
// wallet address, ordered by payee so the settlement pass can group them.
func (r *PostgresRepository) ListUnpaidEarnings(ctx context.Context) ([]domain.UnpaidEarning, error) {
	query := `
		SELECT e.id, e.referral_edge_id, e.amount, e.source_deposit_id, re.referrer_id, u.wallet_address, e.created_at
		FROM earnings e
		JOIN referral_edges re ON re.id = e.referral_edge_id
		JOIN users u ON u.id = re.referrer_id
		WHERE e.paid = false
		ORDER BY re.referrer_id, e.created_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var earnings []domain.UnpaidEarning
	for rows.Next() {
		var e domain.UnpaidEarning
		if err := rows.Scan(&e.ID, &e.ReferralEdgeID, &e.Amount, &e.SourceDepositID, &e.PayeeID, &e.WalletAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		earnings = append(earnings, e)
	}
	return earnings, rows.Err()
}

// SettlePayeeEarnings commits the local side of a successful payout as one
// atomic unit: every earning in the group flips to paid with the settlement
// reference, a confirmed payout transaction is written, and any unresolved
// retry record for the (payee, kind) pair — dead-lettered or not — resolves.
// A crash before the commit leaves the whole group unpaid and unresolved,
// safe to reprocess.
func (r *PostgresRepository) SettlePayeeEarnings(ctx context.Context, payeeID uuid.UUID, paymentKind string, earningIDs []uuid.UUID, amount int64, settlementRef string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	markQuery := `
		UPDATE earnings
		SET paid = true, settlement_ref = $2, paid_at = NOW()
		WHERE id = ANY($1) AND paid = false
	`
	if _, err := tx.Exec(ctx, markQuery, earningIDs, settlementRef); err != nil {
		return err
	}

	txQuery := `
		INSERT INTO payout_transactions (id, payee_id, amount, kind, settlement_ref, earning_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'confirmed')
	`
	if _, err := tx.Exec(ctx, txQuery, uuid.New(), payeeID, amount, paymentKind, settlementRef, len(earningIDs)); err != nil {
		return err
	}

	resolveQuery := `
		UPDATE retry_records
		SET resolved = true, in_dead_letter = false, settlement_ref = $3, next_retry_at = NULL, updated_at = NOW()
		WHERE payee_id = $1 AND payment_kind = $2 AND resolved = false
	`
	if _, err := tx.Exec(ctx, resolveQuery, payeeID, paymentKind, settlementRef); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpsertRetryRecord records a settlement failure. If an unresolved,
// non-dead-lettered record already exists for the (payee, kind) pair, its
// amount is replaced with the full failed amount and its earning ids are
// unioned with the new set; otherwise a fresh record is created with
// attempt_count 0. The row is locked to keep concurrent failures from
// spawning duplicates.
func (r *PostgresRepository) UpsertRetryRecord(ctx context.Context, payeeID uuid.UUID, paymentKind string, amount int64, earningIDs []uuid.UUID, lastError string, nextRetryAt time.Time, maxAttempts int) (*domain.RetryRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var existing domain.RetryRecord
	selectQuery := `
		SELECT id, payee_id, amount, payment_kind, earning_ids, attempt_count, max_attempts,
		       last_attempt_at, next_retry_at, last_error, in_dead_letter, resolved, settlement_ref,
		       created_at, updated_at
		FROM retry_records
		WHERE payee_id = $1 AND payment_kind = $2 AND resolved = false AND in_dead_letter = false
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, selectQuery, payeeID, paymentKind).Scan(
		&existing.ID, &existing.PayeeID, &existing.Amount, &existing.PaymentKind, &existing.EarningIDs,
		&existing.AttemptCount, &existing.MaxAttempts, &existing.LastAttemptAt, &existing.NextRetryAt,
		&existing.LastError, &existing.InDeadLetter, &existing.Resolved, &existing.SettlementRef,
		&existing.CreatedAt, &existing.UpdatedAt,
	)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	if err == pgx.ErrNoRows {
		record := &domain.RetryRecord{
			ID:          uuid.New(),
			PayeeID:     payeeID,
			Amount:      amount,
			PaymentKind: paymentKind,
			EarningIDs:  earningIDs,
			MaxAttempts: maxAttempts,
			NextRetryAt: &nextRetryAt,
			LastError:   &lastError,
		}
		insertQuery := `
			INSERT INTO retry_records (id, payee_id, amount, payment_kind, earning_ids, attempt_count,
			                           max_attempts, next_retry_at, last_error, in_dead_letter, resolved)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, false, false)
		`
		if _, err := tx.Exec(ctx, insertQuery, record.ID, record.PayeeID, record.Amount, record.PaymentKind,
			record.EarningIDs, record.MaxAttempts, nextRetryAt, lastError); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return record, nil
	}

	merged := unionEarningIDs(existing.EarningIDs, earningIDs)
	updateQuery := `
		UPDATE retry_records
		SET amount = $2, earning_ids = $3, last_error = $4, next_retry_at = $5, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateQuery, existing.ID, amount, merged, lastError, nextRetryAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	existing.Amount = amount
	existing.EarningIDs = merged
	existing.LastError = &lastError
	existing.NextRetryAt = &nextRetryAt
	return &existing, nil
}

func unionEarningIDs(existing, incoming []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(existing)+len(incoming))
	merged := make([]uuid.UUID, 0, len(existing)+len(incoming))
	for _, id := range existing {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	for _, id := range incoming {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged
}

// ListUnresolvedRetryPayees returns every payee with an unresolved retry
// record for the given kind, dead-lettered or not. The settlement pass skips
// these payees; their payment belongs to the retry sweep or operator replay.
func (r *PostgresRepository) ListUnresolvedRetryPayees(ctx context.Context, paymentKind string) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT payee_id FROM retry_records
		WHERE payment_kind = $1 AND resolved = false
	`
	rows, err := r.db.Query(ctx, query, paymentKind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payees []uuid.UUID
	for rows.Next() {
		var payeeID uuid.UUID
		if err := rows.Scan(&payeeID); err != nil {
			return nil, err
		}
		payees = append(payees, payeeID)
	}
	return payees, rows.Err()
}

const retryRecordColumns = `
	id, payee_id, amount, payment_kind, earning_ids, attempt_count, max_attempts,
	last_attempt_at, next_retry_at, last_error, in_dead_letter, resolved, settlement_ref,
	created_at, updated_at
`

func scanRetryRecord(row pgx.Row) (*domain.RetryRecord, error) {
	var record domain.RetryRecord
	err := row.Scan(
		&record.ID, &record.PayeeID, &record.Amount, &record.PaymentKind, &record.EarningIDs,
		&record.AttemptCount, &record.MaxAttempts, &record.LastAttemptAt, &record.NextRetryAt,
		&record.LastError, &record.InDeadLetter, &record.Resolved, &record.SettlementRef,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListDueRetryRecords returns every unresolved, non-dead-lettered record whose
// next retry time has arrived, ordered oldest first.
func (r *PostgresRepository) ListDueRetryRecords(ctx context.Context, now time.Time) ([]domain.RetryRecord, error) {
	query := `
		SELECT ` + retryRecordColumns + `
		FROM retry_records
		WHERE resolved = false AND in_dead_letter = false AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.RetryRecord
	for rows.Next() {
		record, err := scanRetryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// MarkRetryAttemptFailed records a failed attempt and schedules the next one.
func (r *PostgresRepository) MarkRetryAttemptFailed(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time, nextRetryAt time.Time) error {
	query := `
		UPDATE retry_records
		SET attempt_count = $2, last_error = $3, last_attempt_at = $4, next_retry_at = $5, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, recordID, attemptCount, lastError, lastAttemptAt, nextRetryAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRetryRecordNotFound
	}
	return nil
}

// MarkRetryDeadLettered moves a record into the dead-letter state: no further
// automatic attempts until an operator replays it.
func (r *PostgresRepository) MarkRetryDeadLettered(ctx context.Context, recordID uuid.UUID, attemptCount int, lastError string, lastAttemptAt time.Time) error {
	query := `
		UPDATE retry_records
		SET attempt_count = $2, last_error = $3, last_attempt_at = $4, next_retry_at = NULL,
		    in_dead_letter = true, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, recordID, attemptCount, lastError, lastAttemptAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRetryRecordNotFound
	}
	return nil
}

// ResetDeadLetterRecord clears the dead-letter flag for a manual replay:
// attempt count back to zero and the next retry due immediately.
func (r *PostgresRepository) ResetDeadLetterRecord(ctx context.Context, recordID uuid.UUID, nextRetryAt time.Time) (*domain.RetryRecord, error) {
	query := `
		UPDATE retry_records
		SET in_dead_letter = false, attempt_count = 0, next_retry_at = $2, updated_at = NOW()
		WHERE id = $1 AND in_dead_letter = true AND resolved = false
		RETURNING ` + retryRecordColumns
	record, err := scanRetryRecord(r.db.QueryRow(ctx, query, recordID, nextRetryAt))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotDeadLettered
		}
		return nil, err
	}
	return record, nil
}

// ListDeadLetterRecords returns every dead-lettered, unresolved record.
func (r *PostgresRepository) ListDeadLetterRecords(ctx context.Context) ([]domain.RetryRecord, error) {
	query := `
		SELECT ` + retryRecordColumns + `
		FROM retry_records
		WHERE in_dead_letter = true AND resolved = false
		ORDER BY updated_at DESC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.RetryRecord
	for rows.Next() {
		record, err := scanRetryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// GetRetryStats aggregates pending, dead-lettered, and resolved counts and
// amounts for operator dashboards.
func (r *PostgresRepository) GetRetryStats(ctx context.Context) (*domain.RetryStats, error) {
	var stats domain.RetryStats
	query := `
		SELECT
			COUNT(*) FILTER (WHERE resolved = false AND in_dead_letter = false),
			COALESCE(SUM(amount) FILTER (WHERE resolved = false AND in_dead_letter = false), 0),
			COUNT(*) FILTER (WHERE in_dead_letter = true AND resolved = false),
			COALESCE(SUM(amount) FILTER (WHERE in_dead_letter = true AND resolved = false), 0),
			COUNT(*) FILTER (WHERE resolved = true),
			COALESCE(SUM(amount) FILTER (WHERE resolved = true), 0)
		FROM retry_records
	`
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.PendingCount, &stats.PendingAmount,
		&stats.DeadLetterCount, &stats.DeadLetterAmount,
		&stats.ResolvedCount, &stats.ResolvedAmount,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
