/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It is the store for multi-instance deployments: claim transactions take a
 * per-identity advisory lock, select codes with FOR UPDATE (skipping rows other
 * claims hold while any free row remains), and mark them used with a conditional
 * update, so concurrent instances never hand out the same code twice.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/reward-service/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reward_codes (
	id          BIGSERIAL PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	tier_id     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'unused' CHECK (status IN ('unused', 'used')),
	claimed_by  TEXT,
	claimed_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK ((claimed_by IS NULL) = (claimed_at IS NULL)),
	CHECK ((status = 'used') = (claimed_by IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS reward_codes_unused_idx ON reward_codes (tier_id, id) WHERE status = 'unused';

CREATE TABLE IF NOT EXISTS reward_redemptions (
	id            UUID PRIMARY KEY,
	identity      TEXT NOT NULL,
	tier_id       TEXT NOT NULL,
	code          TEXT NOT NULL UNIQUE,
	allocated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reward_redemptions_identity_idx ON reward_redemptions (identity, allocated_at DESC);
`

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the reward tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply reward schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WithinClaimTx runs fn in a READ COMMITTED transaction holding an advisory lock
// on identity, so two claims for the same requester never interleave.
func (r *PostgresRepository) WithinClaimTx(ctx context.Context, identity string, fn func(tx ClaimTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, identity); err != nil {
		return fmt.Errorf("failed to lock claimant: %w", err)
	}

	if err := fn(&postgresClaimTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return nil
}

type postgresClaimTx struct {
	tx pgx.Tx
}

func (t *postgresClaimTx) FindUnusedInTier(ctx context.Context, tierID string) (*domain.DiscountCode, error) {
	return t.selectUnused(ctx, `WHERE tier_id = $1 AND status = 'unused'`, tierID)
}

func (t *postgresClaimTx) FindUnusedAny(ctx context.Context) (*domain.DiscountCode, error) {
	return t.selectUnused(ctx, `WHERE status = 'unused'`)
}

// selectUnused skips rows locked by concurrent claims first. When every
// remaining row is locked it waits on the oldest one instead, since the holder
// may still roll back and leave that code unused.
func (t *postgresClaimTx) selectUnused(ctx context.Context, where string, args ...any) (*domain.DiscountCode, error) {
	base := `SELECT code, tier_id FROM reward_codes ` + where + ` ORDER BY id LIMIT 1 FOR UPDATE`

	code, err := scanUnusedCode(t.tx.QueryRow(ctx, base+` SKIP LOCKED`, args...))
	if !errors.Is(err, ErrNoUnusedCode) {
		return code, err
	}
	return scanUnusedCode(t.tx.QueryRow(ctx, base, args...))
}

func scanUnusedCode(row pgx.Row) (*domain.DiscountCode, error) {
	code := domain.DiscountCode{Status: domain.CodeStatusUnused}
	if err := row.Scan(&code.Code, &code.TierID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoUnusedCode
		}
		return nil, fmt.Errorf("failed to select unused code: %w", err)
	}
	return &code, nil
}

func (t *postgresClaimTx) MarkUsed(ctx context.Context, code string, claimant string, at time.Time) error {
	query := `
		UPDATE reward_codes
		SET status = 'used', claimed_by = $2, claimed_at = $3
		WHERE code = $1 AND status = 'unused'
	`
	result, err := t.tx.Exec(ctx, query, code, claimant, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark code used: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCodeAlreadyUsed
	}
	return nil
}

func (t *postgresClaimTx) FindCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	return pgFindCode(ctx, t.tx, code)
}

func (t *postgresClaimTx) FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	return pgFindRecentByIdentity(ctx, t.tx, identity, windowStart)
}

func (t *postgresClaimTx) AppendRedemption(ctx context.Context, record domain.RedemptionRecord) error {
	query := `
		INSERT INTO reward_redemptions (id, identity, tier_id, code, allocated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := t.tx.Exec(ctx, query, record.ID, record.Identity, record.TierID, record.Code, record.AllocatedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRedemption
		}
		return fmt.Errorf("failed to append redemption: %w", err)
	}
	return nil
}

func pgFindCode(ctx context.Context, q pgQuerier, code string) (*domain.DiscountCode, error) {
	var (
		out    domain.DiscountCode
		status string
	)
	query := `SELECT code, tier_id, status, claimed_by, claimed_at FROM reward_codes WHERE code = $1`
	if err := q.QueryRow(ctx, query, code).Scan(&out.Code, &out.TierID, &status, &out.ClaimedBy, &out.ClaimedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	out.Status = domain.CodeStatus(status)
	return &out, nil
}

func pgFindRecentByIdentity(ctx context.Context, q pgQuerier, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	var record domain.RedemptionRecord
	query := `
		SELECT id, identity, tier_id, code, allocated_at
		FROM reward_redemptions
		WHERE identity = $1 AND allocated_at >= $2
		ORDER BY allocated_at DESC
		LIMIT 1
	`
	err := q.QueryRow(ctx, query, identity, windowStart.UTC()).Scan(
		&record.ID, &record.Identity, &record.TierID, &record.Code, &record.AllocatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return &record, nil
}

// FindRecentByIdentity returns the newest redemption for identity inside the window.
func (r *PostgresRepository) FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	return pgFindRecentByIdentity(ctx, r.db, identity, windowStart)
}

// FindCode retrieves a code by value.
func (r *PostgresRepository) FindCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	return pgFindCode(ctx, r.db, code)
}

// TierCounts aggregates the inventory per tier.
func (r *PostgresRepository) TierCounts(ctx context.Context) ([]domain.TierCount, error) {
	query := `
		SELECT tier_id, COUNT(*), COUNT(*) FILTER (WHERE status = 'used')
		FROM reward_codes
		GROUP BY tier_id
		ORDER BY tier_id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []domain.TierCount
	for rows.Next() {
		var tc domain.TierCount
		if err := rows.Scan(&tc.TierID, &tc.Total, &tc.Used); err != nil {
			return nil, err
		}
		tc.Remaining = tc.Total - tc.Used
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

// RecentRedemptions lists the newest ledger entries.
func (r *PostgresRepository) RecentRedemptions(ctx context.Context, limit int) ([]domain.RedemptionRecord, error) {
	query := `
		SELECT id, identity, tier_id, code, allocated_at
		FROM reward_redemptions
		ORDER BY allocated_at DESC, id
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.RedemptionRecord, 0, limit)
	for rows.Next() {
		var record domain.RedemptionRecord
		if err := rows.Scan(&record.ID, &record.Identity, &record.TierID, &record.Code, &record.AllocatedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// CountRedemptions returns the number of ledger entries.
func (r *PostgresRepository) CountRedemptions(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM reward_redemptions`).Scan(&count)
	return count, err
}

// SeedCodes inserts the seed set in one batch, skipping codes that already exist.
func (r *PostgresRepository) SeedCodes(ctx context.Context, codes []domain.DiscountCode) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, code := range codes {
		batch.Queue(`
			INSERT INTO reward_codes (code, tier_id, status)
			VALUES ($1, $2, 'unused')
			ON CONFLICT (code) DO NOTHING
		`, code.Code, code.TierID)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range codes {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to seed code: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

// Ping checks connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Close releases the pool.
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}
