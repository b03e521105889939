/**
 * @description
 * SQLite implementation of the `Repository` interface for single-node
 * deployments. The pool is limited to one connection so claim transactions are
 * serialized, and timestamps are stored as Unix nanoseconds.
 *
 * @dependencies
 * - github.com/glebarez/sqlite: Pure-Go SQLite driver registered with database/sql.
 * - internal/domain: Contains the domain models used for data transfer.
 */
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/sqlite"

	"github.com/transfa/reward-service/internal/domain"
)

// ErrSQLitePathRequired is returned when no database path is configured.
var ErrSQLitePathRequired = errors.New("sqlite path must be configured")

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS reward_codes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		code        TEXT NOT NULL UNIQUE,
		tier_id     TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'unused' CHECK (status IN ('unused', 'used')),
		claimed_by  TEXT,
		claimed_at  INTEGER,
		CHECK ((claimed_by IS NULL) = (claimed_at IS NULL))
	);`,
	`CREATE INDEX IF NOT EXISTS reward_codes_tier_status_idx ON reward_codes (tier_id, status, id);`,
	`CREATE TABLE IF NOT EXISTS reward_redemptions (
		id            TEXT PRIMARY KEY,
		identity      TEXT NOT NULL,
		tier_id       TEXT NOT NULL,
		code          TEXT NOT NULL UNIQUE,
		allocated_at  INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS reward_redemptions_identity_idx ON reward_redemptions (identity, allocated_at);`,
}

// SQLiteRepository is a durable single-node store. The pool is capped at one
// connection, which serializes every claim transaction on the node. Timestamps
// are stored as unix nanoseconds.
type SQLiteRepository struct {
	db *sql.DB
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrSQLitePathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
	}
	for _, stmt := range append(pragmas, sqliteSchema...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteRepository{db: db}, nil
}

// WithinClaimTx runs fn on the single pooled connection.
func (r *SQLiteRepository) WithinClaimTx(ctx context.Context, identity string, fn func(tx ClaimTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteClaimTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return nil
}

type sqliteClaimTx struct {
	tx *sql.Tx
}

func (t *sqliteClaimTx) FindUnusedInTier(ctx context.Context, tierID string) (*domain.DiscountCode, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT code, tier_id FROM reward_codes
		WHERE tier_id = ? AND status = 'unused'
		ORDER BY id
		LIMIT 1
	`, tierID)
	return sqliteScanUnused(row)
}

func (t *sqliteClaimTx) FindUnusedAny(ctx context.Context) (*domain.DiscountCode, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT code, tier_id FROM reward_codes
		WHERE status = 'unused'
		ORDER BY id
		LIMIT 1
	`)
	return sqliteScanUnused(row)
}

func sqliteScanUnused(row *sql.Row) (*domain.DiscountCode, error) {
	code := domain.DiscountCode{Status: domain.CodeStatusUnused}
	if err := row.Scan(&code.Code, &code.TierID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoUnusedCode
		}
		return nil, fmt.Errorf("select unused code: %w", err)
	}
	return &code, nil
}

func (t *sqliteClaimTx) MarkUsed(ctx context.Context, code string, claimant string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE reward_codes
		SET status = 'used', claimed_by = ?, claimed_at = ?
		WHERE code = ? AND status = 'unused'
	`, claimant, at.UTC().UnixNano(), code)
	if err != nil {
		return fmt.Errorf("mark code used: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCodeAlreadyUsed
	}
	return nil
}

func (t *sqliteClaimTx) FindCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	return sqliteFindCode(ctx, t.tx, code)
}

func (t *sqliteClaimTx) FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	return sqliteFindRecent(ctx, t.tx, identity, windowStart)
}

func (t *sqliteClaimTx) AppendRedemption(ctx context.Context, record domain.RedemptionRecord) error {
	var exists int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reward_redemptions WHERE code = ?`, record.Code).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check redemption: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateRedemption
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO reward_redemptions (id, identity, tier_id, code, allocated_at)
		VALUES (?, ?, ?, ?, ?)
	`, record.ID.String(), record.Identity, record.TierID, record.Code, record.AllocatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("append redemption: %w", err)
	}
	return nil
}

func sqliteFindCode(ctx context.Context, q sqlQuerier, code string) (*domain.DiscountCode, error) {
	var (
		out       domain.DiscountCode
		status    string
		claimedBy sql.NullString
		claimedAt sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT code, tier_id, status, claimed_by, claimed_at FROM reward_codes WHERE code = ?
	`, code).Scan(&out.Code, &out.TierID, &status, &claimedBy, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	out.Status = domain.CodeStatus(status)
	if claimedBy.Valid && claimedAt.Valid {
		by := claimedBy.String
		at := time.Unix(0, claimedAt.Int64).UTC()
		out.ClaimedBy = &by
		out.ClaimedAt = &at
	}
	return &out, nil
}

func sqliteFindRecent(ctx context.Context, q sqlQuerier, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, identity, tier_id, code, allocated_at
		FROM reward_redemptions
		WHERE identity = ? AND allocated_at >= ?
		ORDER BY allocated_at DESC
		LIMIT 1
	`, identity, windowStart.UTC().UnixNano())
	record, err := sqliteScanRedemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRedemptionNotFound
	}
	return record, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteScanRedemption(row rowScanner) (*domain.RedemptionRecord, error) {
	var (
		record      domain.RedemptionRecord
		id          string
		allocatedAt int64
	)
	if err := row.Scan(&id, &record.Identity, &record.TierID, &record.Code, &allocatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse redemption id: %w", err)
	}
	record.ID = parsed
	record.AllocatedAt = time.Unix(0, allocatedAt).UTC()
	return &record, nil
}

// FindRecentByIdentity returns the newest redemption for identity inside the window.
func (r *SQLiteRepository) FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	return sqliteFindRecent(ctx, r.db, identity, windowStart)
}

// FindCode retrieves a code by value.
func (r *SQLiteRepository) FindCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	return sqliteFindCode(ctx, r.db, code)
}

// TierCounts aggregates the inventory per tier.
func (r *SQLiteRepository) TierCounts(ctx context.Context) ([]domain.TierCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tier_id, COUNT(*), SUM(CASE WHEN status = 'used' THEN 1 ELSE 0 END)
		FROM reward_codes
		GROUP BY tier_id
		ORDER BY tier_id
	`)
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
func (r *SQLiteRepository) RecentRedemptions(ctx context.Context, limit int) ([]domain.RedemptionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity, tier_id, code, allocated_at
		FROM reward_redemptions
		ORDER BY allocated_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.RedemptionRecord, 0, limit)
	for rows.Next() {
		record, err := sqliteScanRedemption(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// CountRedemptions returns the number of ledger entries.
func (r *SQLiteRepository) CountRedemptions(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reward_redemptions`).Scan(&count)
	return count, err
}

// SeedCodes inserts codes that are not present yet.
func (r *SQLiteRepository) SeedCodes(ctx context.Context, codes []domain.DiscountCode) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reward_codes (code, tier_id, status) VALUES (?, ?, 'unused')
		ON CONFLICT (code) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare seed statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, code := range codes {
		result, err := stmt.ExecContext(ctx, code.Code, code.TierID)
		if err != nil {
			return 0, fmt.Errorf("seed code %s: %w", code.Code, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// Ping checks the database handle.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases database resources.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
