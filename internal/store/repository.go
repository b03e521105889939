/**
 * @description
 * This file defines the `Repository` interface for the reward-service. The code
 * inventory and the redemption ledger form one consistency domain: every
 * allocation runs inside a single claim transaction that selects an unused code,
 * marks it used, and appends the ledger record, or does none of those.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/reward-service/internal/domain"
)

var (
	ErrNoUnusedCode        = errors.New("no unused code available")
	ErrCodeNotFound        = errors.New("code not found")
	ErrCodeAlreadyUsed     = errors.New("code already used")
	ErrRedemptionNotFound  = errors.New("redemption not found")
	ErrDuplicateRedemption = errors.New("code already has a redemption record")
)

// Inventory is the code inventory view available inside a claim transaction.
type Inventory interface {
	FindUnusedInTier(ctx context.Context, tierID string) (*domain.DiscountCode, error)
	FindUnusedAny(ctx context.Context) (*domain.DiscountCode, error)
	// MarkUsed transitions code to used only if it is currently unused.
	MarkUsed(ctx context.Context, code string, claimant string, at time.Time) error
	FindCode(ctx context.Context, code string) (*domain.DiscountCode, error)
}

// Ledger is the redemption ledger view available inside a claim transaction.
type Ledger interface {
	FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error)
	AppendRedemption(ctx context.Context, record domain.RedemptionRecord) error
}

// ClaimTx is the unit of work handed to WithinClaimTx.
type ClaimTx interface {
	Inventory
	Ledger
}

// Repository defines the set of methods for interacting with the allocation store.
type Repository interface {
	// WithinClaimTx runs fn in one transaction serialized per identity. The
	// transaction commits only when fn returns nil.
	WithinClaimTx(ctx context.Context, identity string, fn func(tx ClaimTx) error) error

	// Read paths outside a claim transaction.
	FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error)
	FindCode(ctx context.Context, code string) (*domain.DiscountCode, error)
	TierCounts(ctx context.Context) ([]domain.TierCount, error)
	RecentRedemptions(ctx context.Context, limit int) ([]domain.RedemptionRecord, error)
	CountRedemptions(ctx context.Context) (int64, error)

	// SeedCodes inserts codes that do not exist yet and returns how many were added.
	// Existing codes, used or not, are left untouched.
	SeedCodes(ctx context.Context, codes []domain.DiscountCode) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
