/**
 * @description
 * In-process implementation of the `Repository` interface for local runs and
 * tests. Claim transactions run under one mutex and stage their writes, which
 * are applied only when the callback returns without error.
 *
 * @dependencies
 * - internal/domain: Contains the domain models used for data transfer.
 */
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/transfa/reward-service/internal/domain"
)

// MemoryRepository keeps the inventory and ledger in process memory behind a
// single mutex. It provides exactly-once allocation for a single instance only;
// multi-instance deployments must use the PostgreSQL repository.
type MemoryRepository struct {
	mu sync.Mutex

	codes      map[string]*domain.DiscountCode
	seedOrder  []string
	tierOrder  map[string][]string
	firstIndex map[string]int

	redemptions []domain.RedemptionRecord
	byIdentity  map[string][]int
	redeemed    map[string]struct{}
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		codes:      make(map[string]*domain.DiscountCode),
		tierOrder:  make(map[string][]string),
		firstIndex: make(map[string]int),
		byIdentity: make(map[string][]int),
		redeemed:   make(map[string]struct{}),
	}
}

type stagedClaim struct {
	claimant string
	at       time.Time
}

type memoryClaimTx struct {
	repo     *MemoryRepository
	marked   map[string]stagedClaim
	appended []domain.RedemptionRecord
}

// WithinClaimTx holds the repository lock for the whole unit of work and applies
// staged changes only when fn succeeds and ctx is still live.
func (m *MemoryRepository) WithinClaimTx(ctx context.Context, identity string, fn func(tx ClaimTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryClaimTx{repo: m, marked: make(map[string]stagedClaim)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for code, claim := range tx.marked {
		claimant, at := claim.claimant, claim.at
		c := m.codes[code]
		c.Status = domain.CodeStatusUsed
		c.ClaimedBy = &claimant
		c.ClaimedAt = &at
	}
	for _, record := range tx.appended {
		m.redemptions = append(m.redemptions, record)
		m.byIdentity[record.Identity] = append(m.byIdentity[record.Identity], len(m.redemptions)-1)
		m.redeemed[record.Code] = struct{}{}
	}
	return nil
}

func (tx *memoryClaimTx) isFree(code string) bool {
	if tx.repo.codes[code].IsUsed() {
		return false
	}
	_, staged := tx.marked[code]
	return !staged
}

// firstUnused scans ids from the remembered cursor. Committed codes never return
// to unused, so the cursor only moves forward past them.
func (tx *memoryClaimTx) firstUnused(key string, ids []string) (*domain.DiscountCode, error) {
	m := tx.repo
	start := m.firstIndex[key]
	for start < len(ids) && m.codes[ids[start]].IsUsed() {
		start++
	}
	m.firstIndex[key] = start

	for _, id := range ids[start:] {
		if tx.isFree(id) {
			c := *m.codes[id]
			return &c, nil
		}
	}
	return nil, ErrNoUnusedCode
}

func (tx *memoryClaimTx) FindUnusedInTier(ctx context.Context, tierID string) (*domain.DiscountCode, error) {
	return tx.firstUnused("tier:"+tierID, tx.repo.tierOrder[tierID])
}

func (tx *memoryClaimTx) FindUnusedAny(ctx context.Context) (*domain.DiscountCode, error) {
	return tx.firstUnused("*", tx.repo.seedOrder)
}

func (tx *memoryClaimTx) MarkUsed(ctx context.Context, code string, claimant string, at time.Time) error {
	if _, ok := tx.repo.codes[code]; !ok {
		return ErrCodeNotFound
	}
	if !tx.isFree(code) {
		return ErrCodeAlreadyUsed
	}
	tx.marked[code] = stagedClaim{claimant: claimant, at: at.UTC()}
	return nil
}

func (tx *memoryClaimTx) FindCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	c, ok := tx.repo.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	out := *c
	if claim, staged := tx.marked[code]; staged {
		claimant, at := claim.claimant, claim.at
		out.Status = domain.CodeStatusUsed
		out.ClaimedBy = &claimant
		out.ClaimedAt = &at
	}
	return &out, nil
}

func (tx *memoryClaimTx) FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	best, err := tx.repo.findRecentLocked(identity, windowStart)
	for i := range tx.appended {
		r := tx.appended[i]
		if r.Identity != identity || r.AllocatedAt.Before(windowStart) {
			continue
		}
		if best == nil || r.AllocatedAt.After(best.AllocatedAt) {
			best, err = &r, nil
		}
	}
	return best, err
}

func (tx *memoryClaimTx) AppendRedemption(ctx context.Context, record domain.RedemptionRecord) error {
	if _, exists := tx.repo.redeemed[record.Code]; exists {
		return ErrDuplicateRedemption
	}
	for _, staged := range tx.appended {
		if staged.Code == record.Code {
			return ErrDuplicateRedemption
		}
	}
	record.AllocatedAt = record.AllocatedAt.UTC()
	tx.appended = append(tx.appended, record)
	return nil
}

func (m *MemoryRepository) findRecentLocked(identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	var best *domain.RedemptionRecord
	for _, idx := range m.byIdentity[identity] {
		r := m.redemptions[idx]
		if r.AllocatedAt.Before(windowStart) {
			continue
		}
		if best == nil || r.AllocatedAt.After(best.AllocatedAt) {
			rec := r
			best = &rec
		}
	}
	if best == nil {
		return nil, ErrRedemptionNotFound
	}
	return best, nil
}

// FindRecentByIdentity returns the newest record for identity allocated at or after windowStart.
func (m *MemoryRepository) FindRecentByIdentity(ctx context.Context, identity string, windowStart time.Time) (*domain.RedemptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findRecentLocked(identity, windowStart)
}

// FindCode looks up a code by value.
func (m *MemoryRepository) FindCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	out := *c
	return &out, nil
}

// TierCounts reports totals per tier, ordered by tier id.
func (m *MemoryRepository) TierCounts(ctx context.Context) ([]domain.TierCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make([]domain.TierCount, 0, len(m.tierOrder))
	for tierID, ids := range m.tierOrder {
		tc := domain.TierCount{TierID: tierID, Total: int64(len(ids))}
		for _, id := range ids {
			if m.codes[id].IsUsed() {
				tc.Used++
			}
		}
		tc.Remaining = tc.Total - tc.Used
		counts = append(counts, tc)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].TierID < counts[j].TierID })
	return counts, nil
}

// RecentRedemptions returns up to limit records, newest first.
func (m *MemoryRepository) RecentRedemptions(ctx context.Context, limit int) ([]domain.RedemptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.RedemptionRecord, len(m.redemptions))
	copy(out, m.redemptions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AllocatedAt.After(out[j].AllocatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountRedemptions returns the lifetime number of ledger entries.
func (m *MemoryRepository) CountRedemptions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.redemptions)), nil
}

// SeedCodes adds codes that are not already present.
func (m *MemoryRepository) SeedCodes(ctx context.Context, codes []domain.DiscountCode) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, code := range codes {
		if _, exists := m.codes[code.Code]; exists {
			continue
		}
		m.codes[code.Code] = &domain.DiscountCode{
			Code:   code.Code,
			TierID: code.TierID,
			Status: domain.CodeStatusUnused,
		}
		m.seedOrder = append(m.seedOrder, code.Code)
		m.tierOrder[code.TierID] = append(m.tierOrder[code.TierID], code.Code)
		inserted++
	}
	return inserted, nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }
