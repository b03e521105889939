package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/transfa/reward-service/internal/domain"
)

var contractNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedCodes(tier string, values ...string) []domain.DiscountCode {
	codes := make([]domain.DiscountCode, 0, len(values))
	for _, v := range values {
		codes = append(codes, domain.DiscountCode{Code: v, TierID: tier})
	}
	return codes
}

// claimInTier runs the select, mark, append sequence the allocation engine uses.
func claimInTier(ctx context.Context, repo Repository, identity, tier string, at time.Time) (*domain.RedemptionRecord, error) {
	var record *domain.RedemptionRecord
	err := repo.WithinClaimTx(ctx, identity, func(tx ClaimTx) error {
		code, err := tx.FindUnusedInTier(ctx, tier)
		if errors.Is(err, ErrNoUnusedCode) {
			code, err = tx.FindUnusedAny(ctx)
		}
		if err != nil {
			return err
		}
		if err := tx.MarkUsed(ctx, code.Code, identity, at); err != nil {
			return err
		}
		rec := domain.RedemptionRecord{ID: uuid.New(), Identity: identity, TierID: code.TierID, Code: code.Code, AllocatedAt: at}
		if err := tx.AppendRedemption(ctx, rec); err != nil {
			return err
		}
		record = &rec
		return nil
	})
	return record, err
}

func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("seeding is idempotent", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		inserted, err := repo.SeedCodes(ctx, append(seedCodes("gold", "G1", "G2"), seedCodes("silver", "S1")...))
		require.NoError(t, err)
		require.Equal(t, 3, inserted)

		inserted, err = repo.SeedCodes(ctx, append(seedCodes("gold", "G1", "G2"), seedCodes("silver", "S2")...))
		require.NoError(t, err)
		require.Equal(t, 1, inserted)

		counts, err := repo.TierCounts(ctx)
		require.NoError(t, err)
		require.Equal(t, []domain.TierCount{
			{TierID: "gold", Total: 2, Used: 0, Remaining: 2},
			{TierID: "silver", Total: 2, Used: 0, Remaining: 2},
		}, counts)
	})

	t.Run("claim marks code used and appends ledger entry", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.SeedCodes(ctx, seedCodes("gold", "G1", "G2"))
		require.NoError(t, err)

		record, err := claimInTier(ctx, repo, "x@example.com", "gold", contractNow)
		require.NoError(t, err)
		require.Equal(t, "G1", record.Code, "oldest seeded code is allocated first")

		code, err := repo.FindCode(ctx, "G1")
		require.NoError(t, err)
		require.True(t, code.IsUsed())
		require.NotNil(t, code.ClaimedBy)
		require.NotNil(t, code.ClaimedAt)
		require.Equal(t, "x@example.com", *code.ClaimedBy)
		require.True(t, code.ClaimedAt.Equal(contractNow))

		found, err := repo.FindRecentByIdentity(ctx, "x@example.com", contractNow.Add(-time.Hour))
		require.NoError(t, err)
		require.Equal(t, record.ID, found.ID)
		require.Equal(t, "G1", found.Code)
		require.True(t, found.AllocatedAt.Equal(contractNow))

		// A record allocated exactly at the window start is still inside it.
		atBoundary, err := repo.FindRecentByIdentity(ctx, "x@example.com", contractNow)
		require.NoError(t, err)
		require.Equal(t, record.ID, atBoundary.ID)

		_, err = repo.FindRecentByIdentity(ctx, "x@example.com", contractNow.Add(time.Microsecond))
		require.ErrorIs(t, err, ErrRedemptionNotFound)

		count, err := repo.CountRedemptions(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, count)
	})

	t.Run("failed unit of work leaves no trace", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.SeedCodes(ctx, seedCodes("gold", "G1"))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = repo.WithinClaimTx(ctx, "x@example.com", func(tx ClaimTx) error {
			code, err := tx.FindUnusedInTier(ctx, "gold")
			if err != nil {
				return err
			}
			if err := tx.MarkUsed(ctx, code.Code, "x@example.com", contractNow); err != nil {
				return err
			}
			if err := tx.AppendRedemption(ctx, domain.RedemptionRecord{ID: uuid.New(), Identity: "x@example.com", TierID: "gold", Code: code.Code, AllocatedAt: contractNow}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		code, err := repo.FindCode(ctx, "G1")
		require.NoError(t, err)
		require.False(t, code.IsUsed())
		require.Nil(t, code.ClaimedBy)
		require.Nil(t, code.ClaimedAt)

		count, err := repo.CountRedemptions(ctx)
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("mark used is conditional", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.SeedCodes(ctx, seedCodes("gold", "G1"))
		require.NoError(t, err)

		_, err = claimInTier(ctx, repo, "x@example.com", "gold", contractNow)
		require.NoError(t, err)

		err = repo.WithinClaimTx(ctx, "y@example.com", func(tx ClaimTx) error {
			return tx.MarkUsed(ctx, "G1", "y@example.com", contractNow)
		})
		require.ErrorIs(t, err, ErrCodeAlreadyUsed)

		code, err := repo.FindCode(ctx, "G1")
		require.NoError(t, err)
		require.Equal(t, "x@example.com", *code.ClaimedBy)
	})

	t.Run("exhausted tier falls back to any tier", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.SeedCodes(ctx, append(seedCodes("gold", "G1"), seedCodes("silver", "S1")...))
		require.NoError(t, err)

		_, err = claimInTier(ctx, repo, "a@example.com", "gold", contractNow)
		require.NoError(t, err)

		err = repo.WithinClaimTx(ctx, "b@example.com", func(tx ClaimTx) error {
			_, err := tx.FindUnusedInTier(ctx, "gold")
			require.ErrorIs(t, err, ErrNoUnusedCode)
			code, err := tx.FindUnusedAny(ctx)
			require.NoError(t, err)
			require.Equal(t, "S1", code.Code)
			return nil
		})
		require.NoError(t, err)

		_, err = claimInTier(ctx, repo, "b@example.com", "gold", contractNow)
		require.NoError(t, err)
		_, err = claimInTier(ctx, repo, "c@example.com", "gold", contractNow)
		require.ErrorIs(t, err, ErrNoUnusedCode)
	})

	t.Run("unknown code", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.FindCode(context.Background(), "missing")
		require.ErrorIs(t, err, ErrCodeNotFound)
	})

	t.Run("recent redemptions are newest first and bounded", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.SeedCodes(ctx, seedCodes("gold", "G1", "G2", "G3"))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := claimInTier(ctx, repo, fmt.Sprintf("user%d@example.com", i), "gold", contractNow.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
		}

		recent, err := repo.RecentRedemptions(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		require.Equal(t, "G3", recent[0].Code)
		require.Equal(t, "G2", recent[1].Code)
	})

	t.Run("concurrent claims never share a code", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		values := make([]string, 10)
		for i := range values {
			values[i] = fmt.Sprintf("C%02d", i)
		}
		_, err := repo.SeedCodes(ctx, seedCodes("gold", values...))
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			allocated = map[string]string{}
			exhausted int
			failures  []error
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				identity := fmt.Sprintf("racer%d@example.com", i)
				record, err := claimInTier(ctx, repo, identity, "gold", contractNow)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, ErrNoUnusedCode):
					exhausted++
				case err != nil:
					failures = append(failures, err)
				default:
					if prev, dup := allocated[record.Code]; dup {
						failures = append(failures, fmt.Errorf("code %s allocated to %s and %s", record.Code, prev, identity))
					}
					allocated[record.Code] = identity
				}
			}(i)
		}
		wg.Wait()

		require.Empty(t, failures)
		require.Len(t, allocated, 10)
		require.Equal(t, 40, exhausted)

		counts, err := repo.TierCounts(ctx)
		require.NoError(t, err)
		require.Equal(t, []domain.TierCount{{TierID: "gold", Total: 10, Used: 10, Remaining: 0}}, counts)
	})
}
