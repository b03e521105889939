package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSQLiteRepository(t *testing.T) Repository {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "rewards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepositoryContract(t *testing.T) {
	runRepositoryContract(t, newSQLiteRepository)
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("   ")
	require.ErrorIs(t, err, ErrSQLitePathRequired)
}

func TestSQLiteRepository_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rewards.db")

	repo, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = repo.SeedCodes(ctx, seedCodes("gold", "G1", "G2"))
	require.NoError(t, err)
	_, err = claimInTier(ctx, repo, "x@example.com", "gold", contractNow)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	record, err := reopened.FindRecentByIdentity(ctx, "x@example.com", contractNow.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, "G1", record.Code)

	counts, err := reopened.TierCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[0].Used)
}
