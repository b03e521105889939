package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func openPostgresTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("REWARD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("REWARD_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewPostgresRepository(pool)
	require.NoError(t, repo.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE reward_redemptions, reward_codes RESTART IDENTITY`)
	require.NoError(t, err)
	return repo
}

// TestPostgresRepositoryContract runs against a disposable database named by
// REWARD_TEST_DATABASE_URL. The reward tables are truncated before every case.
func TestPostgresRepositoryContract(t *testing.T) {
	if strings.TrimSpace(os.Getenv("REWARD_TEST_DATABASE_URL")) == "" {
		t.Skip("REWARD_TEST_DATABASE_URL not set")
	}
	runRepositoryContract(t, func(t *testing.T) Repository {
		return openPostgresTestRepository(t)
	})
}

func TestPostgresRepository_LockedLastCodeIsNotReportedExhausted(t *testing.T) {
	repo := openPostgresTestRepository(t)
	ctx := context.Background()
	_, err := repo.SeedCodes(ctx, seedCodes("gold", "G1"))
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- repo.WithinClaimTx(ctx, "holder@example.com", func(tx ClaimTx) error {
			if _, err := tx.FindUnusedInTier(ctx, "gold"); err != nil {
				return err
			}
			close(held)
			<-release
			return errors.New("holder abandoned claim")
		})
	}()
	<-held

	type selection struct {
		code string
		err  error
	}
	waiterDone := make(chan selection, 1)
	go func() {
		var got selection
		got.err = repo.WithinClaimTx(ctx, "waiter@example.com", func(tx ClaimTx) error {
			code, err := tx.FindUnusedInTier(ctx, "gold")
			if err != nil {
				return err
			}
			got.code = code.Code
			return nil
		})
		waiterDone <- got
	}()

	time.Sleep(200 * time.Millisecond)
	close(release)

	require.Error(t, <-holderDone)
	got := <-waiterDone
	require.NoError(t, got.err)
	require.Equal(t, "G1", got.code)
}
