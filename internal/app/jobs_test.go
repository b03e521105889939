package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/reward-service/internal/domain"
	"github.com/transfa/reward-service/internal/store"
)

func TestCheckInventory_AlertsOncePerLowTier(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryRepository(), Options{})
	seed(t, env, "TierA", "A1", "A2", "A3")
	seed(t, env, "TierB", "B1", "B2", "B3", "B4")
	jobs := NewJobs(env.service, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, jobs.checkInventory(ctx))
	assert.Empty(t, env.publisher.byRoutingKey(domain.RoutingKeyInventoryLow))

	_, err := claim(env, "x@example.com", "TierA")
	require.NoError(t, err)

	require.NoError(t, jobs.checkInventory(ctx))
	require.NoError(t, jobs.checkInventory(ctx))

	alerts := env.publisher.byRoutingKey(domain.RoutingKeyInventoryLow)
	require.Len(t, alerts, 1)
	event := alerts[0].body.(domain.InventoryLowEvent)
	assert.Equal(t, "TierA", event.TierID)
	assert.EqualValues(t, 2, event.Remaining)
	assert.EqualValues(t, 3, event.Total)
	assert.EqualValues(t, 2, event.Threshold)

	series, err := testutil.GatherAndCount(env.service.metrics.Registry(), "reward_codes_remaining")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestCheckInventory_RearmsAfterRestock(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryRepository(), Options{})
	seed(t, env, "TierA", "A1")
	seed(t, env, "TierB", "B1", "B2", "B3")
	jobs := NewJobs(env.service, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, jobs.checkInventory(ctx))
	require.Len(t, env.publisher.byRoutingKey(domain.RoutingKeyInventoryLow), 1)

	seed(t, env, "TierA", "A2", "A3")
	require.NoError(t, jobs.checkInventory(ctx))

	_, err := claim(env, "x@example.com", "TierA")
	require.NoError(t, err)
	_, err = claim(env, "y@example.com", "TierA")
	require.NoError(t, err)
	require.NoError(t, jobs.checkInventory(ctx))

	assert.Len(t, env.publisher.byRoutingKey(domain.RoutingKeyInventoryLow), 2)
}
