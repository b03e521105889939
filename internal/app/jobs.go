/**
 * @description
 * Scheduled inventory monitoring. Each run refreshes the per-tier stock gauges
 * and raises a low-inventory alert once per tier when its remaining stock drops
 * to or below the configured threshold.
 */
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/reward-service/internal/domain"
)

const inventoryCheckTimeout = 30 * time.Second

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service   *Service
	threshold int64
	logger    *slog.Logger

	mu      sync.Mutex
	alerted map[string]bool
}

// NewJobs creates a new Jobs runner.
func NewJobs(service *Service, lowInventoryThreshold int, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		service:   service,
		threshold: int64(lowInventoryThreshold),
		logger:    logger,
		alerted:   make(map[string]bool),
	}
}

// CheckInventory is the cron entry point.
func (j *Jobs) CheckInventory() {
	ctx, cancel := context.WithTimeout(context.Background(), inventoryCheckTimeout)
	defer cancel()

	if err := j.checkInventory(ctx); err != nil {
		j.logger.Error("inventory check failed", "error", err)
	}
}

func (j *Jobs) checkInventory(ctx context.Context) error {
	stats, err := j.service.Stats(ctx)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.service.now().UTC()
	for tierID, count := range stats.Tiers {
		j.service.metrics.SetCodesRemaining(tierID, count.Remaining)

		if count.Total == 0 || count.Remaining > j.threshold {
			delete(j.alerted, tierID)
			continue
		}
		if j.alerted[tierID] {
			continue
		}

		j.alerted[tierID] = true
		j.service.metrics.IncLowInventory(tierID)
		j.logger.Warn("reward inventory low", "tier", tierID, "remaining", count.Remaining, "total", count.Total, "threshold", j.threshold)
		j.service.publish(ctx, domain.RoutingKeyInventoryLow, domain.InventoryLowEvent{
			EventID:    uuid.New(),
			TierID:     tierID,
			Remaining:  count.Remaining,
			Total:      count.Total,
			Threshold:  j.threshold,
			ObservedAt: now,
		})
	}

	j.logger.Info("inventory check finished", "total_remaining", stats.TotalRemaining, "total_redemptions", stats.TotalRedemptions)
	return nil
}
