/**
 * @description
 * This file contains the allocation engine for the reward-service. The `Service`
 * enforces the one-reward-per-identity window, replays earlier allocations,
 * draws or honours a prize tier, degrades to any tier with stock, and records
 * every allocation in the ledger within a single store transaction.
 *
 * @dependencies
 * - github.com/google/uuid: redemption and event ids.
 * - internal/catalog, internal/store, internal/metrics: tiers, persistence, telemetry.
 * - pkg/rabbitmq: reward event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/transfa/reward-service/internal/catalog"
	"github.com/transfa/reward-service/internal/domain"
	"github.com/transfa/reward-service/internal/metrics"
	"github.com/transfa/reward-service/internal/store"
	"github.com/transfa/reward-service/pkg/rabbitmq"
)

const (
	maxIdentityLength       = 254
	defaultOperatorPageSize = 50
	maxOperatorPageSize     = 500
	defaultClaimWindow      = 30 * 24 * time.Hour
	defaultEventsExchange   = "reward_events"
	eventPublishTimeout     = 5 * time.Second
)

// ErrUnknownTier is returned when seeding references a tier missing from the catalog.
var ErrUnknownTier = errors.New("unknown prize tier")

// Options tunes the allocation engine. Zero values fall back to defaults.
type Options struct {
	ClaimWindow      time.Duration
	UnresolvedPolicy domain.UnresolvedClaimPolicy
	RecentFeedLimit  int
	EventsExchange   string
	Now              func() time.Time
}

// Service provides the reward allocation use cases.
type Service struct {
	repo     store.Repository
	catalog  *catalog.Catalog
	producer rabbitmq.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	window      time.Duration
	policy      domain.UnresolvedClaimPolicy
	recentLimit int
	exchange    string
	now         func() time.Time
}

// NewService creates a new reward service instance.
func NewService(repo store.Repository, cat *catalog.Catalog, producer rabbitmq.Publisher, m *metrics.Metrics, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	s := &Service{
		repo:        repo,
		catalog:     cat,
		producer:    producer,
		metrics:     m,
		logger:      logger,
		window:      opts.ClaimWindow,
		policy:      opts.UnresolvedPolicy,
		recentLimit: opts.RecentFeedLimit,
		exchange:    opts.EventsExchange,
		now:         opts.Now,
	}
	if s.window <= 0 {
		s.window = defaultClaimWindow
	}
	if !s.policy.Valid() {
		s.policy = domain.UnresolvedClaimBlock
	}
	if s.recentLimit < 0 {
		s.recentLimit = 0
	}
	if s.exchange == "" {
		s.exchange = defaultEventsExchange
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ClaimReward allocates a discount code to the requesting identity, or replays
// the allocation it already received inside the claim window.
func (s *Service) ClaimReward(ctx context.Context, req domain.ClaimRewardRequest) (*domain.ClaimRewardResult, error) {
	started := time.Now()

	identity, requestedTier, err := s.validateClaim(req)
	if err != nil {
		s.metrics.ObserveClaim(metrics.OutcomeInvalid, time.Since(started))
		return nil, err
	}

	now := s.now().UTC()
	windowStart := now.Add(-s.window)

	if result, err := s.replayOutsideTx(ctx, identity, windowStart); err != nil {
		s.metrics.ObserveClaim(metrics.OutcomeError, time.Since(started))
		return nil, err
	} else if result != nil {
		s.metrics.ObserveClaim(metrics.OutcomeReplay, time.Since(started))
		return result, nil
	}

	var (
		result     *domain.ClaimRewardResult
		allocated  *domain.RedemptionRecord
		unresolved *domain.RedemptionRecord
	)
	txErr := s.repo.WithinClaimTx(ctx, identity, func(tx store.ClaimTx) error {
		// A concurrent request for this identity may have committed since the fast path.
		recent, err := tx.FindRecentByIdentity(ctx, identity, windowStart)
		switch {
		case err == nil:
			code, findErr := tx.FindCode(ctx, recent.Code)
			if findErr == nil {
				result = s.shapeResult(recent.TierID, code.Code, recent.AllocatedAt)
				result.Replay = true
				return nil
			}
			if !errors.Is(findErr, store.ErrCodeNotFound) {
				return findErr
			}
			if s.policy == domain.UnresolvedClaimBlock {
				unresolved = recent
				return domain.ErrRateLimitUnresolved
			}
			s.logger.Warn("reallocating over unresolved redemption", "component", "allocation", "redemption_id", recent.ID, "code", recent.Code)
		case errors.Is(err, store.ErrRedemptionNotFound):
		default:
			return err
		}

		target := requestedTier
		if target == "" {
			target = s.catalog.SelectRandomTier()
		}

		code, err := tx.FindUnusedInTier(ctx, target)
		if errors.Is(err, store.ErrNoUnusedCode) {
			code, err = tx.FindUnusedAny(ctx)
		}
		if errors.Is(err, store.ErrNoUnusedCode) {
			return domain.ErrInventoryExhausted
		}
		if err != nil {
			return err
		}

		if err := tx.MarkUsed(ctx, code.Code, identity, now); err != nil {
			return err
		}
		record := domain.RedemptionRecord{
			ID:          uuid.New(),
			Identity:    identity,
			TierID:      code.TierID,
			Code:        code.Code,
			AllocatedAt: now,
		}
		if err := tx.AppendRedemption(ctx, record); err != nil {
			return err
		}

		allocated = &record
		result = s.shapeResult(code.TierID, code.Code, now)
		result.Degraded = code.TierID != target
		return nil
	})

	if txErr != nil {
		return nil, s.handleClaimFailure(ctx, txErr, identity, unresolved, started)
	}

	if result.Replay {
		s.metrics.ObserveClaim(metrics.OutcomeReplay, time.Since(started))
		return result, nil
	}

	outcome := metrics.OutcomeAllocated
	if result.Degraded {
		outcome = metrics.OutcomeDegraded
		s.logger.Info("claimed tier exhausted; awarded another tier", "component", "allocation", "requested_tier", requestedTier, "tier", result.Tier)
	}
	s.metrics.ObserveClaim(outcome, time.Since(started))

	s.publish(ctx, domain.RoutingKeyRewardClaimed, domain.RewardClaimedEvent{
		EventID:      uuid.New(),
		RedemptionID: allocated.ID,
		Identity:     allocated.Identity,
		TierID:       allocated.TierID,
		Code:         allocated.Code,
		AllocatedAt:  allocated.AllocatedAt,
	})
	return result, nil
}

func (s *Service) replayOutsideTx(ctx context.Context, identity string, windowStart time.Time) (*domain.ClaimRewardResult, error) {
	recent, err := s.repo.FindRecentByIdentity(ctx, identity, windowStart)
	if errors.Is(err, store.ErrRedemptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "find recent redemption", Err: err}
	}

	code, err := s.repo.FindCode(ctx, recent.Code)
	if errors.Is(err, store.ErrCodeNotFound) {
		// Resolved under the claim transaction, where the unresolved policy applies.
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "find code", Err: err}
	}

	result := s.shapeResult(recent.TierID, code.Code, recent.AllocatedAt)
	result.Replay = true
	return result, nil
}

func (s *Service) handleClaimFailure(ctx context.Context, err error, identity string, unresolved *domain.RedemptionRecord, started time.Time) error {
	switch {
	case errors.Is(err, domain.ErrRateLimitUnresolved):
		s.metrics.ObserveClaim(metrics.OutcomeUnresolved, time.Since(started))
		code := ""
		if unresolved != nil {
			code = unresolved.Code
		}
		s.logger.Error("redemption references a code missing from inventory", "component", "allocation", "identity", identity, "code", code)
		s.publish(ctx, domain.RoutingKeyRewardClaimUnresolved, domain.RewardClaimUnresolvedEvent{
			EventID:    uuid.New(),
			Identity:   identity,
			Code:       code,
			ObservedAt: s.now().UTC(),
		})
		return domain.ErrRateLimitUnresolved
	case errors.Is(err, domain.ErrInventoryExhausted):
		s.metrics.ObserveClaim(metrics.OutcomeExhausted, time.Since(started))
		s.logger.Warn("reward inventory exhausted", "component", "allocation")
		return domain.ErrInventoryExhausted
	default:
		s.metrics.ObserveClaim(metrics.OutcomeError, time.Since(started))
		s.logger.Error("claim transaction failed", "component", "allocation", "error", err)
		return &domain.StorageError{Op: "claim reward", Err: err}
	}
}

func (s *Service) shapeResult(tierID, code string, allocatedAt time.Time) *domain.ClaimRewardResult {
	result := &domain.ClaimRewardResult{
		Code:        code,
		Tier:        tierID,
		AllocatedAt: allocatedAt,
	}
	if tier, ok := s.catalog.Tier(tierID); ok {
		result.Description = tier.Description
		result.DiscountKind = tier.DiscountKind
		result.DiscountValue = tier.DiscountValue
	}
	return result
}

func (s *Service) validateClaim(req domain.ClaimRewardRequest) (string, string, error) {
	identity, err := NormalizeIdentity(req.Identity)
	if err != nil {
		return "", "", err
	}
	tier := strings.TrimSpace(req.Tier)
	if tier != "" && !s.catalog.IsValidTier(tier) {
		return "", "", domain.NewValidationError("tier", fmt.Sprintf("unknown tier %q", tier))
	}
	return identity, tier, nil
}

// NormalizeIdentity validates an email-shaped identity and returns it trimmed
// and lower-cased.
func NormalizeIdentity(raw string) (string, error) {
	identity := strings.TrimSpace(raw)
	if identity == "" {
		return "", domain.NewValidationError("identity", "identity is required")
	}
	if len(identity) > maxIdentityLength {
		return "", domain.NewValidationError("identity", fmt.Sprintf("identity must be at most %d characters", maxIdentityLength))
	}
	if strings.IndexFunc(identity, unicode.IsSpace) >= 0 {
		return "", domain.NewValidationError("identity", "identity must not contain whitespace")
	}
	at := strings.LastIndex(identity, "@")
	if at <= 0 || at == len(identity)-1 {
		return "", domain.NewValidationError("identity", "identity must be an email address")
	}
	return strings.ToLower(identity), nil
}

// Stats summarizes inventory per tier and the most recent allocations. The
// recent feed never includes identities.
func (s *Service) Stats(ctx context.Context) (*domain.RewardStats, error) {
	counts, err := s.repo.TierCounts(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "tier counts", Err: err}
	}
	redemptions, err := s.repo.CountRedemptions(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "count redemptions", Err: err}
	}

	stats := &domain.RewardStats{
		TotalRedemptions: redemptions,
		Tiers:            make(map[string]domain.TierCount),
		Recent:           []domain.RecentRedemption{},
	}
	for _, tier := range s.catalog.ListTiers() {
		stats.Tiers[tier.ID] = domain.TierCount{TierID: tier.ID}
	}
	for _, count := range counts {
		stats.Tiers[count.TierID] = count
		stats.TotalCodes += count.Total
		stats.TotalUsed += count.Used
		stats.TotalRemaining += count.Remaining
	}

	if s.recentLimit > 0 {
		recent, err := s.repo.RecentRedemptions(ctx, s.recentLimit)
		if err != nil {
			return nil, &domain.StorageError{Op: "recent redemptions", Err: err}
		}
		for _, record := range recent {
			stats.Recent = append(stats.Recent, domain.RecentRedemption{
				Code:      record.Code,
				Tier:      record.TierID,
				ClaimedAt: record.AllocatedAt,
			})
		}
	}
	return stats, nil
}

// OperatorRedemptions returns full ledger entries, newest first.
func (s *Service) OperatorRedemptions(ctx context.Context, limit int) ([]domain.RedemptionRecord, error) {
	if limit <= 0 {
		limit = defaultOperatorPageSize
	}
	if limit > maxOperatorPageSize {
		limit = maxOperatorPageSize
	}
	records, err := s.repo.RecentRedemptions(ctx, limit)
	if err != nil {
		return nil, &domain.StorageError{Op: "recent redemptions", Err: err}
	}
	if records == nil {
		records = []domain.RedemptionRecord{}
	}
	return records, nil
}

// SeedInventory inserts codes that are not yet present. Codes for tiers missing
// from the catalog are rejected before anything is written.
func (s *Service) SeedInventory(ctx context.Context, codes []domain.DiscountCode) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	batch := make([]domain.DiscountCode, 0, len(codes))
	for _, code := range codes {
		code.Code = strings.TrimSpace(code.Code)
		code.TierID = strings.TrimSpace(code.TierID)
		if code.Code == "" {
			return 0, domain.NewValidationError("code", "code value must not be blank")
		}
		if !s.catalog.IsValidTier(code.TierID) {
			return 0, fmt.Errorf("%w: %s (code %s)", ErrUnknownTier, code.TierID, code.Code)
		}
		code.Status = domain.CodeStatusUnused
		code.ClaimedBy = nil
		code.ClaimedAt = nil
		batch = append(batch, code)
	}

	inserted, err := s.repo.SeedCodes(ctx, batch)
	if err != nil {
		return 0, &domain.StorageError{Op: "seed codes", Err: err}
	}
	s.logger.Info("seeded reward inventory", "component", "seed", "offered", len(batch), "inserted", inserted)
	return inserted, nil
}

// VerifyInventory fails when stored inventory still holds unused codes for a
// tier the catalog does not know. The degraded fallback draws from any tier, so
// such codes would otherwise be handed out under a retired tier.
func (s *Service) VerifyInventory(ctx context.Context) error {
	counts, err := s.repo.TierCounts(ctx)
	if err != nil {
		return &domain.StorageError{Op: "tier counts", Err: err}
	}
	var unknown []string
	for _, count := range counts {
		if count.Remaining > 0 && !s.catalog.IsValidTier(count.TierID) {
			unknown = append(unknown, fmt.Sprintf("%s (%d unused)", count.TierID, count.Remaining))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: inventory holds codes for %s", ErrUnknownTier, strings.Join(unknown, ", "))
	}
	return nil
}

// publish is best effort: failures are logged and never undo a committed allocation.
func (s *Service) publish(ctx context.Context, routingKey string, event interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := s.producer.Publish(pubCtx, s.exchange, routingKey, event); err != nil {
		s.logger.Error("failed to publish reward event", "component", "events", "routing_key", routingKey, "error", err)
	}
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
