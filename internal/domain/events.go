/**
 * @description
 * Events published to the reward exchange after claims and inventory checks,
 * with their routing keys.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoutingKeyRewardClaimed         = "reward.claimed"
	RoutingKeyInventoryLow          = "reward.inventory.low"
	RoutingKeyRewardClaimUnresolved = "reward.claim.unresolved"
)

// RewardClaimedEvent is published after a fresh allocation commits. The
// notification layer consumes it to deliver the code.
type RewardClaimedEvent struct {
	EventID      uuid.UUID `json:"event_id"`
	RedemptionID uuid.UUID `json:"redemption_id"`
	Identity     string    `json:"identity"`
	TierID       string    `json:"tier_id"`
	Code         string    `json:"code"`
	AllocatedAt  time.Time `json:"allocated_at"`
}

// InventoryLowEvent is published by the inventory monitor when a tier drops to
// or below the configured threshold.
type InventoryLowEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	TierID     string    `json:"tier_id"`
	Remaining  int64     `json:"remaining"`
	Total      int64     `json:"total"`
	Threshold  int64     `json:"threshold"`
	ObservedAt time.Time `json:"observed_at"`
}

// RewardClaimUnresolvedEvent alerts operators to a ledger entry whose code is
// missing from the inventory.
type RewardClaimUnresolvedEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	Identity   string    `json:"identity"`
	Code       string    `json:"code"`
	ObservedAt time.Time `json:"observed_at"`
}
