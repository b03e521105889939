/**
 * @description
 * Request and response shapes for claiming a reward, the public and operator
 * views of the redemption ledger, and the policy for unresolved claims.
 */
package domain

import "time"

// ClaimRewardRequest is the payload accepted by the claim endpoint.
type ClaimRewardRequest struct {
	Identity string `json:"identity"`
	Tier     string `json:"tier,omitempty"`
}

// ClaimRewardResult is returned by the allocation engine for both fresh
// allocations and replays.
type ClaimRewardResult struct {
	Replay        bool         `json:"replay"`
	Degraded      bool         `json:"degraded"`
	Code          string       `json:"code"`
	Tier          string       `json:"tier"`
	Description   string       `json:"description"`
	DiscountKind  DiscountKind `json:"discount_kind"`
	DiscountValue float64      `json:"discount_value"`
	AllocatedAt   time.Time    `json:"allocated_at"`
}

// RecentRedemption is the public view of a ledger entry. It never carries the
// claimant identity.
type RecentRedemption struct {
	Code      string    `json:"code"`
	Tier      string    `json:"tier"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// RewardStats is the read-only inventory and ledger summary.
type RewardStats struct {
	TotalCodes       int64                `json:"totalCodes"`
	TotalUsed        int64                `json:"totalUsed"`
	TotalRemaining   int64                `json:"totalRemaining"`
	TotalRedemptions int64                `json:"totalRedemptions"`
	Tiers            map[string]TierCount `json:"tiers"`
	Recent           []RecentRedemption   `json:"recent"`
}

// UnresolvedClaimPolicy decides what happens when an identity has a ledger entry
// inside the window whose code can no longer be found in the inventory.
type UnresolvedClaimPolicy string

const (
	// UnresolvedClaimBlock rejects the claim and raises an operator alert.
	UnresolvedClaimBlock UnresolvedClaimPolicy = "block"
	// UnresolvedClaimReallocate ignores the dangling entry and allocates a fresh code.
	UnresolvedClaimReallocate UnresolvedClaimPolicy = "reallocate"
)

func (p UnresolvedClaimPolicy) Valid() bool {
	return p == UnresolvedClaimBlock || p == UnresolvedClaimReallocate
}
