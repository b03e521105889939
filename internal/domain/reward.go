/**
 * @description
 * Domain models for the reward-service: prize tiers, the discount code inventory,
 * and the redemption ledger.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// DiscountKind describes the shape of a tier's discount.
type DiscountKind string

const (
	DiscountPercentage  DiscountKind = "percentage"
	DiscountFixedAmount DiscountKind = "fixed_amount"
	DiscountFreeItem    DiscountKind = "free_item"
)

// Valid reports whether k is one of the supported discount kinds.
func (k DiscountKind) Valid() bool {
	switch k {
	case DiscountPercentage, DiscountFixedAmount, DiscountFreeItem:
		return true
	}
	return false
}

// PrizeTier is a named category of reward with its own inventory partition.
type PrizeTier struct {
	ID            string       `json:"id" mapstructure:"id"`
	Description   string       `json:"description" mapstructure:"description"`
	DiscountKind  DiscountKind `json:"discount_kind" mapstructure:"discount_kind"`
	DiscountValue float64      `json:"discount_value" mapstructure:"discount_value"`
	Weight        float64      `json:"weight" mapstructure:"weight"`
}

// CodeStatus is the usage state of a discount code.
type CodeStatus string

const (
	CodeStatusUnused CodeStatus = "unused"
	CodeStatusUsed   CodeStatus = "used"
)

// DiscountCode is a single issuable code. ClaimedBy and ClaimedAt are either both
// nil (unused) or both set (used).
type DiscountCode struct {
	Code      string     `json:"code"`
	TierID    string     `json:"tier_id"`
	Status    CodeStatus `json:"status"`
	ClaimedBy *string    `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// IsUsed reports whether the code has been allocated.
func (c DiscountCode) IsUsed() bool {
	return c.Status == CodeStatusUsed
}

// RedemptionRecord is an append-only audit entry for one successful allocation.
type RedemptionRecord struct {
	ID          uuid.UUID `json:"id"`
	Identity    string    `json:"identity"`
	TierID      string    `json:"tier_id"`
	Code        string    `json:"code"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// TierCount summarizes inventory for one tier.
type TierCount struct {
	TierID    string `json:"-"`
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}
