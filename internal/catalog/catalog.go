/**
 * @description
 * The tier catalog holds the fixed set of prize tiers loaded at startup and
 * performs the weighted random tier draw used when a claim does not name a tier.
 *
 * @dependencies
 * - math/rand/v2: the random source is injected so draws are reproducible in tests.
 */
package catalog

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/transfa/reward-service/internal/domain"
)

var (
	ErrEmptyCatalog  = errors.New("tier catalog is empty")
	ErrNoDrawWeight  = errors.New("tier catalog has no positive selection weight")
	ErrDuplicateTier = errors.New("duplicate tier id")
)

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	tiers       []domain.PrizeTier
	byID        map[string]domain.PrizeTier
	totalWeight float64

	mu  sync.Mutex
	rng *rand.Rand
}

// New validates tiers and returns a catalog drawing from rng. A nil rng falls
// back to a randomly seeded PCG source.
func New(tiers []domain.PrizeTier, rng *rand.Rand) (*Catalog, error) {
	if len(tiers) == 0 {
		return nil, ErrEmptyCatalog
	}

	c := &Catalog{
		tiers: make([]domain.PrizeTier, 0, len(tiers)),
		byID:  make(map[string]domain.PrizeTier, len(tiers)),
		rng:   rng,
	}
	for _, tier := range tiers {
		tier.ID = strings.TrimSpace(tier.ID)
		if tier.ID == "" {
			return nil, errors.New("tier id must not be blank")
		}
		if _, exists := c.byID[tier.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTier, tier.ID)
		}
		if !tier.DiscountKind.Valid() {
			return nil, fmt.Errorf("tier %s: unknown discount kind %q", tier.ID, tier.DiscountKind)
		}
		if math.IsNaN(tier.Weight) || math.IsInf(tier.Weight, 0) {
			return nil, fmt.Errorf("tier %s: selection weight must be a finite number", tier.ID)
		}
		if tier.Weight < 0 {
			return nil, fmt.Errorf("tier %s: selection weight must not be negative", tier.ID)
		}
		c.tiers = append(c.tiers, tier)
		c.byID[tier.ID] = tier
		c.totalWeight += tier.Weight
	}
	if c.totalWeight <= 0 {
		return nil, ErrNoDrawWeight
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c, nil
}

// ListTiers returns the tiers in configuration order.
func (c *Catalog) ListTiers() []domain.PrizeTier {
	out := make([]domain.PrizeTier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// IsValidTier reports whether id names a configured tier.
func (c *Catalog) IsValidTier(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Tier returns the tier with the given id.
func (c *Catalog) Tier(id string) (domain.PrizeTier, bool) {
	tier, ok := c.byID[id]
	return tier, ok
}

// SelectRandomTier draws a tier id with probability proportional to its weight.
// Zero-weight tiers are never drawn.
func (c *Catalog) SelectRandomTier() string {
	c.mu.Lock()
	point := c.rng.Float64() * c.totalWeight
	c.mu.Unlock()

	var cumulative float64
	last := ""
	for _, tier := range c.tiers {
		if tier.Weight <= 0 {
			continue
		}
		cumulative += tier.Weight
		last = tier.ID
		if point < cumulative {
			return tier.ID
		}
	}
	// Float rounding can leave point == totalWeight.
	return last
}
