package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/transfa/reward-service/internal/domain"
)

// Promotion is the prize catalog plus the codes to seed into inventory.
type Promotion struct {
	Tiers []domain.PrizeTier
	Codes []domain.DiscountCode
}

type codeBatch struct {
	Tier   string   `mapstructure:"tier"`
	Values []string `mapstructure:"values"`
}

// DefaultTiers is the catalog used when no promotion file is configured.
func DefaultTiers() []domain.PrizeTier {
	return []domain.PrizeTier{
		{ID: "ten_off", Description: "10% off your next order", DiscountKind: domain.DiscountPercentage, DiscountValue: 10, Weight: 75},
		{ID: "five_dollars", Description: "$5 off your next order", DiscountKind: domain.DiscountFixedAmount, DiscountValue: 5, Weight: 20},
		{ID: "free_tote", Description: "A free tote bag with your next order", DiscountKind: domain.DiscountFreeItem, DiscountValue: 1, Weight: 5},
	}
}

// LoadPromotion reads a YAML or JSON promotion file. An empty path yields the
// default catalog with no codes to seed.
//
//	tiers:
//	  - id: ten_off
//	    description: 10% off
//	    discount_kind: percentage
//	    discount_value: 10
//	    weight: 75
//	codes:
//	  - tier: ten_off
//	    values: [TEN-0001, TEN-0002]
func LoadPromotion(path string) (Promotion, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Promotion{Tiers: DefaultTiers()}, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Promotion{}, fmt.Errorf("read promotion file %s: %w", path, err)
	}

	var promo Promotion
	if err := v.UnmarshalKey("tiers", &promo.Tiers); err != nil {
		return Promotion{}, fmt.Errorf("decode promotion tiers: %w", err)
	}
	if len(promo.Tiers) == 0 {
		return Promotion{}, fmt.Errorf("promotion file %s defines no tiers", path)
	}

	var batches []codeBatch
	if err := v.UnmarshalKey("codes", &batches); err != nil {
		return Promotion{}, fmt.Errorf("decode promotion codes: %w", err)
	}
	for _, batch := range batches {
		tier := strings.TrimSpace(batch.Tier)
		for _, value := range batch.Values {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			promo.Codes = append(promo.Codes, domain.DiscountCode{
				Code:   value,
				TierID: tier,
				Status: domain.CodeStatusUnused,
			})
		}
	}
	return promo, nil
}
