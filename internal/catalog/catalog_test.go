package catalog

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/transfa/reward-service/internal/domain"
)

func testTiers() []domain.PrizeTier {
	return []domain.PrizeTier{
		{ID: "ten_off", Description: "10% off", DiscountKind: domain.DiscountPercentage, DiscountValue: 10, Weight: 3},
		{ID: "five_dollars", Description: "$5 off", DiscountKind: domain.DiscountFixedAmount, DiscountValue: 5, Weight: 1},
		{ID: "free_tote", Description: "Free tote bag", DiscountKind: domain.DiscountFreeItem, DiscountValue: 0, Weight: 0},
	}
}

func TestNew_RejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		tiers   []domain.PrizeTier
		wantErr error
	}{
		{name: "empty", tiers: nil, wantErr: ErrEmptyCatalog},
		{
			name: "all weights zero",
			tiers: []domain.PrizeTier{
				{ID: "a", DiscountKind: domain.DiscountPercentage, Weight: 0},
				{ID: "b", DiscountKind: domain.DiscountFreeItem, Weight: 0},
			},
			wantErr: ErrNoDrawWeight,
		},
		{
			name: "duplicate id",
			tiers: []domain.PrizeTier{
				{ID: "a", DiscountKind: domain.DiscountPercentage, Weight: 1},
				{ID: " a ", DiscountKind: domain.DiscountPercentage, Weight: 1},
			},
			wantErr: ErrDuplicateTier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tiers, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_RejectsNegativeWeightAndUnknownKind(t *testing.T) {
	if _, err := New([]domain.PrizeTier{{ID: "a", DiscountKind: domain.DiscountPercentage, Weight: -1}}, nil); err == nil {
		t.Fatal("expected negative weight to be rejected")
	}
	if _, err := New([]domain.PrizeTier{{ID: "a", DiscountKind: "bogo", Weight: 1}}, nil); err == nil {
		t.Fatal("expected unknown discount kind to be rejected")
	}
}

func TestNew_RejectsNonFiniteWeights(t *testing.T) {
	for _, weight := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		tiers := []domain.PrizeTier{
			{ID: "a", DiscountKind: domain.DiscountPercentage, Weight: 1},
			{ID: "b", DiscountKind: domain.DiscountPercentage, Weight: weight},
		}
		if _, err := New(tiers, nil); err == nil {
			t.Fatalf("expected weight %v to be rejected", weight)
		}
	}
}

func TestIsValidTier(t *testing.T) {
	c, err := New(testTiers(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if !c.IsValidTier("ten_off") {
		t.Fatal("expected ten_off to be valid")
	}
	if c.IsValidTier("TEN_OFF") || c.IsValidTier("") {
		t.Fatal("expected tier lookup to be exact")
	}
	if got := len(c.ListTiers()); got != 3 {
		t.Fatalf("expected 3 tiers, got %d", got)
	}
}

func TestSelectRandomTier_IsDeterministicForSeed(t *testing.T) {
	first, _ := New(testTiers(), rand.New(rand.NewPCG(42, 7)))
	second, _ := New(testTiers(), rand.New(rand.NewPCG(42, 7)))

	for i := 0; i < 50; i++ {
		a, b := first.SelectRandomTier(), second.SelectRandomTier()
		if a != b {
			t.Fatalf("draw %d diverged: %q vs %q", i, a, b)
		}
	}
}

func TestSelectRandomTier_FollowsWeights(t *testing.T) {
	c, _ := New(testTiers(), rand.New(rand.NewPCG(1, 2)))

	counts := map[string]int{}
	const draws = 20000
	for i := 0; i < draws; i++ {
		counts[c.SelectRandomTier()]++
	}

	if counts["free_tote"] != 0 {
		t.Fatalf("zero-weight tier was drawn %d times", counts["free_tote"])
	}
	share := float64(counts["ten_off"]) / draws
	if share < 0.70 || share > 0.80 {
		t.Fatalf("expected ten_off share near 0.75, got %.3f", share)
	}
}
