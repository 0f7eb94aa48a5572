package gobilling

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TierConfig defines price and credit allotment for a tier
type TierConfig struct {
	ID             Tier
	MonthlyPrice   decimal.Decimal
	YearlyPrice    decimal.Decimal
	MonthlyCredits int64
}

// Price returns the tier price for the given billing period
func (t TierConfig) Price(period BillingPeriod) decimal.Decimal {
	if period == BillingPeriodYearly {
		return t.YearlyPrice
	}
	return t.MonthlyPrice
}

// Catalog is an immutable tier table
type Catalog struct {
	tiers map[Tier]TierConfig
}

// NewCatalog builds a catalog from tier configs. Tier identifiers must be unique
// and belong to the closed tier enumeration.
func NewCatalog(configs ...TierConfig) (*Catalog, error) {
	tiers := make(map[Tier]TierConfig, len(configs))
	for _, cfg := range configs {
		if !cfg.ID.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTier, cfg.ID)
		}
		if _, dup := tiers[cfg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidInput, cfg.ID)
		}
		if cfg.MonthlyPrice.IsNegative() || cfg.YearlyPrice.IsNegative() {
			return nil, fmt.Errorf("%w: negative price for tier %q", ErrInvalidInput, cfg.ID)
		}
		tiers[cfg.ID] = cfg
	}
	return &Catalog{tiers: tiers}, nil
}

// DefaultCatalog returns the built-in price list
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(
		TierConfig{ID: TierFree, MonthlyPrice: decimal.Zero, YearlyPrice: decimal.Zero, MonthlyCredits: 1000},
		TierConfig{ID: TierPro, MonthlyPrice: decimal.NewFromInt(9), YearlyPrice: decimal.NewFromInt(90), MonthlyCredits: 10000},
		TierConfig{ID: TierTeam, MonthlyPrice: decimal.NewFromInt(29), YearlyPrice: decimal.NewFromInt(290), MonthlyCredits: 50000},
		TierConfig{ID: TierEnterprise, MonthlyPrice: decimal.NewFromInt(99), YearlyPrice: decimal.NewFromInt(990), MonthlyCredits: 250000},
	)
	return c
}

// Get returns the config for a tier or ErrInvalidTier
func (c *Catalog) Get(tier Tier) (TierConfig, error) {
	cfg, ok := c.tiers[tier]
	if !ok {
		return TierConfig{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	return cfg, nil
}

// Tiers returns the configured tier identifiers in enumeration order
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.tiers))
	for _, t := range allTiers {
		if _, ok := c.tiers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

var allTiers = []Tier{TierFree, TierPro, TierTeam, TierEnterprise}

// Valid reports whether t is a member of the tier enumeration
func (t Tier) Valid() bool {
	for _, known := range allTiers {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTier parses a tier identifier (case-insensitive)
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Valid reports whether p is a known billing period
func (p BillingPeriod) Valid() bool {
	return p == BillingPeriodMonthly || p == BillingPeriodYearly
}

// ParseBillingPeriod parses a billing period (case-insensitive). Empty input yields "".
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	p := BillingPeriod(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBillingPeriod, s)
	}
	return p, nil
}
