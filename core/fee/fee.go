// Package fee computes the platform fee charged on a captured order.
package fee

import (
	"strings"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/shopspring/decimal"
)

// Percentage taken per subscription tier. Unknown tiers pay the tier 0 rate.
var tiers = map[int]decimal.Decimal{
	0: decimal.RequireFromString("0.03"),
	1: decimal.RequireFromString("0.02"),
	2: decimal.RequireFromString("0.01"),
	3: decimal.RequireFromString("0.005"),
}

type Calculator struct {
	restricted map[string]bool
}

// NewCalculator returns a Calculator that waives card fees for shops based
// in any of the given ISO country codes.
func NewCalculator(restrictedCountries []string) *Calculator {
	c := Calculator{restricted: make(map[string]bool, len(restrictedCountries))}
	for _, cc := range restrictedCountries {
		if cc = strings.ToUpper(strings.TrimSpace(cc)); cc != "" {
			c.restricted[cc] = true
		}
	}
	return &c
}

func (c *Calculator) Rate(shop catalog.Shop, p payment.Provider) decimal.Decimal {
	switch {
	case p == payment.ProviderPaypal:
		return decimal.Zero
	case p == payment.ProviderStripe && c.restricted[strings.ToUpper(shop.Country)]:
		return decimal.Zero
	}

	rate, ok := tiers[shop.SubscriptionTier]
	if !ok {
		rate = tiers[0]
	}
	return rate
}

// Exact is the fee in minor units with full fractional precision. It is
// what the crypto balance ledger books.
func (c *Calculator) Exact(total int64, shop catalog.Shop, p payment.Provider) decimal.Decimal {
	return decimal.NewFromInt(total).Mul(c.Rate(shop, p))
}

// Compute is the chargeable fee in minor units, rounded up.
func (c *Calculator) Compute(total int64, shop catalog.Shop, p payment.Provider) int64 {
	return c.Exact(total, shop, p).Ceil().IntPart()
}
