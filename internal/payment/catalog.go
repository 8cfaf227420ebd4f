// Package payment turns verified checkout events from the payment provider
// into ledger credits and priority upgrades.
package payment

import (
	"slices"
)

// Package is a purchasable bundle of points.
type Package struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	AmountCents int64  `json:"amount_cents"`
	Points      int64  `json:"points"`
	// PriorityBoost is the tier granted by the purchase. Lower is more urgent.
	PriorityBoost int `json:"priority_boost"`
}

var catalog = map[string]Package{
	"p200":  {ID: "p200", Label: "2000 points", AmountCents: 399, Points: 2000, PriorityBoost: 1},
	"p500":  {ID: "p500", Label: "5000 points", AmountCents: 999, Points: 5000, PriorityBoost: 1},
	"p1000": {ID: "p1000", Label: "12000 points", AmountCents: 1999, Points: 12000, PriorityBoost: 1},
}

// Lookup returns the package with the given id.
func Lookup(id string) (Package, bool) {
	p, ok := catalog[id]
	return p, ok
}

// Packages returns the catalog ordered by price.
func Packages() []Package {
	out := make([]Package, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Package) int {
		switch {
		case a.AmountCents < b.AmountCents:
			return -1
		case a.AmountCents > b.AmountCents:
			return 1
		}
		return 0
	})
	return out
}
