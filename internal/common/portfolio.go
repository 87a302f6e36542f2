package common

// Portfolio is the per-address open-volume reservation: assetId -> reserved
// base units. It is a commutative, associative monoid under Combine;
// deltas may be negative (releasing a reservation), but the stored value is
// non-negative by invariant (spec.md §3, §8 property 5).
type Portfolio map[Asset]int64

// NewPortfolio returns an empty reservation map.
func NewPortfolio() Portfolio { return make(Portfolio) }

// Combine folds delta into p asset-wise and returns the result. p is not
// mutated; callers replace the stored value with the returned map.
func (p Portfolio) Combine(delta Portfolio) Portfolio {
	out := make(Portfolio, len(p)+len(delta))
	for a, v := range p {
		out[a] = v
	}
	for a, v := range delta {
		out[a] += v
	}
	return out
}

// Get returns the reservation for asset, or 0 if absent.
func (p Portfolio) Get(a Asset) int64 {
	return p[a]
}

// Clamped returns a copy with every negative entry floored at 0, for
// defensive reporting; well-formed event streams never need this.
func (p Portfolio) Clamped() Portfolio {
	out := make(Portfolio, len(p))
	for a, v := range p {
		if v < 0 {
			v = 0
		}
		out[a] = v
	}
	return out
}

// ReservationDelta computes the open-volume change for the sender of a
// freshly accepted order, per spec.md §4.3: a Buy reserves amount·price of
// the price asset plus the matcher fee of the native asset; a Sell reserves
// amount of the amount asset plus the matcher fee of the native asset.
func ReservationDelta(o Order) Portfolio {
	delta := NewPortfolio()
	native := NativeAsset()
	if o.Side == Buy {
		delta[o.Pair.PriceAsset] += o.Price * o.Amount
	} else {
		delta[o.Pair.AmountAsset] += o.Amount
	}
	delta[native] += o.MatcherFee
	return delta
}

// ReleaseDelta computes the negative portfolio delta releasing the
// reservation proportional to a traded (or unfilled, for cancellation)
// amount, per spec.md §4.3.
func ReleaseDelta(o Order, amount int64) Portfolio {
	delta := NewPortfolio()
	native := NativeAsset()
	if o.Side == Buy {
		delta[o.Pair.PriceAsset] -= o.Price * amount
	} else {
		delta[o.Pair.AmountAsset] -= amount
	}
	if o.Amount > 0 {
		delta[native] -= o.MatcherFee * amount / o.Amount
	}
	return delta
}
