package compliance

import "github.com/shopspring/decimal"

// AlignQty floors qty to the nearest multiple of stepSize (§4.1 step 3).
// Idempotent: AlignQty(AlignQty(q, s), s) == AlignQty(q, s) (§8).
func AlignQty(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	steps := qty.Div(stepSize).Floor()
	return steps.Mul(stepSize)
}

// AlignPrice rounds price to the nearest multiple of tickSize (§4.1
// step 6). Idempotent under the same law as AlignQty.
func AlignPrice(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	steps := price.DivRound(tickSize, 0)
	return steps.Mul(tickSize)
}
