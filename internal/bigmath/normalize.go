// Package bigmath implements the one normalization seam the engine
// relies on: native-decimal amounts are converted to the 18-decimal canonical
// unit exactly once, at the balance-aggregation and earmark-minAmount
// boundaries. It also carries the dbps slippage arithmetic the planner
// and bridge adapters share.
package bigmath

import "math/big"

// CanonicalDecimals is the internal normalized precision every
// BalanceMap and MinAmounts entry is expressed in.
const CanonicalDecimals = 18

// DbpsMultiplier is M in the planner's slippage formulas: 1 dbps = 1e-5, so
// M = 10^5.
var DbpsMultiplier = big.NewInt(100000)

var ten = big.NewInt(10)

// pow10 returns 10^n as a fresh *big.Int.
func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

// ToCanonical18 upscales a native-decimals amount to the 18-decimal
// canonical unit. decimals must be <= 18; this is the only place in
// the engine that performs this conversion.
func ToCanonical18(nativeAmount *big.Int, decimals uint8) *big.Int {
	if decimals >= CanonicalDecimals {
		return new(big.Int).Set(nativeAmount)
	}
	scale := pow10(CanonicalDecimals - decimals)
	return new(big.Int).Mul(nativeAmount, scale)
}

// FromCanonical18 downscales a canonical 18-decimal amount back to a
// chain's native decimals, truncating any remainder.
func FromCanonical18(canonical *big.Int, decimals uint8) *big.Int {
	if decimals >= CanonicalDecimals {
		return new(big.Int).Set(canonical)
	}
	scale := pow10(CanonicalDecimals - decimals)
	out := new(big.Int)
	out.Quo(canonical, scale)
	return out
}

// ApplySlippageGross computes the gross send amount needed so that,
// net of a bridge's maximum tolerated slippage (in dbps), at least
// `needed` is expected to arrive:
//
//	sendGross = needed * M / (M - slipDbps)
func ApplySlippageGross(needed *big.Int, slipDbps int64) *big.Int {
	m := DbpsMultiplier
	denom := new(big.Int).Sub(m, big.NewInt(slipDbps))
	if denom.Sign() <= 0 {
		// a >=100% tolerated-slippage config is nonsensical; treat as
		// "send everything needed, no slippage headroom".
		return new(big.Int).Set(needed)
	}
	gross := new(big.Int).Mul(needed, m)
	gross.Div(gross, denom)
	return gross
}

// RealizedSlippageDbps computes the realized slippage between a sent
// and a received canonical amount, in dbps:
//
//	realized = (sent - received) * M / sent
//
// Returns 0 if sent is zero or received >= sent (no slippage, or a
// bridge that returns more than sent, which we never penalize).
func RealizedSlippageDbps(sent18, received18 *big.Int) int64 {
	if sent18.Sign() <= 0 {
		return 0
	}
	if received18.Cmp(sent18) >= 0 {
		return 0
	}
	diff := new(big.Int).Sub(sent18, received18)
	diff.Mul(diff, DbpsMultiplier)
	diff.Div(diff, sent18)
	return diff.Int64()
}

// RoundingTolerance is the threshold below which a remaining-needed
// amount is considered fulfilled: 10^12, approximately one
// smallest-unit of a 6-decimal token once normalized to 18 decimals.
var RoundingTolerance = big.NewInt(1_000_000_000_000)

// WithinTolerance reports whether amount is <= RoundingTolerance.
func WithinTolerance(amount *big.Int) bool {
	return amount.Cmp(RoundingTolerance) <= 0
}

// Max returns the larger of a and b without mutating either.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Zero returns a fresh zero-valued big.Int.
func Zero() *big.Int { return big.NewInt(0) }
