package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
)

// Rounding policy: scaled claims held by a user are incremented with the
// floored quotient and decremented with the ceiled one, scaled debts the other
// way round. Value never leaks out of the protocol through repeated small
// operations; any residue is absorbed by the zero floor on subtraction.

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMulDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() == 0 || b.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, ray)
}

func rayMulUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() == 0 || b.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, new(big.Int).Sub(ray, big.NewInt(1)))
	return product.Quo(product, ray)
}

func rayDivDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, ray)
	return numerator.Quo(numerator, b)
}

func rayDivUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, ray)
	numerator.Add(numerator, new(big.Int).Sub(b, big.NewInt(1)))
	return numerator.Quo(numerator, b)
}

func bpsMulDown(a *big.Int, bps uint64) *big.Int {
	if a == nil || a.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, new(big.Int).SetUint64(bps))
	return product.Quo(product, basisPoints)
}

// mulDivDown computes a*b/c with truncation. mulDivUp rounds the quotient up.
func mulDivDown(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c)
}

func mulDivUp(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, new(big.Int).Sub(c, big.NewInt(1)))
	return product.Quo(product, c)
}

// zeroFloorSub returns max(a-b, 0), absorbing rounding dust instead of ever
// producing a negative balance.
func zeroFloorSub(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil {
		return new(big.Int).Set(a)
	}
	diff := new(big.Int).Sub(a, b)
	if diff.Sign() < 0 {
		return big.NewInt(0)
	}
	return diff
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return x
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(x)
}

// tokenUnit returns 10^decimals, the smallest-unit scale of an asset.
func tokenUnit(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
