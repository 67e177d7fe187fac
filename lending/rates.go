package lending

import "math/big"

// growthFactors holds the ray-scaled growth of each index since the last
// refresh.
type growthFactors struct {
	poolSupply *big.Int
	poolBorrow *big.Int
	p2pSupply  *big.Int
	p2pBorrow  *big.Int
}

// computeGrowthFactors derives the pool growth from the external pool's new
// indexes and blends the peer-to-peer growth between them using the market's
// index cursor. When the pool's supply rate transiently exceeds its borrow
// rate, both peer-to-peer factors clamp to the borrow growth so suppliers
// cannot be paid out of an inverted spread. The reserve factor then skims the
// spread symmetrically on both sides.
func computeGrowthFactors(newPoolSupply, newPoolBorrow *big.Int, old Indexes, cursorBps, reserveBps uint64) growthFactors {
	gSupply := rayDivDown(newPoolSupply, old.PoolSupplyIndex)
	gBorrow := rayDivDown(newPoolBorrow, old.PoolBorrowIndex)
	// Pool indexes are non-decreasing; a shrinking reading is clamped so our
	// own indexes stay monotone.
	if gSupply.Cmp(ray) < 0 {
		gSupply = new(big.Int).Set(ray)
	}
	if gBorrow.Cmp(ray) < 0 {
		gBorrow = new(big.Int).Set(ray)
	}
	gf := growthFactors{poolSupply: gSupply, poolBorrow: gBorrow}

	if gSupply.Cmp(gBorrow) > 0 {
		gf.p2pSupply = new(big.Int).Set(gBorrow)
		gf.p2pBorrow = new(big.Int).Set(gBorrow)
		return gf
	}

	spread := new(big.Int).Sub(gBorrow, gSupply)
	blended := new(big.Int).Add(gSupply, bpsMulDown(spread, cursorBps))
	gf.p2pSupply = zeroFloorSub(blended, bpsMulDown(new(big.Int).Sub(blended, gSupply), reserveBps))
	gf.p2pBorrow = new(big.Int).Add(blended, bpsMulDown(new(big.Int).Sub(gBorrow, blended), reserveBps))
	return gf
}

// computeP2PIndex advances one peer-to-peer index. Delta-backed volume sits on
// the pool and must earn the pool rate, so the growth applied is the weighted
// mix of the peer-to-peer growth and the pool growth, weighted by the share of
// the promised amount the delta represents.
func computeP2PIndex(oldP2PIndex, oldPoolIndex, p2pGrowth, poolGrowth, delta, amount *big.Int) *big.Int {
	share := big.NewInt(0)
	if amount != nil && amount.Sign() > 0 && delta != nil && delta.Sign() > 0 {
		share = rayDivDown(rayMulDown(delta, oldPoolIndex), rayMulDown(amount, oldP2PIndex))
		if share.Cmp(ray) > 0 {
			share = new(big.Int).Set(ray)
		}
	}
	weighted := new(big.Int).Add(
		rayMulDown(zeroFloorSub(ray, share), p2pGrowth),
		rayMulDown(share, poolGrowth),
	)
	return rayMulDown(oldP2PIndex, weighted)
}

// nextIndexes computes the refreshed index vector for a market without
// mutating it. Within one logical timestamp the result is identical to the
// stored indexes, which makes a second refresh a no-op.
func nextIndexes(m *Market, newPoolSupply, newPoolBorrow *big.Int, now uint64) Indexes {
	if m.Indexes.LastUpdate == now {
		return m.Indexes.Clone()
	}
	g := computeGrowthFactors(newPoolSupply, newPoolBorrow, m.Indexes, m.P2PIndexCursorBps, m.ReserveFactorBps)
	return Indexes{
		PoolSupplyIndex: maxBig(m.Indexes.PoolSupplyIndex, newPoolSupply),
		PoolBorrowIndex: maxBig(m.Indexes.PoolBorrowIndex, newPoolBorrow),
		P2PSupplyIndex: computeP2PIndex(m.Indexes.P2PSupplyIndex, m.Indexes.PoolSupplyIndex,
			g.p2pSupply, g.poolSupply, m.Deltas.P2PSupplyDelta, m.Deltas.P2PSupplyAmount),
		P2PBorrowIndex: computeP2PIndex(m.Indexes.P2PBorrowIndex, m.Indexes.PoolBorrowIndex,
			g.p2pBorrow, g.poolBorrow, m.Deltas.P2PBorrowDelta, m.Deltas.P2PBorrowAmount),
		LastUpdate: now,
	}
}
