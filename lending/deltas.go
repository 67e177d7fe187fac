package lending

import "math/big"

// reduceSupplyDelta consumes supply-side delta against an incoming underlying
// amount and returns how much was matched. The delta is stored in pool units,
// so the comparison converts through the pool supply index first. All
// subtraction floors at zero to tolerate compounded rounding error.
func (d *Deltas) reduceSupplyDelta(amount, poolSupplyIndex *big.Int) *big.Int {
	if d.P2PSupplyDelta == nil || d.P2PSupplyDelta.Sign() == 0 || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	matched := minBig(rayMulDown(d.P2PSupplyDelta, poolSupplyIndex), amount)
	d.P2PSupplyDelta = zeroFloorSub(d.P2PSupplyDelta, rayDivUp(matched, poolSupplyIndex))
	return matched
}

// reduceBorrowDelta is the borrow-side mirror of reduceSupplyDelta.
func (d *Deltas) reduceBorrowDelta(amount, poolBorrowIndex *big.Int) *big.Int {
	if d.P2PBorrowDelta == nil || d.P2PBorrowDelta.Sign() == 0 || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	matched := minBig(rayMulDown(d.P2PBorrowDelta, poolBorrowIndex), amount)
	d.P2PBorrowDelta = zeroFloorSub(d.P2PBorrowDelta, rayDivUp(matched, poolBorrowIndex))
	return matched
}

// addSupplyDelta records a demotion shortfall: underlying that stays promised
// to peer-to-peer suppliers but is actually parked on the pool.
func (d *Deltas) addSupplyDelta(amount, poolSupplyIndex *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	d.P2PSupplyDelta = new(big.Int).Add(d.P2PSupplyDelta, rayDivDown(amount, poolSupplyIndex))
}

func (d *Deltas) addBorrowDelta(amount, poolBorrowIndex *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	d.P2PBorrowDelta = new(big.Int).Add(d.P2PBorrowDelta, rayDivDown(amount, poolBorrowIndex))
}

// withinBounds reports whether delta·poolIndex ≤ amount·p2pIndex holds on both
// sides, with one underlying unit of slack per side for rounding.
func (d *Deltas) withinBounds(ind Indexes) bool {
	slack := big.NewInt(1)
	supplyBound := new(big.Int).Add(rayMulUp(d.P2PSupplyAmount, ind.P2PSupplyIndex), slack)
	if rayMulDown(d.P2PSupplyDelta, ind.PoolSupplyIndex).Cmp(supplyBound) > 0 {
		return false
	}
	borrowBound := new(big.Int).Add(rayMulUp(d.P2PBorrowAmount, ind.P2PBorrowIndex), slack)
	return rayMulDown(d.P2PBorrowDelta, ind.PoolBorrowIndex).Cmp(borrowBound) <= 0
}
