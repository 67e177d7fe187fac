package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// liquidityInfo aggregates a user's positions across entered markets into a
// common quote unit.
type liquidityInfo struct {
	collateral  *big.Int // total collateral value
	borrowable  *big.Int // LTV-weighted collateral value
	liquidation *big.Int // liquidation-threshold-weighted collateral value
	debt        *big.Int
}

// healthFactor is ray-scaled; nil means no debt, hence unbounded.
func (info *liquidityInfo) healthFactor() *big.Int {
	if info.debt.Sign() == 0 {
		return nil
	}
	return rayDivDown(info.liquidation, info.debt)
}

// liquidityInfo walks only the markets recorded in the user's market set, plus
// the target market for hypothetical adjustments: a pending borrow adds to the
// target's debt value, a pending withdrawal subtracts from its collateral
// value. Collateral rounds down, debt rounds up.
func (e *Engine) liquidityInfo(ws *workspace, user, target common.Address, withdrawn, borrowed *big.Int) (*liquidityInfo, error) {
	info := &liquidityInfo{
		collateral:  big.NewInt(0),
		borrowable:  big.NewInt(0),
		liquidation: big.NewInt(0),
		debt:        big.NewInt(0),
	}
	set, err := ws.userSet(user)
	if err != nil {
		return nil, err
	}
	entries := set.list()
	if target != (common.Address{}) {
		if _, ok := set.find(target); !ok {
			entries = append(entries, marketFlags{Market: target})
		}
	}
	for _, entry := range entries {
		m, err := ws.market(entry.Market)
		if err != nil {
			return nil, err
		}
		poolSupply, poolBorrow, err := e.pool.GetIndexes(m.Underlying)
		if err != nil {
			return nil, poolCallError("get indexes", err)
		}
		ind := nextIndexes(m, poolSupply, poolBorrow, e.now)
		price, err := e.oracle.GetPrice(m.Underlying)
		if err != nil {
			return nil, oracleCallError(err)
		}
		cfg, err := e.pool.GetAssetConfig(m.Underlying)
		if err != nil {
			return nil, poolCallError("get asset config", err)
		}
		unit := tokenUnit(cfg.Decimals)

		supplyBal, err := ws.balance(entry.Market, user, SideSupply)
		if err != nil {
			return nil, err
		}
		supplied := new(big.Int).Add(
			rayMulDown(supplyBal.OnPool, ind.PoolSupplyIndex),
			rayMulDown(supplyBal.InP2P, ind.P2PSupplyIndex),
		)
		collateralValue := mulDivDown(supplied, price, unit)

		borrowBal, err := ws.balance(entry.Market, user, SideBorrow)
		if err != nil {
			return nil, err
		}
		borrowedUnderlying := new(big.Int).Add(
			rayMulUp(borrowBal.OnPool, ind.PoolBorrowIndex),
			rayMulUp(borrowBal.InP2P, ind.P2PBorrowIndex),
		)
		debtValue := mulDivUp(borrowedUnderlying, price, unit)

		if entry.Market == target {
			if withdrawn != nil && withdrawn.Sign() > 0 {
				collateralValue = zeroFloorSub(collateralValue, mulDivUp(withdrawn, price, unit))
			}
			if borrowed != nil && borrowed.Sign() > 0 {
				debtValue.Add(debtValue, mulDivUp(borrowed, price, unit))
			}
		}

		info.collateral.Add(info.collateral, collateralValue)
		info.borrowable.Add(info.borrowable, bpsMulDown(collateralValue, cfg.LTVBps))
		info.liquidation.Add(info.liquidation, bpsMulDown(collateralValue, cfg.LiquidationThresholdBps))
		info.debt.Add(info.debt, debtValue)
	}
	return info, nil
}

// borrowAllowed checks the hypothetical debt against the LTV-weighted
// collateral.
func (e *Engine) borrowAllowed(ws *workspace, user, market common.Address, amount *big.Int) (bool, error) {
	info, err := e.liquidityInfo(ws, user, market, nil, amount)
	if err != nil {
		return false, err
	}
	return info.debt.Cmp(info.borrowable) <= 0, nil
}

// withdrawAllowed checks that the hypothetical health factor stays above one.
func (e *Engine) withdrawAllowed(ws *workspace, user, market common.Address, amount *big.Int) (bool, error) {
	info, err := e.liquidityInfo(ws, user, market, amount, nil)
	if err != nil {
		return false, err
	}
	hf := info.healthFactor()
	return hf == nil || hf.Cmp(ray) > 0, nil
}

// isLiquidatable applies the two-band predicate: below the minimum threshold
// the position is always liquidatable; between the minimum threshold and one
// it is liquidatable only while the price-feed signal permits it. A nil
// sentinel permits the band.
func (e *Engine) isLiquidatable(ws *workspace, user common.Address) (bool, error) {
	info, err := e.liquidityInfo(ws, user, common.Address{}, nil, nil)
	if err != nil {
		return false, err
	}
	hf := info.healthFactor()
	if hf == nil || hf.Cmp(ray) >= 0 {
		return false, nil
	}
	if hf.Cmp(minLiquidationHealthFactor) < 0 {
		return true, nil
	}
	return e.sentinel == nil || e.sentinel.LiquidationAllowed(), nil
}
