package lending

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"peerlend/observability"
)

// AssetConfig mirrors the risk configuration the external pool holds for one
// asset. Ratios are in basis points; the liquidation bonus is a multiplier
// (10500 means the liquidator seizes 105% of the repaid value).
type AssetConfig struct {
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	Decimals                uint8
	Active                  bool
	BorrowingEnabled        bool
}

// Pool is the external lending pool every market falls back to. The balance
// held with the pool is a single shared account: if any call fails, the
// enclosing operation fails and none of its ledger mutations are kept.
type Pool interface {
	Supply(asset common.Address, amount *big.Int) error
	Withdraw(asset common.Address, amount *big.Int) (*big.Int, error)
	Borrow(asset common.Address, amount *big.Int) error
	Repay(asset common.Address, amount *big.Int) error
	GetIndexes(asset common.Address) (supplyIndex, borrowIndex *big.Int, err error)
	GetAssetConfig(asset common.Address) (AssetConfig, error)
}

// PriceOracle quotes every asset in one common unit.
type PriceOracle interface {
	GetPrice(asset common.Address) (*big.Int, error)
}

// PriceSentinel reports whether the price feed is fresh enough to permit
// liquidations in the ambiguous band just below a health factor of one.
type PriceSentinel interface {
	LiquidationAllowed() bool
}

// RewardsSink is notified whenever a pool-sourced balance changes, for accrual
// bookkeeping external to the core. Its failure never rolls back an operation.
type RewardsSink interface {
	OnPoolBalanceChange(user, asset common.Address, side Side, oldBalance, newTotalSupply *big.Int) error
}

// Engine orchestrates the peer-to-peer matching overlay: it pairs suppliers
// and borrowers at a blended rate and falls back to the external pool for
// whatever cannot be matched within the computation budget.
type Engine struct {
	lock       reentrancyLock
	state      engineState
	pool       Pool
	oracle     PriceOracle
	sentinel   PriceSentinel
	rewards    RewardsSink
	log        *slog.Logger
	metrics    *observability.LendingMetrics
	now        uint64
	iterations uint64
	queueBound int
}

// NewEngine constructs an engine over the given pool and oracle. Persistence
// defaults to an in-memory state; wire a different keeper with SetState.
func NewEngine(pool Pool, oracle PriceOracle) *Engine {
	return &Engine{
		state:      NewMemoryState(),
		pool:       pool,
		oracle:     oracle,
		iterations: defaultMatchIterations,
		queueBound: defaultQueueBound,
	}
}

// SetState wires the engine to a persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRewardsSink wires the optional rewards collaborator.
func (e *Engine) SetRewardsSink(sink RewardsSink) { e.rewards = sink }

// SetPriceSentinel wires the optional oracle-freshness signal.
func (e *Engine) SetPriceSentinel(s PriceSentinel) { e.sentinel = s }

// SetLogger wires a structured logger; slog.Default is used otherwise.
func (e *Engine) SetLogger(log *slog.Logger) { e.log = log }

// SetMetrics wires the optional metrics registry.
func (e *Engine) SetMetrics(m *observability.LendingMetrics) { e.metrics = m }

// SetTimestamp records the logical timestamp used for index accrual. Two
// refreshes within one timestamp are idempotent.
func (e *Engine) SetTimestamp(now uint64) { e.now = now }

// Timestamp returns the current logical timestamp.
func (e *Engine) Timestamp() uint64 { return e.now }

// SetDefaultIterations configures the matching budget applied to every
// operation. Zero disables matching entirely.
func (e *Engine) SetDefaultIterations(n uint64) { e.iterations = n }

// DefaultIterations returns the configured matching budget.
func (e *Engine) DefaultIterations() uint64 { return e.iterations }

// SetQueueBound configures the sorted capacity of every ranking. With a
// zero bound every entry stays in the unordered overflow list, the rankings
// expose no head and matching falls through to the pool.
func (e *Engine) SetQueueBound(bound int) {
	if bound < 0 {
		bound = 0
	}
	e.queueBound = bound
}

func (e *Engine) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return slog.Default()
}

// run wraps one mutating entry point: the re-entrancy guard is held for the
// call's duration and released unconditionally, the workspace commits only
// when the whole operation succeeded, and the outcome is observed.
func (e *Engine) run(op string, fn func(ws *workspace) error) error {
	if !e.lock.acquire() {
		return ErrReentrant
	}
	defer e.lock.release()
	start := time.Now()
	ws := newWorkspace(e)
	err := fn(ws)
	if err == nil {
		err = ws.commit()
	}
	e.observe(op, start, err)
	return err
}

func (e *Engine) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if e.metrics != nil {
		e.metrics.Operations.WithLabelValues(op, outcome).Inc()
		e.metrics.OperationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		e.logger().Debug("lending operation failed", "op", op, "err", err)
		return
	}
	e.logger().Debug("lending operation", "op", op, "elapsed", time.Since(start))
}

func (e *Engine) observeMatch(m *Market, direction string, amount *big.Int, iters uint64) {
	if e.metrics == nil {
		return
	}
	if amount.Sign() > 0 {
		f, _ := new(big.Float).SetInt(amount).Float64()
		e.metrics.MatchedVolume.WithLabelValues(m.PoolToken.Hex(), direction).Add(f)
	}
	e.metrics.MatchIterations.Observe(float64(iters))
}

func validateUserAmount(user common.Address, amount *big.Int) error {
	if user == (common.Address{}) {
		return errZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return errZeroAmount
	}
	return nil
}

func (e *Engine) refreshIndexes(ws *workspace, m *Market) error {
	if m.Indexes.LastUpdate == e.now {
		return nil
	}
	poolSupply, poolBorrow, err := e.pool.GetIndexes(m.Underlying)
	if err != nil {
		return poolCallError("get indexes", err)
	}
	m.Indexes = nextIndexes(m, poolSupply, poolBorrow, e.now)
	return nil
}

// CreateMarket registers a market for an asset active on the pool. The pool
// indexes mirror the pool's current values; the peer-to-peer indexes start at
// one ray.
func (e *Engine) CreateMarket(poolToken, underlying common.Address, reserveFactorBps, p2pIndexCursorBps uint64) error {
	return e.run("create_market", func(ws *workspace) error {
		if poolToken == (common.Address{}) || underlying == (common.Address{}) {
			return errZeroAddress
		}
		if reserveFactorBps > maxBps || p2pIndexCursorBps > maxBps {
			return errInvalidBps
		}
		existing, err := e.state.GetMarket(poolToken)
		if err != nil {
			return err
		}
		if existing != nil {
			return errMarketExists
		}
		cfg, err := e.pool.GetAssetConfig(underlying)
		if err != nil {
			return poolCallError("get asset config", err)
		}
		if !cfg.Active {
			return errMarketNotActive
		}
		poolSupply, poolBorrow, err := e.pool.GetIndexes(underlying)
		if err != nil {
			return poolCallError("get indexes", err)
		}
		m := &Market{
			PoolToken:         poolToken,
			Underlying:        underlying,
			ReserveFactorBps:  reserveFactorBps,
			P2PIndexCursorBps: p2pIndexCursorBps,
			Indexes: Indexes{
				PoolSupplyIndex: cloneBig(poolSupply),
				PoolBorrowIndex: cloneBig(poolBorrow),
				LastUpdate:      e.now,
			},
		}
		m.ensureDefaults()
		ws.markets[poolToken] = m
		ws.queues[poolToken] = newMarketQueues()
		return nil
	})
}

// SetReserveFactor updates the reserve skim of a market after settling its
// indexes under the old factor.
func (e *Engine) SetReserveFactor(market common.Address, bps uint64) error {
	return e.run("set_reserve_factor", func(ws *workspace) error {
		if bps > maxBps {
			return errInvalidBps
		}
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		if err := e.refreshIndexes(ws, m); err != nil {
			return err
		}
		m.ReserveFactorBps = bps
		return nil
	})
}

// SetP2PIndexCursor repositions the peer-to-peer rate between the pool rates,
// settling indexes under the old cursor first.
func (e *Engine) SetP2PIndexCursor(market common.Address, bps uint64) error {
	return e.run("set_p2p_index_cursor", func(ws *workspace) error {
		if bps > maxBps {
			return errInvalidBps
		}
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		if err := e.refreshIndexes(ws, m); err != nil {
			return err
		}
		m.P2PIndexCursorBps = bps
		return nil
	})
}

// SetPauses replaces the per-action pause flags of a market.
func (e *Engine) SetPauses(market common.Address, pauses MarketPauses) error {
	return e.run("set_pauses", func(ws *workspace) error {
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		m.Pauses = pauses
		return nil
	})
}

// SetDeprecated flags a market as deprecated, lifting the liquidation close
// factor to 100%.
func (e *Engine) SetDeprecated(market common.Address, deprecated bool) error {
	return e.run("set_deprecated", func(ws *workspace) error {
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		m.Deprecated = deprecated
		return nil
	})
}

// UpdateIndexes refreshes the four indexes of a market. Calling it twice
// within one logical timestamp leaves state untouched after the first call.
func (e *Engine) UpdateIndexes(market common.Address) error {
	return e.run("update_indexes", func(ws *workspace) error {
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		return e.refreshIndexes(ws, m)
	})
}

// Supply deposits underlying for a user: outstanding borrow delta is absorbed
// first, then pool-resident borrowers are promoted into peer-to-peer within
// the budget, and the remainder falls back to a plain pool deposit.
func (e *Engine) Supply(user, market common.Address, amount *big.Int) error {
	return e.run("supply", func(ws *workspace) error {
		if err := validateUserAmount(user, amount); err != nil {
			return err
		}
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		if m.Pauses.Supply {
			return errSupplyPaused
		}
		if err := e.refreshIndexes(ws, m); err != nil {
			return err
		}
		return e.supplyLogic(ws, m, user, amount, e.iterations)
	})
}

func (e *Engine) supplyLogic(ws *workspace, m *Market, user common.Address, amount *big.Int, budget uint64) error {
	remaining := new(big.Int).Set(amount)
	toRepay := big.NewInt(0)
	d := &m.Deltas

	matchedDelta := d.reduceBorrowDelta(remaining, m.Indexes.PoolBorrowIndex)
	toRepay.Add(toRepay, matchedDelta)
	remaining.Sub(remaining, matchedDelta)

	matched, iters, err := ws.matchBorrowers(m, remaining, budget)
	if err != nil {
		return err
	}
	e.observeMatch(m, "promote", matched, iters)
	toRepay.Add(toRepay, matched)
	remaining.Sub(remaining, matched)
	if matched.Sign() > 0 {
		d.P2PBorrowAmount = new(big.Int).Add(d.P2PBorrowAmount, rayDivDown(matched, m.Indexes.P2PBorrowIndex))
	}

	b, err := ws.balance(m.PoolToken, user, SideSupply)
	if err != nil {
		return err
	}
	if toRepay.Sign() > 0 {
		credit := rayDivDown(toRepay, m.Indexes.P2PSupplyIndex)
		b.InP2P = new(big.Int).Add(b.InP2P, credit)
		d.P2PSupplyAmount = new(big.Int).Add(d.P2PSupplyAmount, credit)
		if err := e.pool.Repay(m.Underlying, toRepay); err != nil {
			return poolCallError("repay", err)
		}
	}
	if remaining.Sign() > 0 {
		b.OnPool = new(big.Int).Add(b.OnPool, rayDivDown(remaining, m.Indexes.PoolSupplyIndex))
		if err := e.pool.Supply(m.Underlying, remaining); err != nil {
			return poolCallError("supply", err)
		}
	}
	return ws.setSupplyBalance(m, user, b)
}

// Borrow draws underlying for a user against their collateral: supply delta is
// absorbed first, then pool-resident suppliers are promoted within the
// budget, and the remainder is borrowed from the pool.
func (e *Engine) Borrow(user, market common.Address, amount *big.Int) error {
	return e.run("borrow", func(ws *workspace) error {
		if err := validateUserAmount(user, amount); err != nil {
			return err
		}
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		if m.Pauses.Borrow {
			return errBorrowPaused
		}
		cfg, err := e.pool.GetAssetConfig(m.Underlying)
		if err != nil {
			return poolCallError("get asset config", err)
		}
		if !cfg.BorrowingEnabled {
			return errBorrowDisabled
		}
		if err := e.refreshIndexes(ws, m); err != nil {
			return err
		}
		allowed, err := e.borrowAllowed(ws, user, market, amount)
		if err != nil {
			return err
		}
		if !allowed {
			return errBorrowNotAllowed
		}
		return e.borrowLogic(ws, m, user, amount, e.iterations)
	})
}

func (e *Engine) borrowLogic(ws *workspace, m *Market, user common.Address, amount *big.Int, budget uint64) error {
	remaining := new(big.Int).Set(amount)
	toWithdraw := big.NewInt(0)
	d := &m.Deltas

	matchedDelta := d.reduceSupplyDelta(remaining, m.Indexes.PoolSupplyIndex)
	toWithdraw.Add(toWithdraw, matchedDelta)
	remaining.Sub(remaining, matchedDelta)

	matched, iters, err := ws.matchSuppliers(m, remaining, budget)
	if err != nil {
		return err
	}
	e.observeMatch(m, "promote", matched, iters)
	toWithdraw.Add(toWithdraw, matched)
	remaining.Sub(remaining, matched)
	if matched.Sign() > 0 {
		d.P2PSupplyAmount = new(big.Int).Add(d.P2PSupplyAmount, rayDivDown(matched, m.Indexes.P2PSupplyIndex))
	}

	b, err := ws.balance(m.PoolToken, user, SideBorrow)
	if err != nil {
		return err
	}
	if toWithdraw.Sign() > 0 {
		debt := rayDivUp(toWithdraw, m.Indexes.P2PBorrowIndex)
		b.InP2P = new(big.Int).Add(b.InP2P, debt)
		d.P2PBorrowAmount = new(big.Int).Add(d.P2PBorrowAmount, debt)
		if _, err := e.pool.Withdraw(m.Underlying, toWithdraw); err != nil {
			return poolCallError("withdraw", err)
		}
	}
	if remaining.Sign() > 0 {
		b.OnPool = new(big.Int).Add(b.OnPool, rayDivUp(remaining, m.Indexes.PoolBorrowIndex))
		if err := e.pool.Borrow(m.Underlying, remaining); err != nil {
			return poolCallError("borrow", err)
		}
	}
	return ws.setBorrowBalance(m, user, b)
}

// Withdraw returns supplied underlying to a user, capped at their balance.
// The pool-resident part leaves first; breaking matched peer-to-peer credit
// absorbs supply delta, promotes replacement suppliers, then demotes
// borrowers, creating borrow delta for whatever the budget left unmatched.
func (e *Engine) Withdraw(user, market common.Address, amount *big.Int) error {
	return e.run("withdraw", func(ws *workspace) error {
		if err := validateUserAmount(user, amount); err != nil {
			return err
		}
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		if m.Pauses.Withdraw {
			return errWithdrawPaused
		}
		if err := e.refreshIndexes(ws, m); err != nil {
			return err
		}
		b, err := ws.balance(m.PoolToken, user, SideSupply)
		if err != nil {
			return err
		}
		total := new(big.Int).Add(
			rayMulDown(b.OnPool, m.Indexes.PoolSupplyIndex),
			rayMulDown(b.InP2P, m.Indexes.P2PSupplyIndex),
		)
		if total.Sign() == 0 {
			return errNoSupplyPosition
		}
		capped := minBig(amount, total)
		allowed, err := e.withdrawAllowed(ws, user, market, capped)
		if err != nil {
			return err
		}
		if !allowed {
			return errWithdrawNotAllowed
		}
		return e.withdrawLogic(ws, m, user, capped, e.iterations)
	})
}

func (e *Engine) withdrawLogic(ws *workspace, m *Market, user common.Address, amount *big.Int, budget uint64) error {
	remaining := new(big.Int).Set(amount)
	toWithdraw := big.NewInt(0)
	d := &m.Deltas

	b, err := ws.balance(m.PoolToken, user, SideSupply)
	if err != nil {
		return err
	}
	onPoolValue := rayMulDown(b.OnPool, m.Indexes.PoolSupplyIndex)
	if onPoolValue.Sign() > 0 {
		fromPool := minBig(onPoolValue, remaining)
		if fromPool.Cmp(onPoolValue) == 0 {
			b.OnPool = big.NewInt(0)
		} else {
			b.OnPool = zeroFloorSub(b.OnPool, rayDivUp(fromPool, m.Indexes.PoolSupplyIndex))
		}
		toWithdraw.Add(toWithdraw, fromPool)
		remaining.Sub(remaining, fromPool)
	}
	if remaining.Sign() > 0 {
		if remaining.Cmp(rayMulDown(b.InP2P, m.Indexes.P2PSupplyIndex)) >= 0 {
			b.InP2P = big.NewInt(0)
		} else {
			b.InP2P = zeroFloorSub(b.InP2P, rayDivUp(remaining, m.Indexes.P2PSupplyIndex))
		}
	}
	if err := ws.setSupplyBalance(m, user, b); err != nil {
		return err
	}

	if remaining.Sign() == 0 {
		if _, err := e.pool.Withdraw(m.Underlying, toWithdraw); err != nil {
			return poolCallError("withdraw", err)
		}
		return nil
	}

	// The departing supplier leaves peer-to-peer: absorb supply delta, then
	// find replacement suppliers on the pool.
	matchedDelta := d.reduceSupplyDelta(remaining, m.Indexes.PoolSupplyIndex)
	if matchedDelta.Sign() > 0 {
		d.P2PSupplyAmount = zeroFloorSub(d.P2PSupplyAmount, rayDivDown(matchedDelta, m.Indexes.P2PSupplyIndex))
		toWithdraw.Add(toWithdraw, matchedDelta)
		remaining.Sub(remaining, matchedDelta)
	}
	matched, used, err := ws.matchSuppliers(m, remaining, budget)
	if err != nil {
		return err
	}
	e.observeMatch(m, "promote", matched, used)
	toWithdraw.Add(toWithdraw, matched)
	remaining.Sub(remaining, matched)

	if toWithdraw.Sign() > 0 {
		if _, err := e.pool.Withdraw(m.Underlying, toWithdraw); err != nil {
			return poolCallError("withdraw", err)
		}
	}
	if remaining.Sign() == 0 {
		return nil
	}

	// No replacement found for the rest: demote borrowers back onto the pool
	// and record whatever the budget left unmatched as borrow delta.
	demoteBudget := budget - used
	if used > budget {
		demoteBudget = 0
	}
	unmatched, used2, err := ws.unmatchBorrowers(m, remaining, demoteBudget)
	if err != nil {
		return err
	}
	e.observeMatch(m, "demote", unmatched, used2)
	if unmatched.Cmp(remaining) < 0 {
		d.addBorrowDelta(new(big.Int).Sub(remaining, unmatched), m.Indexes.PoolBorrowIndex)
	}
	d.P2PSupplyAmount = zeroFloorSub(d.P2PSupplyAmount, rayDivDown(remaining, m.Indexes.P2PSupplyIndex))
	d.P2PBorrowAmount = zeroFloorSub(d.P2PBorrowAmount, rayDivDown(unmatched, m.Indexes.P2PBorrowIndex))
	if err := e.pool.Borrow(m.Underlying, remaining); err != nil {
		return poolCallError("borrow", err)
	}
	return nil
}

// Repay settles a user's debt, capped at what they owe. The pool-resident
// debt settles first; breaking matched peer-to-peer debt absorbs borrow
// delta, promotes replacement borrowers, then demotes suppliers, creating
// supply delta for whatever the budget left unmatched.
func (e *Engine) Repay(user, market common.Address, amount *big.Int) error {
	return e.run("repay", func(ws *workspace) error {
		if err := validateUserAmount(user, amount); err != nil {
			return err
		}
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		if m.Pauses.Repay {
			return errRepayPaused
		}
		if err := e.refreshIndexes(ws, m); err != nil {
			return err
		}
		b, err := ws.balance(m.PoolToken, user, SideBorrow)
		if err != nil {
			return err
		}
		debt := new(big.Int).Add(
			rayMulUp(b.OnPool, m.Indexes.PoolBorrowIndex),
			rayMulUp(b.InP2P, m.Indexes.P2PBorrowIndex),
		)
		if debt.Sign() == 0 {
			return errNoDebt
		}
		return e.repayLogic(ws, m, user, minBig(amount, debt), e.iterations)
	})
}

func (e *Engine) repayLogic(ws *workspace, m *Market, user common.Address, amount *big.Int, budget uint64) error {
	remaining := new(big.Int).Set(amount)
	toRepay := big.NewInt(0)
	d := &m.Deltas

	b, err := ws.balance(m.PoolToken, user, SideBorrow)
	if err != nil {
		return err
	}
	onPoolDebt := rayMulUp(b.OnPool, m.Indexes.PoolBorrowIndex)
	if onPoolDebt.Sign() > 0 {
		fromPool := minBig(onPoolDebt, remaining)
		if fromPool.Cmp(onPoolDebt) == 0 {
			b.OnPool = big.NewInt(0)
		} else {
			b.OnPool = zeroFloorSub(b.OnPool, rayDivDown(fromPool, m.Indexes.PoolBorrowIndex))
		}
		toRepay.Add(toRepay, fromPool)
		remaining.Sub(remaining, fromPool)
	}
	if remaining.Sign() > 0 {
		if remaining.Cmp(rayMulUp(b.InP2P, m.Indexes.P2PBorrowIndex)) >= 0 {
			b.InP2P = big.NewInt(0)
		} else {
			b.InP2P = zeroFloorSub(b.InP2P, rayDivDown(remaining, m.Indexes.P2PBorrowIndex))
		}
	}
	if err := ws.setBorrowBalance(m, user, b); err != nil {
		return err
	}

	if remaining.Sign() == 0 {
		if toRepay.Sign() > 0 {
			if err := e.pool.Repay(m.Underlying, toRepay); err != nil {
				return poolCallError("repay", err)
			}
		}
		return nil
	}

	// The departing borrower leaves peer-to-peer: absorb borrow delta, then
	// find replacement borrowers on the pool.
	matchedDelta := d.reduceBorrowDelta(remaining, m.Indexes.PoolBorrowIndex)
	if matchedDelta.Sign() > 0 {
		d.P2PBorrowAmount = zeroFloorSub(d.P2PBorrowAmount, rayDivDown(matchedDelta, m.Indexes.P2PBorrowIndex))
		toRepay.Add(toRepay, matchedDelta)
		remaining.Sub(remaining, matchedDelta)
	}
	matched, used, err := ws.matchBorrowers(m, remaining, budget)
	if err != nil {
		return err
	}
	e.observeMatch(m, "promote", matched, used)
	toRepay.Add(toRepay, matched)
	remaining.Sub(remaining, matched)

	if toRepay.Sign() > 0 {
		if err := e.pool.Repay(m.Underlying, toRepay); err != nil {
			return poolCallError("repay", err)
		}
	}
	if remaining.Sign() == 0 {
		return nil
	}

	// No replacement found for the rest: demote suppliers back onto the pool
	// and record whatever the budget left unmatched as supply delta.
	demoteBudget := budget - used
	if used > budget {
		demoteBudget = 0
	}
	unmatched, used2, err := ws.unmatchSuppliers(m, remaining, demoteBudget)
	if err != nil {
		return err
	}
	e.observeMatch(m, "demote", unmatched, used2)
	if unmatched.Cmp(remaining) < 0 {
		d.addSupplyDelta(new(big.Int).Sub(remaining, unmatched), m.Indexes.PoolSupplyIndex)
	}
	d.P2PSupplyAmount = zeroFloorSub(d.P2PSupplyAmount, rayDivDown(unmatched, m.Indexes.P2PSupplyIndex))
	d.P2PBorrowAmount = zeroFloorSub(d.P2PBorrowAmount, rayDivDown(remaining, m.Indexes.P2PBorrowIndex))
	if err := e.pool.Supply(m.Underlying, remaining); err != nil {
		return poolCallError("supply", err)
	}
	return nil
}

// Liquidate lets a third party repay part of an unhealthy borrower's debt in
// exchange for a bonus-discounted amount of their collateral. The repaid and
// seized amounts are returned. Both internal legs run with a zero matching
// budget so liquidation latency stays bounded.
func (e *Engine) Liquidate(liquidator, borrower, borrowedMarket, collateralMarket common.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	var repaid, seized *big.Int
	err := e.run("liquidate", func(ws *workspace) error {
		if liquidator == (common.Address{}) {
			return errZeroAddress
		}
		if err := validateUserAmount(borrower, amount); err != nil {
			return err
		}
		bm, err := ws.market(borrowedMarket)
		if err != nil {
			return err
		}
		cm, err := ws.market(collateralMarket)
		if err != nil {
			return err
		}
		if bm.Pauses.LiquidateBorrow || cm.Pauses.LiquidateCollateral {
			return errLiquidatePaused
		}
		if err := e.refreshIndexes(ws, bm); err != nil {
			return err
		}
		if err := e.refreshIndexes(ws, cm); err != nil {
			return err
		}

		debtBal, err := ws.balance(bm.PoolToken, borrower, SideBorrow)
		if err != nil {
			return err
		}
		debt := new(big.Int).Add(
			rayMulUp(debtBal.OnPool, bm.Indexes.PoolBorrowIndex),
			rayMulUp(debtBal.InP2P, bm.Indexes.P2PBorrowIndex),
		)
		if debt.Sign() == 0 {
			return errNoDebt
		}
		collateralBal, err := ws.balance(cm.PoolToken, borrower, SideSupply)
		if err != nil {
			return err
		}
		collateral := new(big.Int).Add(
			rayMulDown(collateralBal.OnPool, cm.Indexes.PoolSupplyIndex),
			rayMulDown(collateralBal.InP2P, cm.Indexes.P2PSupplyIndex),
		)
		if collateral.Sign() == 0 {
			return errNoCollateral
		}

		liquidatable, err := e.isLiquidatable(ws, borrower)
		if err != nil {
			return err
		}
		if !liquidatable {
			return errNotLiquidatable
		}

		closeBps := uint64(closeFactorBps)
		if bm.Deprecated {
			closeBps = maxBps
		}
		repay := minBig(amount, bpsMulDown(debt, closeBps))

		borrowPrice, err := e.oracle.GetPrice(bm.Underlying)
		if err != nil {
			return oracleCallError(err)
		}
		collateralPrice, err := e.oracle.GetPrice(cm.Underlying)
		if err != nil {
			return oracleCallError(err)
		}
		borrowCfg, err := e.pool.GetAssetConfig(bm.Underlying)
		if err != nil {
			return poolCallError("get asset config", err)
		}
		collateralCfg, err := e.pool.GetAssetConfig(cm.Underlying)
		if err != nil {
			return poolCallError("get asset config", err)
		}
		borrowUnit := tokenUnit(borrowCfg.Decimals)
		collateralUnit := tokenUnit(collateralCfg.Decimals)

		seize := bpsMulDown(
			mulDivDown(new(big.Int).Mul(repay, borrowPrice), collateralUnit,
				new(big.Int).Mul(collateralPrice, borrowUnit)),
			collateralCfg.LiquidationBonusBps,
		)
		if seize.Cmp(collateral) > 0 {
			// Collateral-capped: scale the repay leg back down so both legs
			// stay proportional.
			seize = collateral
			repay = mulDivDown(
				new(big.Int).Mul(seize, collateralPrice),
				new(big.Int).Mul(borrowUnit, basisPoints),
				new(big.Int).Mul(
					new(big.Int).Mul(borrowPrice, collateralUnit),
					new(big.Int).SetUint64(collateralCfg.LiquidationBonusBps),
				),
			)
		}

		if err := e.repayLogic(ws, bm, borrower, repay, 0); err != nil {
			return err
		}
		if err := e.withdrawLogic(ws, cm, borrower, seize, 0); err != nil {
			return err
		}
		repaid, seized = repay, seize
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return repaid, seized, nil
}

// IncreaseP2PDeltas injects pool liquidity into both deltas of a market, up to
// the promised peer-to-peer volume not already delta-backed. This is the only
// path that grows deltas outside of demotion shortfalls.
func (e *Engine) IncreaseP2PDeltas(market common.Address, amount *big.Int) error {
	return e.run("increase_p2p_deltas", func(ws *workspace) error {
		if amount == nil || amount.Sign() <= 0 {
			return errZeroAmount
		}
		m, err := ws.market(market)
		if err != nil {
			return err
		}
		if err := e.refreshIndexes(ws, m); err != nil {
			return err
		}
		d := &m.Deltas
		supplyRoom := zeroFloorSub(
			rayMulDown(d.P2PSupplyAmount, m.Indexes.P2PSupplyIndex),
			rayMulDown(d.P2PSupplyDelta, m.Indexes.PoolSupplyIndex),
		)
		borrowRoom := zeroFloorSub(
			rayMulDown(d.P2PBorrowAmount, m.Indexes.P2PBorrowIndex),
			rayMulDown(d.P2PBorrowDelta, m.Indexes.PoolBorrowIndex),
		)
		injected := minBig(amount, minBig(supplyRoom, borrowRoom))
		if injected.Sign() == 0 {
			return errZeroAmount
		}
		d.P2PSupplyDelta = new(big.Int).Add(d.P2PSupplyDelta, rayDivDown(injected, m.Indexes.PoolSupplyIndex))
		d.P2PBorrowDelta = new(big.Int).Add(d.P2PBorrowDelta, rayDivDown(injected, m.Indexes.PoolBorrowIndex))
		if err := e.pool.Borrow(m.Underlying, injected); err != nil {
			return poolCallError("borrow", err)
		}
		if err := e.pool.Supply(m.Underlying, injected); err != nil {
			return poolCallError("supply", err)
		}
		e.logger().Info("injected liquidity into deltas",
			"market", m.PoolToken.Hex(), "amount", injected.String())
		return nil
	})
}

// GetBalance returns the pool-scaled and peer-to-peer-scaled parts of one
// position.
func (e *Engine) GetBalance(market, user common.Address, side Side) (*big.Int, *big.Int, error) {
	b, err := e.state.GetBalance(market, user, side)
	if err != nil {
		return nil, nil, err
	}
	return bigOrZero(b.OnPool), bigOrZero(b.InP2P), nil
}

// GetIndexes returns the stored index vector of a market.
func (e *Engine) GetIndexes(market common.Address) (Indexes, error) {
	m, err := e.state.GetMarket(market)
	if err != nil {
		return Indexes{}, err
	}
	if m == nil {
		return Indexes{}, errMarketNotCreated
	}
	m.ensureDefaults()
	return m.Indexes.Clone(), nil
}

// GetDeltas returns the stored delta vector of a market.
func (e *Engine) GetDeltas(market common.Address) (Deltas, error) {
	m, err := e.state.GetMarket(market)
	if err != nil {
		return Deltas{}, err
	}
	if m == nil {
		return Deltas{}, errMarketNotCreated
	}
	m.ensureDefaults()
	return m.Deltas.Clone(), nil
}

// QueueHead returns the largest-ranked user of one market queue, for off-chain
// enumeration.
func (e *Engine) QueueHead(market common.Address, kind QueueKind) (common.Address, bool, error) {
	q, err := e.state.GetQueues(market)
	if err != nil {
		return common.Address{}, false, err
	}
	user, ok := q.byKind(kind).Head()
	return user, ok, nil
}

// QueueNext returns the user following the given one in queue enumeration
// order.
func (e *Engine) QueueNext(market common.Address, kind QueueKind, user common.Address) (common.Address, bool, error) {
	q, err := e.state.GetQueues(market)
	if err != nil {
		return common.Address{}, false, err
	}
	next, ok := q.byKind(kind).Next(user)
	return next, ok, nil
}

// HealthFactor evaluates a user's current ray-scaled health factor across
// their entered markets. A nil result means the user has no debt.
func (e *Engine) HealthFactor(user common.Address) (*big.Int, error) {
	ws := newWorkspace(e)
	info, err := e.liquidityInfo(ws, user, common.Address{}, nil, nil)
	if err != nil {
		return nil, err
	}
	return info.healthFactor(), nil
}
