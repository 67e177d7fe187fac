package lending

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

type poolCall struct {
	op     string
	asset  common.Address
	amount *big.Int
}

// stubPool is a deterministic external pool: indexes are set per asset and
// only move when the test moves them. failOn makes the named call fail once.
type stubPool struct {
	supplyIdx map[common.Address]*big.Int
	borrowIdx map[common.Address]*big.Int
	configs   map[common.Address]AssetConfig
	failOn    string
	calls     []poolCall
}

func newStubPool() *stubPool {
	return &stubPool{
		supplyIdx: make(map[common.Address]*big.Int),
		borrowIdx: make(map[common.Address]*big.Int),
		configs:   make(map[common.Address]AssetConfig),
	}
}

func (p *stubPool) addAsset(asset common.Address, cfg AssetConfig) {
	p.configs[asset] = cfg
	p.supplyIdx[asset] = new(big.Int).Set(ray)
	p.borrowIdx[asset] = new(big.Int).Set(ray)
}

func (p *stubPool) record(op string, asset common.Address, amount *big.Int) error {
	if p.failOn == op {
		p.failOn = ""
		return fmt.Errorf("stub pool: %s rejected", op)
	}
	p.calls = append(p.calls, poolCall{op: op, asset: asset, amount: new(big.Int).Set(amount)})
	return nil
}

func (p *stubPool) Supply(asset common.Address, amount *big.Int) error {
	return p.record("supply", asset, amount)
}

func (p *stubPool) Withdraw(asset common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.record("withdraw", asset, amount); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

func (p *stubPool) Borrow(asset common.Address, amount *big.Int) error {
	return p.record("borrow", asset, amount)
}

func (p *stubPool) Repay(asset common.Address, amount *big.Int) error {
	return p.record("repay", asset, amount)
}

func (p *stubPool) GetIndexes(asset common.Address) (*big.Int, *big.Int, error) {
	s, ok := p.supplyIdx[asset]
	if !ok {
		return nil, nil, fmt.Errorf("stub pool: unknown asset %s", asset.Hex())
	}
	return new(big.Int).Set(s), new(big.Int).Set(p.borrowIdx[asset]), nil
}

func (p *stubPool) GetAssetConfig(asset common.Address) (AssetConfig, error) {
	cfg, ok := p.configs[asset]
	if !ok {
		return AssetConfig{}, fmt.Errorf("stub pool: unknown asset %s", asset.Hex())
	}
	return cfg, nil
}

func (p *stubPool) callsOf(op string) []poolCall {
	var out []poolCall
	for _, c := range p.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type stubOracle struct {
	prices map[common.Address]*big.Int
}

func newStubOracle() *stubOracle {
	return &stubOracle{prices: make(map[common.Address]*big.Int)}
}

func (o *stubOracle) GetPrice(asset common.Address) (*big.Int, error) {
	price, ok := o.prices[asset]
	if !ok {
		return nil, fmt.Errorf("stub oracle: no price for %s", asset.Hex())
	}
	return new(big.Int).Set(price), nil
}

type stubSentinel struct{ allowed bool }

func (s *stubSentinel) LiquidationAllowed() bool { return s.allowed }

var (
	marketA     = addr(0xA1)
	underlyingA = addr(0xA2)
	marketB     = addr(0xB1)
	underlyingB = addr(0xB2)

	userSupplier = addr(0x51)
	userBorrower = addr(0x52)
	userThird    = addr(0x53)
)

// newTestEngine wires two markets over zero-decimal assets priced at one, so
// one underlying unit is one unit of quote value.
func newTestEngine(t *testing.T) (*Engine, *stubPool, *stubOracle) {
	t.Helper()
	pool := newStubPool()
	cfg := AssetConfig{
		LTVBps:                  8_000,
		LiquidationThresholdBps: 8_500,
		LiquidationBonusBps:     10_500,
		Decimals:                0,
		Active:                  true,
		BorrowingEnabled:        true,
	}
	pool.addAsset(underlyingA, cfg)
	pool.addAsset(underlyingB, cfg)
	oracle := newStubOracle()
	oracle.prices[underlyingA] = big.NewInt(1)
	oracle.prices[underlyingB] = big.NewInt(1)

	eng := NewEngine(pool, oracle)
	eng.SetTimestamp(1)
	if err := eng.CreateMarket(marketA, underlyingA, 0, 5_000); err != nil {
		t.Fatalf("create market A: %v", err)
	}
	if err := eng.CreateMarket(marketB, underlyingB, 0, 5_000); err != nil {
		t.Fatalf("create market B: %v", err)
	}
	return eng, pool, oracle
}

func mustBalance(t *testing.T, eng *Engine, market, user common.Address, side Side) (*big.Int, *big.Int) {
	t.Helper()
	onPool, inP2P, err := eng.GetBalance(market, user, side)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return onPool, inP2P
}

func assertBig(t *testing.T, got *big.Int, want int64, what string) {
	t.Helper()
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s = %s, want %d", what, got, want)
	}
}

func TestCreateMarketRejectsDuplicatesAndBadConfig(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.CreateMarket(marketA, underlyingA, 0, 0); !errors.Is(err, errMarketExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	if err := eng.CreateMarket(addr(0xC1), underlyingA, 10_001, 0); !errors.Is(err, errInvalidBps) {
		t.Fatalf("bad reserve factor: %v", err)
	}
	inactive := addr(0xC2)
	pool.addAsset(inactive, AssetConfig{Active: false})
	if err := eng.CreateMarket(addr(0xC1), inactive, 0, 0); !errors.Is(err, errMarketNotActive) {
		t.Fatalf("inactive asset: %v", err)
	}
}

func TestSupplyLandsOnPool(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 1_000, "supplier on-pool")
	assertBig(t, inP2P, 0, "supplier in-p2p")
	supplies := pool.callsOf("supply")
	if len(supplies) != 1 || supplies[0].amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("pool supply calls = %v", supplies)
	}
}

func TestBorrowPromotesPoolSuppliers(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	onPool, inP2P := mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 400, "supplier on-pool")
	assertBig(t, inP2P, 600, "supplier in-p2p")
	onPool, inP2P = mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 0, "borrower on-pool")
	assertBig(t, inP2P, 600, "borrower in-p2p")

	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	assertBig(t, d.P2PSupplyAmount, 600, "p2p supply amount")
	assertBig(t, d.P2PBorrowAmount, 600, "p2p borrow amount")
	assertBig(t, d.P2PSupplyDelta, 0, "p2p supply delta")
	assertBig(t, d.P2PBorrowDelta, 0, "p2p borrow delta")

	// The matched part left the pool as a withdrawal; nothing was borrowed.
	withdraws := pool.callsOf("withdraw")
	if len(withdraws) != 1 || withdraws[0].amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("pool withdraw calls = %v", withdraws)
	}
	if got := pool.callsOf("borrow"); len(got) != 0 {
		t.Fatalf("unexpected pool borrow calls: %v", got)
	}
}

func TestSupplyPromotesPoolBorrowers(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	// No suppliers yet: the borrow lands fully on the pool.
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(5)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := eng.Supply(userSupplier, marketA, big.NewInt(5)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 0, "supplier on-pool")
	assertBig(t, inP2P, 5, "supplier in-p2p")
	onPool, inP2P = mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 0, "borrower on-pool")
	assertBig(t, inP2P, 5, "borrower in-p2p")
	// The incoming liquidity repaid the borrower's pool debt.
	repays := pool.callsOf("repay")
	if len(repays) != 1 || repays[0].amount.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("pool repay calls = %v", repays)
	}
}

func TestBorrowFallsBackToPoolBeyondMatchedLiquidity(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(500)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 300, "borrower on-pool")
	assertBig(t, inP2P, 500, "borrower in-p2p")
	borrows := pool.callsOf("borrow")
	if len(borrows) != 1 || borrows[0].amount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("pool borrow calls = %v", borrows)
	}
	// Falling back to the pool never creates delta; only demotion shortfalls
	// and explicit injection do.
	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	assertBig(t, d.P2PSupplyDelta, 0, "p2p supply delta")
	assertBig(t, d.P2PBorrowDelta, 0, "p2p borrow delta")
}

func TestUnlimitedBudgetMatchesEverything(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.SetDefaultIterations(UnlimitedIterations)
	total := int64(0)
	for i := int64(1); i <= 10; i++ {
		if err := eng.Supply(addr(byte(0x60+i)), marketA, big.NewInt(i*10)); err != nil {
			t.Fatalf("supply %d: %v", i, err)
		}
		total += i * 10
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(10_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	// Demand above the whole supply side: everything available gets matched.
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(2_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	if inP2P.Cmp(big.NewInt(total)) != 0 {
		t.Fatalf("matched = %s, want %d", inP2P, total)
	}
	if onPool.Cmp(big.NewInt(2_000-total)) != 0 {
		t.Fatalf("pool fallback = %s, want %d", onPool, 2_000-total)
	}
	for i := int64(1); i <= 10; i++ {
		user := addr(byte(0x60 + i))
		op, p2p := mustBalance(t, eng, marketA, user, SideSupply)
		if op.Sign() != 0 || p2p.Cmp(big.NewInt(i*10)) != 0 {
			t.Fatalf("supplier %d = %s/%s, want fully promoted", i, op, p2p)
		}
	}
}

func TestHealthFactorPriceMonotonicity(t *testing.T) {
	eng, _, oracle := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(5_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	base, err := eng.HealthFactor(userBorrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}

	// Raising the collateral price never lowers the health factor.
	oracle.prices[underlyingB] = big.NewInt(2)
	up, err := eng.HealthFactor(userBorrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if up.Cmp(base) < 0 {
		t.Fatalf("hf fell from %s to %s on collateral price rise", base, up)
	}
	oracle.prices[underlyingB] = big.NewInt(1)

	// Raising the borrowed asset's price never raises it.
	oracle.prices[underlyingA] = big.NewInt(2)
	down, err := eng.HealthFactor(userBorrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if down.Cmp(base) > 0 {
		t.Fatalf("hf rose from %s to %s on debt price rise", base, down)
	}
}

func TestBorrowRespectsIterationBudget(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	eng.SetDefaultIterations(2)
	for i, user := range []common.Address{userSupplier, userThird, addr(0x54)} {
		if err := eng.Supply(user, marketA, big.NewInt(100+int64(i))); err != nil {
			t.Fatalf("supply %d: %v", i, err)
		}
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(300)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Two iterations promote the two largest suppliers (102 and 101); the
	// remaining 97 falls back to the pool even though a third supplier waits.
	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 97, "borrower on-pool")
	assertBig(t, inP2P, 203, "borrower in-p2p")
	borrows := pool.callsOf("borrow")
	if len(borrows) != 1 || borrows[0].amount.Cmp(big.NewInt(97)) != 0 {
		t.Fatalf("pool borrow calls = %v", borrows)
	}
}

func TestZeroBudgetDisablesMatching(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	eng.SetDefaultIterations(0)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 600, "borrower on-pool")
	assertBig(t, inP2P, 0, "borrower in-p2p")
	if got := pool.callsOf("withdraw"); len(got) != 0 {
		t.Fatalf("unexpected pool withdraw calls: %v", got)
	}
}

func TestWithdrawDemotesBorrowers(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := eng.Withdraw(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	onPool, inP2P := mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 0, "supplier on-pool")
	assertBig(t, inP2P, 0, "supplier in-p2p")
	// With no replacement supplier the borrower goes back on the pool.
	onPool, inP2P = mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 600, "borrower on-pool")
	assertBig(t, inP2P, 0, "borrower in-p2p")

	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	assertBig(t, d.P2PBorrowDelta, 0, "p2p borrow delta")
	assertBig(t, d.P2PSupplyAmount, 0, "p2p supply amount")
	assertBig(t, d.P2PBorrowAmount, 0, "p2p borrow amount")

	borrows := pool.callsOf("borrow")
	if len(borrows) != 1 || borrows[0].amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("pool borrow calls = %v", borrows)
	}
}

func TestWithdrawShortfallCreatesBorrowDelta(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// No budget left to demote: the 600 of broken matches become borrow delta
	// and the liquidity is still borrowed from the pool.
	eng.SetDefaultIterations(0)
	if err := eng.Withdraw(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 0, "borrower on-pool")
	assertBig(t, inP2P, 600, "borrower in-p2p")
	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	assertBig(t, d.P2PBorrowDelta, 600, "p2p borrow delta")
	assertBig(t, d.P2PBorrowAmount, 600, "p2p borrow amount")
	assertBig(t, d.P2PSupplyAmount, 0, "p2p supply amount")

	ind, err := eng.GetIndexes(marketA)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	if !d.withinBounds(ind) {
		t.Fatalf("deltas out of bounds: %+v", d)
	}
	borrows := pool.callsOf("borrow")
	if len(borrows) != 1 || borrows[0].amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("pool borrow calls = %v", borrows)
	}
}

func TestSupplyAbsorbsBorrowDeltaFirst(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	eng.SetDefaultIterations(0)
	if err := eng.Withdraw(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// Borrow delta is 600 now. A fresh supply of 400 should absorb delta
	// before anything else, repaying the pool without touching the queues.
	if err := eng.Supply(userThird, marketA, big.NewInt(400)); err != nil {
		t.Fatalf("second supply: %v", err)
	}
	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	assertBig(t, d.P2PBorrowDelta, 200, "p2p borrow delta")
	_, inP2P := mustBalance(t, eng, marketA, userThird, SideSupply)
	assertBig(t, inP2P, 400, "new supplier in-p2p")
	repays := pool.callsOf("repay")
	if len(repays) != 1 || repays[0].amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("pool repay calls = %v", repays)
	}
}

func TestRepayClearsDebtAndDemotesSupplier(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Repay more than owed; the extra is ignored.
	if err := eng.Repay(userBorrower, marketA, big.NewInt(10_000)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 0, "borrower on-pool")
	assertBig(t, inP2P, 0, "borrower in-p2p")
	// The matched supplier is back on the pool in full.
	onPool, inP2P = mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 1_000, "supplier on-pool")
	assertBig(t, inP2P, 0, "supplier in-p2p")
	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	assertBig(t, d.P2PSupplyAmount, 0, "p2p supply amount")
	assertBig(t, d.P2PBorrowAmount, 0, "p2p borrow amount")
	supplies := pool.callsOf("supply")
	// Initial 1000 supply plus the 600 returned by the demoted supplier.
	if len(supplies) != 3 || supplies[2].amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("pool supply calls = %v", supplies)
	}
}

func TestRepayWithNoDebtFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if err := eng.Repay(userBorrower, marketA, big.NewInt(10)); !errors.Is(err, errNoDebt) {
		t.Fatalf("repay: %v", err)
	}
}

func TestPausesBlockEachFlow(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if err := eng.SetPauses(marketA, MarketPauses{Supply: true, Borrow: true, Withdraw: true, Repay: true, LiquidateBorrow: true}); err != nil {
		t.Fatalf("set pauses: %v", err)
	}
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1)); !errors.Is(err, errSupplyPaused) {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Borrow(userSupplier, marketA, big.NewInt(1)); !errors.Is(err, errBorrowPaused) {
		t.Fatalf("borrow: %v", err)
	}
	if err := eng.Withdraw(userSupplier, marketA, big.NewInt(1)); !errors.Is(err, errWithdrawPaused) {
		t.Fatalf("withdraw: %v", err)
	}
	if err := eng.Repay(userSupplier, marketA, big.NewInt(1)); !errors.Is(err, errRepayPaused) {
		t.Fatalf("repay: %v", err)
	}
	if _, _, err := eng.Liquidate(userThird, userSupplier, marketA, marketB, big.NewInt(1)); !errors.Is(err, errLiquidatePaused) {
		t.Fatalf("liquidate with paused borrow side: %v", err)
	}

	// The collateral side blocks liquidation on its own as well.
	if err := eng.SetPauses(marketA, MarketPauses{}); err != nil {
		t.Fatalf("clear pauses: %v", err)
	}
	if err := eng.SetPauses(marketB, MarketPauses{LiquidateCollateral: true}); err != nil {
		t.Fatalf("set collateral pause: %v", err)
	}
	if _, _, err := eng.Liquidate(userThird, userSupplier, marketA, marketB, big.NewInt(1)); !errors.Is(err, errLiquidatePaused) {
		t.Fatalf("liquidate with paused collateral side: %v", err)
	}
}

func TestZeroQueueBoundDisablesMatching(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.SetQueueBound(0)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(1_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if _, ok, err := eng.QueueHead(marketA, QueueSuppliersOnPool); err != nil || ok {
		t.Fatalf("ranking head with zero bound = %v %v", ok, err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(400)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 400, "borrower on-pool")
	assertBig(t, inP2P, 0, "borrower in-p2p")
	onPool, inP2P = mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 1_000, "supplier on-pool")
	assertBig(t, inP2P, 0, "supplier in-p2p")
}

func TestPoolFailureRollsBackEverything(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	pool.failOn = "supply"
	err := eng.Supply(userSupplier, marketA, big.NewInt(500))
	if !errors.Is(err, ErrExternalCall) {
		t.Fatalf("supply after pool failure: %v", err)
	}
	onPool, inP2P := mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 1_000, "supplier on-pool after rollback")
	assertBig(t, inP2P, 0, "supplier in-p2p after rollback")
	head, ok, err := eng.QueueHead(marketA, QueueSuppliersOnPool)
	if err != nil || !ok || head != userSupplier {
		t.Fatalf("queue head after rollback = %v %v %v", head, ok, err)
	}
}

// reentrantSink tries to re-enter the engine from the rewards callback, which
// fires while the entry-point lock is still held.
type reentrantSink struct {
	eng  *Engine
	seen error
}

func (s *reentrantSink) OnPoolBalanceChange(user, asset common.Address, side Side, old, total *big.Int) error {
	s.seen = s.eng.Supply(user, marketA, big.NewInt(1))
	return nil
}

func TestReentrantCallIsRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	sink := &reentrantSink{eng: eng}
	eng.SetRewardsSink(sink)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if !errors.Is(sink.seen, ErrReentrant) {
		t.Fatalf("nested call error = %v, want ErrReentrant", sink.seen)
	}
}

type countingSink struct {
	events int
}

func (s *countingSink) OnPoolBalanceChange(user, asset common.Address, side Side, old, total *big.Int) error {
	s.events++
	return errors.New("sink offline")
}

func TestRewardsSinkFailureDoesNotAbort(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	sink := &countingSink{}
	eng.SetRewardsSink(sink)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if sink.events == 0 {
		t.Fatal("rewards sink never notified")
	}
	onPool, _ := mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 100, "supplier on-pool")
}

func TestUpdateIndexesIsIdempotentWithinTimestamp(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	pool.supplyIdx[underlyingA] = mustBigInt("1100000000000000000000000000") // 1.1 ray
	pool.borrowIdx[underlyingA] = mustBigInt("1200000000000000000000000000") // 1.2 ray
	eng.SetTimestamp(2)
	if err := eng.UpdateIndexes(marketA); err != nil {
		t.Fatalf("update indexes: %v", err)
	}
	first, err := eng.GetIndexes(marketA)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	// A bigger pool reading within the same timestamp must not move anything.
	pool.supplyIdx[underlyingA] = mustBigInt("1300000000000000000000000000")
	if err := eng.UpdateIndexes(marketA); err != nil {
		t.Fatalf("second update: %v", err)
	}
	second, err := eng.GetIndexes(marketA)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	if first.PoolSupplyIndex.Cmp(second.PoolSupplyIndex) != 0 || first.P2PBorrowIndex.Cmp(second.P2PBorrowIndex) != 0 {
		t.Fatalf("indexes moved within one timestamp: %+v vs %+v", first, second)
	}
	if first.LastUpdate != 2 {
		t.Fatalf("LastUpdate = %d, want 2", first.LastUpdate)
	}
}

func TestRoundingConservesValueUnderGrownIndexes(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	// Grown, unequal indexes so every conversion actually rounds: pool
	// supply 1.1, pool borrow 1.2, blended peer-to-peer 1.15 at mid cursor.
	pool.supplyIdx[underlyingA] = mustBigInt("1100000000000000000000000000")
	pool.borrowIdx[underlyingA] = mustBigInt("1200000000000000000000000000")
	eng.SetTimestamp(2)

	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(700)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Claims round down, debts round up: the 1000 supplied becomes
	// floor(1000/1.1) = 909 pool units; promoting 700 removes
	// ceil(700/1.1) = 637 of them and credits floor(700/1.15) = 608
	// peer-to-peer units, while the borrower owes ceil(700/1.15) = 609.
	onPool, inP2P := mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 272, "supplier on-pool after borrow")
	assertBig(t, inP2P, 608, "supplier in-p2p after borrow")
	onPool, inP2P = mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 0, "borrower on-pool after borrow")
	assertBig(t, inP2P, 609, "borrower in-p2p after borrow")

	if err := eng.Repay(userBorrower, marketA, big.NewInt(300)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := eng.Withdraw(userSupplier, marketA, big.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// The repaid 300 demotes ceil(300/1.15) = 261 supplier units back into
	// floor(300/1.1) = 272 pool units; the borrower sheds floor(300/1.15) =
	// 260. The 200 withdrawal then removes ceil(200/1.1) = 182 pool units.
	onPool, inP2P = mustBalance(t, eng, marketA, userSupplier, SideSupply)
	assertBig(t, onPool, 362, "supplier on-pool")
	assertBig(t, inP2P, 347, "supplier in-p2p")
	onPool, inP2P = mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	assertBig(t, onPool, 0, "borrower on-pool")
	assertBig(t, inP2P, 349, "borrower in-p2p")

	ind, err := eng.GetIndexes(marketA)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	claims := new(big.Int).Add(
		rayMulDown(big.NewInt(362), ind.PoolSupplyIndex),
		rayMulDown(big.NewInt(347), ind.P2PSupplyIndex),
	)
	debt := rayMulUp(big.NewInt(349), ind.P2PBorrowIndex)

	// Net underlying moved to the pool across the whole sequence.
	net := big.NewInt(0)
	for _, c := range pool.calls {
		if c.asset != underlyingA {
			continue
		}
		switch c.op {
		case "supply", "repay":
			net.Add(net, c.amount)
		case "withdraw", "borrow":
			net.Sub(net, c.amount)
		}
	}
	assertBig(t, net, 400, "net pool position")

	// Conservation: outstanding claims net of debt never exceed what the
	// pool holds; rounding dust stays with the system, bounded per
	// operation.
	dust := new(big.Int).Sub(net, new(big.Int).Sub(claims, debt))
	if dust.Sign() < 0 {
		t.Fatalf("claims exceed pool position by %s", new(big.Int).Neg(dust))
	}
	if dust.Cmp(big.NewInt(8)) > 0 {
		t.Fatalf("rounding dust = %s, want at most 2 per operation", dust)
	}

	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	if !d.withinBounds(ind) {
		t.Fatalf("deltas out of bounds: %+v", d)
	}
}

func TestLiquidateSeizesCollateralWithBonus(t *testing.T) {
	eng, pool, oracle := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Debt value triples: health factor 1700/1800, below the hard band.
	oracle.prices[underlyingA] = big.NewInt(3)

	repaid, seized, err := eng.Liquidate(userThird, userBorrower, marketA, marketB, big.NewInt(10_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Close factor caps the repay at half the 600 debt; the seize is
	// 300 * 3 / 1 with a 5% bonus.
	assertBig(t, repaid, 300, "repaid")
	assertBig(t, seized, 945, "seized")

	onPool, inP2P := mustBalance(t, eng, marketA, userBorrower, SideBorrow)
	if new(big.Int).Add(onPool, inP2P).Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("remaining debt = %s + %s, want 300", onPool, inP2P)
	}
	onPool, inP2P = mustBalance(t, eng, marketB, userBorrower, SideSupply)
	if new(big.Int).Add(onPool, inP2P).Cmp(big.NewInt(1_055)) != 0 {
		t.Fatalf("remaining collateral = %s + %s, want 1055", onPool, inP2P)
	}
	withdraws := pool.callsOf("withdraw")
	last := withdraws[len(withdraws)-1]
	if last.asset != underlyingB || last.amount.Cmp(big.NewInt(945)) != 0 {
		t.Fatalf("collateral withdrawal = %v", last)
	}
}

func TestLiquidateHealthyPositionFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	_, _, err := eng.Liquidate(userThird, userBorrower, marketA, marketB, big.NewInt(100))
	if !errors.Is(err, errNotLiquidatable) {
		t.Fatalf("liquidate healthy: %v", err)
	}
}

func TestLiquidateAmbiguousBandNeedsSentinel(t *testing.T) {
	eng, _, oracle := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(875)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Health factor 1700/1750, inside the ambiguous band below one.
	oracle.prices[underlyingA] = big.NewInt(2)

	sentinel := &stubSentinel{allowed: false}
	eng.SetPriceSentinel(sentinel)
	if _, _, err := eng.Liquidate(userThird, userBorrower, marketA, marketB, big.NewInt(100)); !errors.Is(err, errNotLiquidatable) {
		t.Fatalf("liquidate with denying sentinel: %v", err)
	}
	sentinel.allowed = true
	if _, _, err := eng.Liquidate(userThird, userBorrower, marketA, marketB, big.NewInt(100)); err != nil {
		t.Fatalf("liquidate with permitting sentinel: %v", err)
	}
}

func TestDeprecatedMarketLiftsCloseFactor(t *testing.T) {
	eng, _, oracle := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	oracle.prices[underlyingA] = big.NewInt(3)
	if err := eng.SetDeprecated(marketA, true); err != nil {
		t.Fatalf("set deprecated: %v", err)
	}
	repaid, _, err := eng.Liquidate(userThird, userBorrower, marketA, marketB, big.NewInt(10_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	assertBig(t, repaid, 600, "repaid on deprecated market")
}

func TestBorrowAgainstInsufficientCollateralFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(10_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(1_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	// LTV 80% of 1000 permits 800 at most.
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(801)); !errors.Is(err, errBorrowNotAllowed) {
		t.Fatalf("borrow above LTV: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(800)); err != nil {
		t.Fatalf("borrow at LTV: %v", err)
	}
}

func TestWithdrawBlockedWhileBackingDebt(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(10_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(1_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Withdrawing 400 leaves 600 collateral with threshold value 510 < 600.
	if err := eng.Withdraw(userBorrower, marketB, big.NewInt(400)); !errors.Is(err, errWithdrawNotAllowed) {
		t.Fatalf("withdraw backing debt: %v", err)
	}
	if err := eng.Withdraw(userBorrower, marketB, big.NewInt(100)); err != nil {
		t.Fatalf("safe withdraw: %v", err)
	}
}

func TestIncreaseP2PDeltas(t *testing.T) {
	eng, pool, _ := newTestEngine(t)
	if err := eng.Supply(userSupplier, marketA, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := eng.IncreaseP2PDeltas(marketA, big.NewInt(10_000)); err != nil {
		t.Fatalf("increase deltas: %v", err)
	}
	d, err := eng.GetDeltas(marketA)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	// Capped by the 600 of promised volume on both sides.
	assertBig(t, d.P2PSupplyDelta, 600, "p2p supply delta")
	assertBig(t, d.P2PBorrowDelta, 600, "p2p borrow delta")
	borrows := pool.callsOf("borrow")
	if len(borrows) != 1 || borrows[0].amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("pool borrow calls = %v", borrows)
	}
	supplies := pool.callsOf("supply")
	if supplies[len(supplies)-1].amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("pool supply calls = %v", supplies)
	}
}

func TestHealthFactorReadSurface(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	hf, err := eng.HealthFactor(userBorrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf != nil {
		t.Fatalf("health factor without debt = %s, want nil", hf)
	}
	if err := eng.Supply(userBorrower, marketB, big.NewInt(2_000)); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := eng.Supply(userSupplier, marketA, big.NewInt(5_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := eng.Borrow(userBorrower, marketA, big.NewInt(850)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	hf, err = eng.HealthFactor(userBorrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// Threshold value 1700 against 850 of debt: exactly 2.0 in ray.
	want := mustBigInt("2000000000000000000000000000")
	if hf.Cmp(want) != 0 {
		t.Fatalf("health factor = %s, want %s", hf, want)
	}
}
