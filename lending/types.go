package lending

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side selects the supply or borrow leg of a position.
type Side int

const (
	SideSupply Side = iota
	SideBorrow
)

// QueueKind identifies one of the four per-market rankings exposed for
// off-chain enumeration.
type QueueKind int

const (
	QueueSuppliersOnPool QueueKind = iota
	QueueSuppliersInP2P
	QueueBorrowersOnPool
	QueueBorrowersInP2P
)

// MarketPauses exposes fine-grained switches for halting individual flows of
// one market.
type MarketPauses struct {
	Supply              bool
	Borrow              bool
	Withdraw            bool
	Repay               bool
	LiquidateCollateral bool
	LiquidateBorrow     bool
}

// Indexes tracks the four cumulative ray-scaled interest indexes of a market.
// The pool indexes mirror the external pool's own accounting, the peer-to-peer
// indexes are this system's. All are non-decreasing and never zero.
type Indexes struct {
	PoolSupplyIndex *big.Int
	PoolBorrowIndex *big.Int
	P2PSupplyIndex  *big.Int
	P2PBorrowIndex  *big.Int
	// LastUpdate records the logical timestamp when the indexes were last
	// refreshed. A second refresh within the same timestamp is a no-op.
	LastUpdate uint64
}

// Deltas reconciles promised peer-to-peer volume against the volume actually
// backed by a matched counterparty. The delta fields are denominated in pool
// units, the amount fields in peer-to-peer units; every comparison between the
// two converts through the respective index first.
type Deltas struct {
	P2PSupplyDelta  *big.Int
	P2PBorrowDelta  *big.Int
	P2PSupplyAmount *big.Int
	P2PBorrowAmount *big.Int
}

// Market captures the per-market configuration and aggregate accounting state.
type Market struct {
	// PoolToken is the market identifier.
	PoolToken common.Address
	// Underlying is the asset this market supplies to and borrows from the
	// external pool.
	Underlying common.Address
	// ReserveFactorBps is the share of the peer-to-peer spread skimmed for
	// reserves, in basis points.
	ReserveFactorBps uint64
	// P2PIndexCursorBps positions the peer-to-peer rate between the pool
	// supply rate (0) and the pool borrow rate (10000).
	P2PIndexCursorBps uint64
	Pauses            MarketPauses
	// Deprecated lifts the liquidation close factor to 100%.
	Deprecated bool
	Indexes    Indexes
	Deltas     Deltas
	// ScaledPoolSupply and ScaledPoolBorrow aggregate every user's OnPool
	// units per side, reported to the rewards sink on balance changes.
	ScaledPoolSupply *big.Int
	ScaledPoolBorrow *big.Int
}

// Balance is one user's position on one side of one market, split into the
// pool-sourced part (pool-scaled units) and the matched peer-to-peer part
// (peer-to-peer-scaled units). Both are non-negative.
type Balance struct {
	OnPool *big.Int
	InP2P  *big.Int
}

func (b *Balance) isZero() bool {
	return (b.OnPool == nil || b.OnPool.Sign() == 0) && (b.InP2P == nil || b.InP2P.Sign() == 0)
}

// Clone returns a deep copy of the balance.
func (b *Balance) Clone() *Balance {
	if b == nil {
		return &Balance{OnPool: big.NewInt(0), InP2P: big.NewInt(0)}
	}
	return &Balance{OnPool: cloneBig(b.OnPool), InP2P: cloneBig(b.InP2P)}
}

// Clone returns a deep copy of the indexes.
func (i Indexes) Clone() Indexes {
	return Indexes{
		PoolSupplyIndex: cloneBig(i.PoolSupplyIndex),
		PoolBorrowIndex: cloneBig(i.PoolBorrowIndex),
		P2PSupplyIndex:  cloneBig(i.P2PSupplyIndex),
		P2PBorrowIndex:  cloneBig(i.P2PBorrowIndex),
		LastUpdate:      i.LastUpdate,
	}
}

// Clone returns a deep copy of the deltas.
func (d Deltas) Clone() Deltas {
	return Deltas{
		P2PSupplyDelta:  cloneBig(d.P2PSupplyDelta),
		P2PBorrowDelta:  cloneBig(d.P2PBorrowDelta),
		P2PSupplyAmount: cloneBig(d.P2PSupplyAmount),
		P2PBorrowAmount: cloneBig(d.P2PBorrowAmount),
	}
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Indexes = m.Indexes.Clone()
	clone.Deltas = m.Deltas.Clone()
	clone.ScaledPoolSupply = cloneBig(m.ScaledPoolSupply)
	clone.ScaledPoolBorrow = cloneBig(m.ScaledPoolBorrow)
	return &clone
}

func (m *Market) ensureDefaults() {
	if m.Indexes.PoolSupplyIndex == nil || m.Indexes.PoolSupplyIndex.Sign() == 0 {
		m.Indexes.PoolSupplyIndex = new(big.Int).Set(ray)
	}
	if m.Indexes.PoolBorrowIndex == nil || m.Indexes.PoolBorrowIndex.Sign() == 0 {
		m.Indexes.PoolBorrowIndex = new(big.Int).Set(ray)
	}
	if m.Indexes.P2PSupplyIndex == nil || m.Indexes.P2PSupplyIndex.Sign() == 0 {
		m.Indexes.P2PSupplyIndex = new(big.Int).Set(ray)
	}
	if m.Indexes.P2PBorrowIndex == nil || m.Indexes.P2PBorrowIndex.Sign() == 0 {
		m.Indexes.P2PBorrowIndex = new(big.Int).Set(ray)
	}
	m.Deltas.P2PSupplyDelta = bigOrZero(m.Deltas.P2PSupplyDelta)
	m.Deltas.P2PBorrowDelta = bigOrZero(m.Deltas.P2PBorrowDelta)
	m.Deltas.P2PSupplyAmount = bigOrZero(m.Deltas.P2PSupplyAmount)
	m.Deltas.P2PBorrowAmount = bigOrZero(m.Deltas.P2PBorrowAmount)
	m.ScaledPoolSupply = bigOrZero(m.ScaledPoolSupply)
	m.ScaledPoolBorrow = bigOrZero(m.ScaledPoolBorrow)
}

// marketFlags records which sides of one market a user participates in.
type marketFlags struct {
	Market    common.Address
	Supplying bool
	Borrowing bool
}

// userMarkets is the bounded set of markets a user has entered, kept sorted by
// market address so liquidity evaluation iterates a few relevant markets
// instead of all of them.
type userMarkets struct {
	entries []marketFlags
}

func (u *userMarkets) find(market common.Address) (int, bool) {
	lo, hi := 0, len(u.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(u.entries[mid].Market.Bytes(), market.Bytes()) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

func (u *userMarkets) set(market common.Address, side Side, active bool) {
	idx, ok := u.find(market)
	if !ok {
		if !active {
			return
		}
		u.entries = append(u.entries, marketFlags{})
		copy(u.entries[idx+1:], u.entries[idx:])
		u.entries[idx] = marketFlags{Market: market}
	}
	entry := &u.entries[idx]
	if side == SideSupply {
		entry.Supplying = active
	} else {
		entry.Borrowing = active
	}
	if !entry.Supplying && !entry.Borrowing {
		u.entries = append(u.entries[:idx], u.entries[idx+1:]...)
	}
}

func (u *userMarkets) flags(market common.Address) marketFlags {
	if idx, ok := u.find(market); ok {
		return u.entries[idx]
	}
	return marketFlags{Market: market}
}

func (u *userMarkets) list() []marketFlags {
	out := make([]marketFlags, len(u.entries))
	copy(out, u.entries)
	return out
}

func (u *userMarkets) clone() *userMarkets {
	clone := &userMarkets{entries: make([]marketFlags, len(u.entries))}
	copy(clone.entries, u.entries)
	return clone
}

// marketQueues groups the four rankings of one market.
type marketQueues struct {
	SuppliersOnPool *SortedQueue
	SuppliersInP2P  *SortedQueue
	BorrowersOnPool *SortedQueue
	BorrowersInP2P  *SortedQueue
}

func newMarketQueues() *marketQueues {
	return &marketQueues{
		SuppliersOnPool: NewSortedQueue(),
		SuppliersInP2P:  NewSortedQueue(),
		BorrowersOnPool: NewSortedQueue(),
		BorrowersInP2P:  NewSortedQueue(),
	}
}

func (q *marketQueues) clone() *marketQueues {
	if q == nil {
		return newMarketQueues()
	}
	return &marketQueues{
		SuppliersOnPool: q.SuppliersOnPool.Clone(),
		SuppliersInP2P:  q.SuppliersInP2P.Clone(),
		BorrowersOnPool: q.BorrowersOnPool.Clone(),
		BorrowersInP2P:  q.BorrowersInP2P.Clone(),
	}
}

func (q *marketQueues) byKind(kind QueueKind) *SortedQueue {
	switch kind {
	case QueueSuppliersOnPool:
		return q.SuppliersOnPool
	case QueueSuppliersInP2P:
		return q.SuppliersInP2P
	case QueueBorrowersOnPool:
		return q.BorrowersOnPool
	default:
		return q.BorrowersInP2P
	}
}
