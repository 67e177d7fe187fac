package lending

import "math/big"

// stepDirection selects what one walker step does to the balance at the head
// of the ranking. The two directions are the whole strategy surface; no
// function values are stored.
type stepDirection int

const (
	// promoteToP2P moves pool-resident balance into the peer-to-peer bucket.
	promoteToP2P stepDirection = iota
	// demoteToPool moves matched peer-to-peer balance back onto the pool.
	demoteToPool
)

func (ws *workspace) matchSuppliers(m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return ws.walkQueue(m, SideSupply, promoteToP2P, amount, budget)
}

func (ws *workspace) matchBorrowers(m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return ws.walkQueue(m, SideBorrow, promoteToP2P, amount, budget)
}

func (ws *workspace) unmatchSuppliers(m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return ws.walkQueue(m, SideSupply, demoteToPool, amount, budget)
}

func (ws *workspace) unmatchBorrowers(m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return ws.walkQueue(m, SideBorrow, demoteToPool, amount, budget)
}

// walkQueue repeatedly takes the head of the relevant ranking and moves up to
// the remaining amount between the head's buckets, until the amount is
// exhausted, the ranking is empty, or the iteration budget is consumed. The
// budget is a hard ceiling: a zero budget short-circuits with zero side
// effects, and the walk never touches a user once the budget is spent.
// Shortfall is not an error; the caller decides between pool fallback and
// delta creation.
func (ws *workspace) walkQueue(m *Market, side Side, dir stepDirection, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	moved := big.NewInt(0)
	if budget == 0 || amount == nil || amount.Sign() <= 0 {
		return moved, 0, nil
	}
	queues, err := ws.queuesFor(m.PoolToken)
	if err != nil {
		return nil, 0, err
	}
	var q *SortedQueue
	switch {
	case side == SideSupply && dir == promoteToP2P:
		q = queues.SuppliersOnPool
	case side == SideSupply && dir == demoteToPool:
		q = queues.SuppliersInP2P
	case side == SideBorrow && dir == promoteToP2P:
		q = queues.BorrowersOnPool
	default:
		q = queues.BorrowersInP2P
	}
	poolIndex := m.Indexes.PoolSupplyIndex
	p2pIndex := m.Indexes.P2PSupplyIndex
	if side == SideBorrow {
		poolIndex = m.Indexes.PoolBorrowIndex
		p2pIndex = m.Indexes.P2PBorrowIndex
	}

	remaining := new(big.Int).Set(amount)
	var used uint64
	for remaining.Sign() > 0 && used < budget {
		user, ok := q.Head()
		if !ok {
			break
		}
		used++
		bal, err := ws.balance(m.PoolToken, user, side)
		if err != nil {
			return nil, 0, err
		}
		var avail *big.Int
		if dir == promoteToP2P {
			avail = rayMulDown(bal.OnPool, poolIndex)
		} else {
			avail = rayMulDown(bal.InP2P, p2pIndex)
		}
		if avail.Sign() == 0 {
			// Sub-unit dust entry; clear it so the walk keeps making progress.
			if dir == promoteToP2P {
				bal.OnPool = big.NewInt(0)
			} else {
				bal.InP2P = big.NewInt(0)
			}
			if err := ws.setBalance(m, user, side, bal); err != nil {
				return nil, 0, err
			}
			continue
		}
		step := minBig(avail, remaining)
		if dir == promoteToP2P {
			if step.Cmp(avail) == 0 {
				bal.OnPool = big.NewInt(0)
			} else {
				bal.OnPool = zeroFloorSub(bal.OnPool, rayDivUp(step, poolIndex))
			}
			bal.InP2P = new(big.Int).Add(bal.InP2P, rayDivDown(step, p2pIndex))
		} else {
			if step.Cmp(avail) == 0 {
				bal.InP2P = big.NewInt(0)
			} else {
				bal.InP2P = zeroFloorSub(bal.InP2P, rayDivUp(step, p2pIndex))
			}
			bal.OnPool = new(big.Int).Add(bal.OnPool, rayDivDown(step, poolIndex))
		}
		if err := ws.setBalance(m, user, side, bal); err != nil {
			return nil, 0, err
		}
		remaining.Sub(remaining, step)
		moved.Add(moved, step)
	}
	return moved, used, nil
}
