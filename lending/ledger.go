package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	market common.Address
	user   common.Address
	side   Side
}

type rewardsEvent struct {
	user       common.Address
	asset      common.Address
	side       Side
	oldBalance *big.Int
	newTotal   *big.Int
}

// workspace is the transactional boundary of one mutating call. Every piece of
// state is loaded as a copy and cached; commit writes everything back and
// fires the accrued rewards notifications. Abandoning the workspace leaves the
// keeper untouched, which is how a failed pool call unwinds.
type workspace struct {
	eng      *Engine
	markets  map[common.Address]*Market
	queues   map[common.Address]*marketQueues
	balances map[balanceKey]*Balance
	users    map[common.Address]*userMarkets
	events   []rewardsEvent
}

func newWorkspace(eng *Engine) *workspace {
	return &workspace{
		eng:      eng,
		markets:  make(map[common.Address]*Market),
		queues:   make(map[common.Address]*marketQueues),
		balances: make(map[balanceKey]*Balance),
		users:    make(map[common.Address]*userMarkets),
	}
}

func (ws *workspace) market(id common.Address) (*Market, error) {
	if m, ok := ws.markets[id]; ok {
		return m, nil
	}
	m, err := ws.eng.state.GetMarket(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errMarketNotCreated
	}
	m.ensureDefaults()
	ws.markets[id] = m
	return m, nil
}

func (ws *workspace) queuesFor(id common.Address) (*marketQueues, error) {
	if q, ok := ws.queues[id]; ok {
		return q, nil
	}
	q, err := ws.eng.state.GetQueues(id)
	if err != nil {
		return nil, err
	}
	ws.queues[id] = q
	return q, nil
}

// balance returns a copy of the cached working balance; mutations become
// visible only through setSupplyBalance / setBorrowBalance.
func (ws *workspace) balance(id, user common.Address, side Side) (*Balance, error) {
	key := balanceKey{market: id, user: user, side: side}
	if b, ok := ws.balances[key]; ok {
		return b.Clone(), nil
	}
	b, err := ws.eng.state.GetBalance(id, user, side)
	if err != nil {
		return nil, err
	}
	ws.balances[key] = b
	return b.Clone(), nil
}

func (ws *workspace) userSet(user common.Address) (*userMarkets, error) {
	if set, ok := ws.users[user]; ok {
		return set, nil
	}
	set, err := ws.eng.state.GetUserMarkets(user)
	if err != nil {
		return nil, err
	}
	ws.users[user] = set
	return set, nil
}

func (ws *workspace) setSupplyBalance(m *Market, user common.Address, b *Balance) error {
	return ws.setBalance(m, user, SideSupply, b)
}

func (ws *workspace) setBorrowBalance(m *Market, user common.Address, b *Balance) error {
	return ws.setBalance(m, user, SideBorrow, b)
}

// setBalance records the new balance, keeps the rankings and the user's market
// set in sync, and stages a rewards notification whenever the pool-sourced
// part changed.
func (ws *workspace) setBalance(m *Market, user common.Address, side Side, b *Balance) error {
	key := balanceKey{market: m.PoolToken, user: user, side: side}
	old := ws.balances[key]
	if old == nil {
		loaded, err := ws.balance(m.PoolToken, user, side)
		if err != nil {
			return err
		}
		old = loaded
	}

	queues, err := ws.queuesFor(m.PoolToken)
	if err != nil {
		return err
	}
	bound := ws.eng.queueBound
	if side == SideSupply {
		queues.SuppliersOnPool.Update(user, b.OnPool, bound)
		queues.SuppliersInP2P.Update(user, b.InP2P, bound)
	} else {
		queues.BorrowersOnPool.Update(user, b.OnPool, bound)
		queues.BorrowersInP2P.Update(user, b.InP2P, bound)
	}

	if bigOrZero(old.OnPool).Cmp(bigOrZero(b.OnPool)) != 0 {
		total := m.ScaledPoolSupply
		if side == SideBorrow {
			total = m.ScaledPoolBorrow
		}
		total.Add(total, bigOrZero(b.OnPool))
		total.Sub(total, bigOrZero(old.OnPool))
		if total.Sign() < 0 {
			total.SetInt64(0)
		}
		ws.events = append(ws.events, rewardsEvent{
			user:       user,
			asset:      m.Underlying,
			side:       side,
			oldBalance: cloneBig(old.OnPool),
			newTotal:   cloneBig(total),
		})
	}

	set, err := ws.userSet(user)
	if err != nil {
		return err
	}
	set.set(m.PoolToken, side, !b.isZero())

	ws.balances[key] = b.Clone()
	return nil
}

// commit writes every cached record back to the keeper, then notifies the
// rewards sink. Sink failures are logged and never propagated.
func (ws *workspace) commit() error {
	for _, m := range ws.markets {
		if err := ws.eng.state.PutMarket(m); err != nil {
			return err
		}
	}
	for id, q := range ws.queues {
		if err := ws.eng.state.PutQueues(id, q); err != nil {
			return err
		}
	}
	for key, b := range ws.balances {
		if err := ws.eng.state.PutBalance(key.market, key.user, key.side, b); err != nil {
			return err
		}
	}
	for user, set := range ws.users {
		if err := ws.eng.state.PutUserMarkets(user, set); err != nil {
			return err
		}
	}
	if ws.eng.rewards != nil {
		for _, ev := range ws.events {
			if err := ws.eng.rewards.OnPoolBalanceChange(ev.user, ev.asset, ev.side, ev.oldBalance, ev.newTotal); err != nil {
				ws.eng.logger().Warn("rewards sink rejected balance update",
					"user", ev.user.Hex(), "asset", ev.asset.Hex(), "err", err)
			}
		}
	}
	return nil
}
