package lending

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// engineState is the persistence boundary of the engine. Implementations must
// hand out copies: the engine mutates working state freely and writes back
// only once every external pool interaction has succeeded.
type engineState interface {
	GetMarket(id common.Address) (*Market, error)
	PutMarket(m *Market) error
	GetQueues(id common.Address) (*marketQueues, error)
	PutQueues(id common.Address, q *marketQueues) error
	GetBalance(id, user common.Address, side Side) (*Balance, error)
	PutBalance(id, user common.Address, side Side, b *Balance) error
	GetUserMarkets(user common.Address) (*userMarkets, error)
	PutUserMarkets(user common.Address, set *userMarkets) error
}

// MemoryState is the canonical in-memory engineState implementation.
type MemoryState struct {
	mu       sync.RWMutex
	markets  map[common.Address]*Market
	queues   map[common.Address]*marketQueues
	balances map[common.Address]map[Side]map[common.Address]*Balance
	users    map[common.Address]*userMarkets
}

// NewMemoryState returns an empty state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		markets:  make(map[common.Address]*Market),
		queues:   make(map[common.Address]*marketQueues),
		balances: make(map[common.Address]map[Side]map[common.Address]*Balance),
		users:    make(map[common.Address]*userMarkets),
	}
}

func (s *MemoryState) GetMarket(id common.Address) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets[id].Clone(), nil
}

func (s *MemoryState) PutMarket(m *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.PoolToken] = m.Clone()
	return nil
}

func (s *MemoryState) GetQueues(id common.Address) (*marketQueues, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues[id].clone(), nil
}

func (s *MemoryState) PutQueues(id common.Address, q *marketQueues) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = q.clone()
	return nil
}

func (s *MemoryState) GetBalance(id, user common.Address, side Side) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bySide, ok := s.balances[id]; ok {
		if byUser, ok := bySide[side]; ok {
			if b, ok := byUser[user]; ok {
				return b.Clone(), nil
			}
		}
	}
	return (*Balance)(nil).Clone(), nil
}

func (s *MemoryState) PutBalance(id, user common.Address, side Side, b *Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySide, ok := s.balances[id]
	if !ok {
		bySide = make(map[Side]map[common.Address]*Balance)
		s.balances[id] = bySide
	}
	byUser, ok := bySide[side]
	if !ok {
		byUser = make(map[common.Address]*Balance)
		bySide[side] = byUser
	}
	if b == nil || b.isZero() {
		delete(byUser, user)
		return nil
	}
	byUser[user] = b.Clone()
	return nil
}

func (s *MemoryState) GetUserMarkets(user common.Address) (*userMarkets, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if set, ok := s.users[user]; ok {
		return set.clone(), nil
	}
	return &userMarkets{}, nil
}

func (s *MemoryState) PutUserMarkets(user common.Address, set *userMarkets) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set == nil || len(set.entries) == 0 {
		delete(s.users, user)
		return nil
	}
	s.users[user] = set.clone()
	return nil
}

// MarketIDs lists every created market in deterministic order.
func (s *MemoryState) MarketIDs() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]common.Address, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}

// Users lists every user holding a nonzero balance on one side of a market.
func (s *MemoryState) Users(id common.Address, side Side) []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []common.Address
	if bySide, ok := s.balances[id]; ok {
		for user := range bySide[side] {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// UserIDs lists every user with a recorded market set.
func (s *MemoryState) UserIDs() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]common.Address, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}
