package lending

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"peerlend/storage"
)

const checkpointVersion = 1

var checkpointKey = []byte("lending/checkpoint")

// ErrNoCheckpoint is returned by Load when the backend holds no checkpoint.
var ErrNoCheckpoint = errors.New("lending: no checkpoint stored")

type checkpointBalance struct {
	Market common.Address `json:"market"`
	User   common.Address `json:"user"`
	Side   Side           `json:"side"`
	OnPool *big.Int       `json:"onPool"`
	InP2P  *big.Int       `json:"inP2P"`
}

type checkpoint struct {
	Version   uint32              `json:"version"`
	Timestamp uint64              `json:"timestamp"`
	Markets   []*Market           `json:"markets"`
	Balances  []checkpointBalance `json:"balances"`
}

// CheckpointStore persists engine state as a single versioned document in a
// key-value backend. Rankings and user market sets are derived data and are
// rebuilt on load rather than stored.
type CheckpointStore struct {
	db         storage.Database
	queueBound int
}

// NewCheckpointStore wraps a backend. The queue bound must match the engine's
// so rebuilt rankings rank the same prefix.
func NewCheckpointStore(db storage.Database, queueBound int) *CheckpointStore {
	if queueBound < 0 {
		queueBound = 0
	}
	return &CheckpointStore{db: db, queueBound: queueBound}
}

// Save snapshots the state under the checkpoint key, replacing any previous
// snapshot.
func (cs *CheckpointStore) Save(state *MemoryState, timestamp uint64) error {
	doc := checkpoint{Version: checkpointVersion, Timestamp: timestamp}
	for _, id := range state.MarketIDs() {
		m, err := state.GetMarket(id)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		m.ensureDefaults()
		doc.Markets = append(doc.Markets, m)
		for _, side := range []Side{SideSupply, SideBorrow} {
			for _, user := range state.Users(id, side) {
				b, err := state.GetBalance(id, user, side)
				if err != nil {
					return err
				}
				if b.isZero() {
					continue
				}
				doc.Balances = append(doc.Balances, checkpointBalance{
					Market: id,
					User:   user,
					Side:   side,
					OnPool: b.OnPool,
					InP2P:  b.InP2P,
				})
			}
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("lending: encode checkpoint: %w", err)
	}
	return cs.db.Put(checkpointKey, raw)
}

// Load reads the latest snapshot and reconstructs a full state, rebuilding
// every ranking and user market set from the stored balances. The stored
// logical timestamp is returned alongside.
func (cs *CheckpointStore) Load() (*MemoryState, uint64, error) {
	raw, err := cs.db.Get(checkpointKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, 0, ErrNoCheckpoint
	}
	if err != nil {
		return nil, 0, err
	}
	var doc checkpoint
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("lending: decode checkpoint: %w", err)
	}
	if doc.Version != checkpointVersion {
		return nil, 0, fmt.Errorf("lending: unsupported checkpoint version %d", doc.Version)
	}

	state := NewMemoryState()
	queues := make(map[common.Address]*marketQueues)
	sets := make(map[common.Address]*userMarkets)
	for _, m := range doc.Markets {
		m.ensureDefaults()
		if err := state.PutMarket(m); err != nil {
			return nil, 0, err
		}
		queues[m.PoolToken] = newMarketQueues()
	}
	for _, b := range doc.Balances {
		q, ok := queues[b.Market]
		if !ok {
			return nil, 0, fmt.Errorf("lending: checkpoint balance references unknown market %s", b.Market.Hex())
		}
		bal := &Balance{OnPool: bigOrZero(b.OnPool), InP2P: bigOrZero(b.InP2P)}
		if err := state.PutBalance(b.Market, b.User, b.Side, bal); err != nil {
			return nil, 0, err
		}
		if b.Side == SideSupply {
			q.SuppliersOnPool.Update(b.User, bal.OnPool, cs.queueBound)
			q.SuppliersInP2P.Update(b.User, bal.InP2P, cs.queueBound)
		} else {
			q.BorrowersOnPool.Update(b.User, bal.OnPool, cs.queueBound)
			q.BorrowersInP2P.Update(b.User, bal.InP2P, cs.queueBound)
		}
		set, ok := sets[b.User]
		if !ok {
			set = &userMarkets{}
			sets[b.User] = set
		}
		set.set(b.Market, b.Side, !bal.isZero())
	}
	for id, q := range queues {
		if err := state.PutQueues(id, q); err != nil {
			return nil, 0, err
		}
	}
	for user, set := range sets {
		if err := state.PutUserMarkets(user, set); err != nil {
			return nil, 0, err
		}
	}
	return state, doc.Timestamp, nil
}
