package lending

import (
	"errors"
	"fmt"

	"peerlend/config"
	"peerlend/observability"
	"peerlend/observability/logging"
	"peerlend/storage"
)

// Runtime bundles an engine with the collaborators built from operator
// configuration. Close flushes a final checkpoint and releases the backend.
type Runtime struct {
	Engine *Engine
	Store  *CheckpointStore
	db     storage.Database
}

// NewRuntime assembles an engine over the given pool and oracle per the
// operator configuration: structured logging, metrics, the checkpoint backend
// (persistent when DataDir is set), and any previously saved state.
func NewRuntime(cfg *config.Config, pool Pool, oracle PriceOracle) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Setup("peerlend", cfg.Environment, logging.ParseLevel(cfg.LogLevel))

	var db storage.Database
	if cfg.DataDir != "" {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("lending: open checkpoint database: %w", err)
		}
		db = ldb
	} else {
		db = storage.NewMemDB()
	}
	store := NewCheckpointStore(db, cfg.QueueBound)

	eng := NewEngine(pool, oracle)
	eng.SetLogger(logger)
	eng.SetMetrics(observability.Lending())
	eng.SetDefaultIterations(cfg.MatchIterations)
	eng.SetQueueBound(cfg.QueueBound)

	state, ts, err := store.Load()
	switch {
	case err == nil:
		eng.SetState(state)
		eng.SetTimestamp(ts)
		logger.Info("restored lending state from checkpoint", "timestamp", ts)
	case errors.Is(err, ErrNoCheckpoint):
		logger.Info("starting with empty lending state")
	default:
		db.Close()
		return nil, err
	}
	return &Runtime{Engine: eng, Store: store, db: db}, nil
}

// Checkpoint snapshots the engine's current state.
func (r *Runtime) Checkpoint() error {
	state, ok := r.Engine.state.(*MemoryState)
	if !ok {
		return errors.New("lending: state backend does not support checkpointing")
	}
	return r.Store.Save(state, r.Engine.Timestamp())
}

// Close writes a final checkpoint and closes the backend.
func (r *Runtime) Close() error {
	err := r.Checkpoint()
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}
