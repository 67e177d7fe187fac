package lending

import "sync"

// reentrancyLock is a non-blocking mutual exclusion guard around the engine's
// mutating entry points. A nested or concurrent call observes a held lock and
// fails fast instead of deadlocking or interleaving ledger mutations.
type reentrancyLock struct {
	mu sync.Mutex
}

func (l *reentrancyLock) acquire() bool {
	return l.mu.TryLock()
}

func (l *reentrancyLock) release() {
	l.mu.Unlock()
}
