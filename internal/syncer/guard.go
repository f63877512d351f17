package syncer

// Guard sits between a fetch result and the store write. Any entity with a
// pending unsynced delta is dropped from the incoming batch, so a stale
// server read can never overwrite local work the server has not yet
// acknowledged. The guard is conservative: it may keep a local copy slightly
// longer than necessary, never the reverse.
type Guard struct {
	ledger *Ledger
}

// NewGuard creates a guard over the ledger.
func NewGuard(ledger *Ledger) *Guard {
	return &Guard{ledger: ledger}
}

// Blocked reports whether the entity currently has an unsynced delta.
func (g *Guard) Blocked(modelType, modelID string) bool {
	_, ok := g.ledger.UnsyncedIDs(modelType)[modelID]
	return ok
}

// Reconcile filters an incoming batch against the guard. The returned map
// contains only ids without unsynced deltas; those are safe to merge into
// the store with last-write-wins semantics. The guard reads one consistent
// ledger snapshot for the whole batch.
func Reconcile[T any](g *Guard, modelType string, incoming map[string]T) map[string]T {
	blocked := g.ledger.UnsyncedIDs(modelType)
	if len(blocked) == 0 {
		return incoming
	}
	out := make(map[string]T, len(incoming))
	for id, entity := range incoming {
		if _, ok := blocked[id]; ok {
			continue
		}
		out[id] = entity
	}
	return out
}
