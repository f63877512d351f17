// Package syncer keeps a disconnected client and the payer backend
// convergent: the delta ledger records pending local mutations, the merge
// guard keeps stale server reads from overwriting them, the fetcher pulls
// server state with supersede-on-refetch semantics, and the uploader drains
// acknowledged work back out.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/store"
)

// Delta is one pending local mutation against a specific entity. Deltas are
// appended in the order the edits were attempted, so conflicting edits to the
// same entity can be surfaced rather than silently collapsed.
type Delta struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	ModelType string          `json:"model_type"`
	ModelID   string          `json:"model_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
}

// Ledger is the append-only log of unsynced local work. It is single-writer,
// append-mostly; readers always observe a consistent snapshot — a delta is
// either fully recorded or absent, never half-written.
type Ledger struct {
	mu     sync.Mutex
	seq    uint64
	deltas []*Delta
	logger *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger}
}

// Record appends a pending mutation. The payload is the full entity as
// locally written; a later Record for the same entity appends a new delta
// rather than replacing the old one.
func (l *Ledger) Record(modelType, modelID string, payload json.RawMessage) *Delta {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	d := &Delta{
		ID:        uuid.New().String(),
		Seq:       l.seq,
		ModelType: modelType,
		ModelID:   modelID,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	l.deltas = append(l.deltas, d)

	l.logger.Debug("delta recorded",
		zap.String("model_type", modelType),
		zap.String("model_id", modelID),
		zap.Uint64("seq", d.Seq))
	return d
}

// Acknowledge marks every delta for the entity as synced after the server
// confirmed the mutation. Synced deltas no longer block ReconcileIncoming;
// eviction happens in a later Collect pass.
func (l *Ledger) Acknowledge(modelType, modelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.deltas {
		if d.ModelType == modelType && d.ModelID == modelID {
			d.Synced = true
		}
	}
}

// acknowledgeDelta marks a single delta synced by ledger id. Used by the
// uploader, which drains delta by delta in recorded order.
func (l *Ledger) acknowledgeDelta(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.deltas {
		if d.ID == id {
			d.Synced = true
			return
		}
	}
}

// Unsynced returns clones of all pending deltas in recorded order.
func (l *Ledger) Unsynced() []*Delta {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Delta
	for _, d := range l.deltas {
		if !d.Synced {
			c := *d
			out = append(out, &c)
		}
	}
	return out
}

// UnsyncedIDs returns the set of entity ids with pending deltas for one
// model type. This is the set the merge guard protects.
func (l *Ledger) UnsyncedIDs(modelType string) map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]struct{})
	for _, d := range l.deltas {
		if !d.Synced && d.ModelType == modelType {
			out[d.ModelID] = struct{}{}
		}
	}
	return out
}

// Collect evicts synced deltas and returns how many were dropped. A delta is
// never evicted before acknowledgement.
func (l *Ledger) Collect() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.deltas[:0]
	dropped := 0
	for _, d := range l.deltas {
		if d.Synced {
			dropped++
			continue
		}
		kept = append(kept, d)
	}
	l.deltas = kept
	if dropped > 0 {
		l.logger.Debug("ledger collected", zap.Int("evicted", dropped))
	}
	return dropped
}

// Stats summarizes the ledger for the sync status endpoint.
type Stats struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}

// Stats returns current counts.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	var s Stats
	for _, d := range l.deltas {
		if d.Synced {
			s.Synced++
		} else {
			s.Pending++
		}
	}
	return s
}

// ledgerPartition is the persisted partition name for the ledger.
const ledgerPartition = "deltas"

const ledgerSchemaVersion = 1

type ledgerFile struct {
	Version int      `json:"version"`
	Deltas  []*Delta `json:"deltas"`
}

// Save persists the ledger to the KV. Synced-but-uncollected deltas are
// persisted too; they are harmless duplicates after a crash.
func (l *Ledger) Save(ctx context.Context, kv store.KV) error {
	l.mu.Lock()
	file := ledgerFile{Version: ledgerSchemaVersion, Deltas: make([]*Delta, len(l.deltas))}
	for i, d := range l.deltas {
		c := *d
		file.Deltas[i] = &c
	}
	l.mu.Unlock()

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return kv.Write(ctx, ledgerPartition, data)
}

// Load restores the ledger from the KV. An unrecognized version resets the
// ledger partition to empty rather than failing startup; other partitions
// are unaffected.
func (l *Ledger) Load(ctx context.Context, kv store.KV) error {
	data, err := kv.Read(ctx, ledgerPartition)
	if errors.Is(err, store.ErrPartitionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode ledger: %w", err)
	}
	// An unrecognized version cannot be trusted; start empty rather than
	// refuse to start. The next Save rewrites the partition at the current
	// version.
	if file.Version != ledgerSchemaVersion {
		l.logger.Warn("unrecognized ledger schema version, partition reset",
			zap.Int("version", file.Version),
			zap.Int("current", ledgerSchemaVersion))
		l.mu.Lock()
		l.deltas = nil
		l.mu.Unlock()
		return nil
	}

	sort.Slice(file.Deltas, func(i, j int) bool { return file.Deltas[i].Seq < file.Deltas[j].Seq })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.deltas = file.Deltas
	for _, d := range file.Deltas {
		if d.Seq > l.seq {
			l.seq = d.Seq
		}
	}
	return nil
}
