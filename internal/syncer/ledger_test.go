package syncer

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/clearhealth/claimsync/internal/store"
)

func TestLedgerRecordOrder(t *testing.T) {
	l := NewLedger(nil)

	d1 := l.Record(store.KindEncounter, "enc-1", json.RawMessage(`{"id":"enc-1","v":1}`))
	d2 := l.Record(store.KindEncounter, "enc-2", json.RawMessage(`{"id":"enc-2"}`))
	d3 := l.Record(store.KindEncounter, "enc-1", json.RawMessage(`{"id":"enc-1","v":2}`))

	if d1.Seq >= d2.Seq || d2.Seq >= d3.Seq {
		t.Fatalf("sequence not monotonic: %d %d %d", d1.Seq, d2.Seq, d3.Seq)
	}

	pending := l.Unsynced()
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	// Two edits to the same entity stay as two deltas in attempted order.
	if pending[0].ID != d1.ID || pending[2].ID != d3.ID {
		t.Error("deltas not in recorded order")
	}
}

func TestLedgerAcknowledgeAndCollect(t *testing.T) {
	l := NewLedger(nil)
	l.Record(store.KindEncounter, "enc-1", json.RawMessage(`{}`))
	l.Record(store.KindEncounter, "enc-1", json.RawMessage(`{}`))
	l.Record(store.KindMember, "m-1", json.RawMessage(`{}`))

	l.Acknowledge(store.KindEncounter, "enc-1")

	stats := l.Stats()
	if stats.Pending != 1 || stats.Synced != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(l.UnsyncedIDs(store.KindEncounter)) != 0 {
		t.Error("acknowledged entity still blocks")
	}
	if len(l.UnsyncedIDs(store.KindMember)) != 1 {
		t.Error("other model type's delta lost")
	}

	if dropped := l.Collect(); dropped != 2 {
		t.Errorf("collected %d, want 2", dropped)
	}
	if got := l.Stats(); got.Pending != 1 || got.Synced != 0 {
		t.Errorf("post-collect stats = %+v", got)
	}
}

func TestGuardReconcile(t *testing.T) {
	l := NewLedger(nil)
	g := NewGuard(l)

	l.Record(store.KindEncounter, "enc-1", json.RawMessage(`{}`))

	incoming := map[string]string{"enc-1": "server copy", "enc-2": "server copy"}
	safe := Reconcile(g, store.KindEncounter, incoming)

	if _, ok := safe["enc-1"]; ok {
		t.Error("entity with pending delta merged")
	}
	if _, ok := safe["enc-2"]; !ok {
		t.Error("clean entity dropped")
	}
	if !g.Blocked(store.KindEncounter, "enc-1") {
		t.Error("Blocked disagrees with Reconcile")
	}

	// After acknowledgement the same batch passes whole.
	l.Acknowledge(store.KindEncounter, "enc-1")
	safe = Reconcile(g, store.KindEncounter, incoming)
	if len(safe) != 2 {
		t.Errorf("post-ack batch filtered: %v", safe)
	}
}

func TestLedgerSaveLoad(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()

	l := NewLedger(nil)
	l.Record(store.KindEncounter, "enc-1", json.RawMessage(`{"id":"enc-1"}`))
	d2 := l.Record(store.KindEncounter, "enc-2", json.RawMessage(`{"id":"enc-2"}`))
	l.Acknowledge(store.KindEncounter, "enc-1")

	if err := l.Save(ctx, kv); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewLedger(nil)
	if err := restored.Load(ctx, kv); err != nil {
		t.Fatalf("load: %v", err)
	}

	stats := restored.Stats()
	if stats.Pending != 1 || stats.Synced != 1 {
		t.Fatalf("restored stats = %+v", stats)
	}

	// The sequence counter resumes past every persisted delta.
	d3 := restored.Record(store.KindEncounter, "enc-3", json.RawMessage(`{}`))
	if d3.Seq <= d2.Seq {
		t.Errorf("seq did not resume: %d after %d", d3.Seq, d2.Seq)
	}
}

func TestLedgerLoadUnknownVersionResets(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	seed := `{"version": 99, "deltas": [{"id":"x","seq":1,"model_type":"encounters","model_id":"enc-1"}]}`
	if err := kv.Write(ctx, "deltas", []byte(seed)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// An unreadable ledger must not refuse startup; it resets to empty.
	l := NewLedger(nil)
	if err := l.Load(ctx, kv); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := l.Stats(); got.Pending != 0 || got.Synced != 0 {
		t.Errorf("ledger should reset to empty, got %+v", got)
	}

	// The reset ledger keeps working and the next save rewrites the
	// partition at the current version.
	l.Record(store.KindEncounter, "enc-2", json.RawMessage(`{"id":"enc-2"}`))
	if err := l.Save(ctx, kv); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored := NewLedger(nil)
	if err := restored.Load(ctx, kv); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := restored.Stats(); got.Pending != 1 {
		t.Errorf("reloaded stats = %+v, want one pending delta", got)
	}
}
