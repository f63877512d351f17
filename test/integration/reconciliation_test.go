// Package integration exercises the full offline reconciliation loop against
// a stub payer backend: local writes, the merge guard, delta drain and
// reimbursement batching working together.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clearhealth/claimsync/internal/domain/claim"
	"github.com/clearhealth/claimsync/internal/domain/reimbursement"
	"github.com/clearhealth/claimsync/internal/gateway"
	"github.com/clearhealth/claimsync/internal/store"
	"github.com/clearhealth/claimsync/internal/syncer"
	"github.com/clearhealth/claimsync/pkg/circuitbreaker"
)

// payerStub is a minimal payer backend: one collection per kind, mutations
// stored by entity id, echoes back the stored copy.
type payerStub struct {
	mu       sync.Mutex
	entities map[string]map[string]json.RawMessage
}

func newPayerStub() *payerStub {
	return &payerStub{entities: map[string]map[string]json.RawMessage{}}
}

func (p *payerStub) put(kind, id string, raw json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entities[kind] == nil {
		p.entities[kind] = map[string]json.RawMessage{}
	}
	p.entities[kind][id] = raw
}

func (p *payerStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := strings.Trim(r.URL.Path, "/")
		switch r.Method {
		case http.MethodGet:
			p.mu.Lock()
			items := make([]json.RawMessage, 0, len(p.entities[kind]))
			for _, raw := range p.entities[kind] {
				items = append(items, raw)
			}
			p.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var entity struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &entity); err != nil || entity.ID == "" {
				http.Error(w, "bad entity", http.StatusBadRequest)
				return
			}
			p.put(kind, entity.ID, body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write(body)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

type engine struct {
	store    *store.Store
	ledger   *syncer.Ledger
	fetcher  *syncer.Fetcher
	uploader *syncer.Uploader
	batcher  *reimbursement.Batcher
}

func newEngine(t *testing.T, gatewayURL string) *engine {
	t.Helper()
	st := store.New(nil)
	ledger := syncer.NewLedger(nil)
	gw := gateway.NewClient(gatewayURL, nil)
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("integration"), nil)
	return &engine{
		store:    st,
		ledger:   ledger,
		fetcher:  syncer.NewFetcher(gw, st, syncer.NewGuard(ledger), nil, nil),
		uploader: syncer.NewUploader(gw, ledger, st, breaker, nil, 0, nil),
		batcher:  reimbursement.NewBatcher(st, nil),
	}
}

// record mirrors what the HTTP handlers do on every local write: upsert the
// entity and append the delta.
func (e *engine) record(t *testing.T, enc *claim.Encounter) {
	t.Helper()
	e.store.UpsertEncounter(enc)
	payload, err := json.Marshal(enc)
	if err != nil {
		t.Fatalf("encode encounter: %v", err)
	}
	e.ledger.Record(store.KindEncounter, enc.ID, payload)
}

func TestOfflineEditSurvivesFetchThenDrains(t *testing.T) {
	payer := newPayerStub()
	srv := httptest.NewServer(payer.handler())
	defer srv.Close()

	eng := newEngine(t, srv.URL)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// The clinic documents and submits an encounter while the link is down.
	enc := claim.NewEncounter("m-1", "provider-1", "user-1", day)
	enc.LineItems = []claim.LineItem{{BillableID: "b-1", PriceScheduleID: "ps-1", Quantity: 2}}
	if _, err := enc.Prepare(day); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := enc.Submit(day.Add(time.Minute)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	eng.record(t, enc)

	// The payer still holds a stale draft copy of the same encounter.
	stale := claim.NewEncounter("m-1", "provider-1", "user-1", day)
	stale.ID = enc.ID
	stale.ClaimID = enc.ClaimID
	staleRaw, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("encode stale copy: %v", err)
	}
	payer.put(store.KindEncounter, stale.ID, staleRaw)

	// Connectivity returns. Fetch must not clobber the unsynced local work.
	merged, blocked, err := eng.fetcher.Fetch(ctx, store.KindEncounter, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if merged != 0 || blocked != 1 {
		t.Fatalf("merged=%d blocked=%d, want 0/1", merged, blocked)
	}
	local, _ := eng.store.Encounter(enc.ID)
	if local.SubmissionState != claim.SubmissionSubmitted {
		t.Fatalf("local submission lost: %s", local.SubmissionState)
	}

	// Drain pushes the submitted encounter to the payer.
	res, err := eng.uploader.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Uploaded != 1 || res.Remaining != 0 {
		t.Fatalf("drain result = %+v", res)
	}
	if got := eng.ledger.Stats(); got.Pending != 0 {
		t.Fatalf("ledger pending = %d after drain", got.Pending)
	}

	// The payer now holds the submitted copy, and a refetch merges cleanly.
	merged, blocked, err = eng.fetcher.Fetch(ctx, store.KindEncounter, nil)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if merged != 1 || blocked != 0 {
		t.Fatalf("refetch merged=%d blocked=%d, want 1/0", merged, blocked)
	}
	local, _ = eng.store.Encounter(enc.ID)
	if local.SubmissionState != claim.SubmissionSubmitted {
		t.Fatalf("server copy regressed the encounter: %s", local.SubmissionState)
	}
}

func TestReturnChainAndReimbursementNoDoubleCount(t *testing.T) {
	payer := newPayerStub()
	srv := httptest.NewServer(payer.handler())
	defer srv.Close()

	eng := newEngine(t, srv.URL)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	eng.store.UpsertPriceSchedule(&claim.PriceSchedule{ID: "ps-1", BillableID: "b-1", ProviderID: "provider-1", Price: 500})

	// Submit, get returned, revise, resubmit, approve.
	enc := claim.NewEncounter("m-1", "provider-1", "user-1", day)
	enc.LineItems = []claim.LineItem{{BillableID: "b-1", PriceScheduleID: "ps-1", Quantity: 1}}
	if _, err := enc.Prepare(day); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := enc.Submit(day.Add(time.Minute)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	eng.record(t, enc)

	revision, _, err := enc.Return(claim.ReasonIncorrectBillables, "", day.Add(time.Hour))
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	eng.record(t, enc)
	eng.record(t, revision)

	revision.LineItems = []claim.LineItem{{BillableID: "b-1", PriceScheduleID: "ps-1", Quantity: 2}}
	if _, err := revision.Prepare(day.Add(2 * time.Hour)); err != nil {
		t.Fatalf("revision prepare: %v", err)
	}
	if _, err := revision.Submit(day.Add(3 * time.Hour)); err != nil {
		t.Fatalf("revision submit: %v", err)
	}
	if _, err := revision.Approve(day.Add(4 * time.Hour)); err != nil {
		t.Fatalf("revision approve: %v", err)
	}
	eng.record(t, revision)

	// The chain holds both encounters, the revision last.
	chain := claim.ResolveChain(enc.ClaimID, eng.store.Encounters())
	if chain == nil || len(chain.Encounters) != 2 {
		t.Fatalf("chain = %+v", chain)
	}
	if chain.Last.ID != revision.ID {
		t.Fatalf("chain last = %s, want the revision", chain.Last.ID)
	}

	// Only the approved revision is reimbursable; the returned original never
	// enters a batch.
	endDate := day.AddDate(0, 1, 0)
	batch, err := eng.batcher.Create(ctx, "provider-1", endDate, "bank transfer")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if len(batch.EncounterIDs) != 1 || batch.EncounterIDs[0] != revision.ID {
		t.Fatalf("batch covers %v, want only the revision", batch.EncounterIDs)
	}
	if batch.Total != 1000 {
		t.Fatalf("batch total = %d, want 1000", batch.Total)
	}

	// A second batch over the same period finds nothing to pay twice.
	if _, err := eng.batcher.Create(ctx, "provider-1", endDate, ""); err != reimbursement.ErrNothingReimbursable {
		t.Fatalf("second batch: %v, want ErrNothingReimbursable", err)
	}

	// Record the batch and the bound encounter, the way the reimbursement
	// handler does: the binding is a local write and must survive a stale
	// fetch until it drains.
	raw, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	eng.ledger.Record(store.KindReimbursement, batch.ID, raw)
	bound, _ := eng.store.Encounter(revision.ID)
	rawEnc, err := json.Marshal(bound)
	if err != nil {
		t.Fatalf("encode encounter: %v", err)
	}
	eng.ledger.Record(store.KindEncounter, revision.ID, rawEnc)

	res, err := eng.uploader.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Remaining != 0 {
		t.Fatalf("drain left %d deltas", res.Remaining)
	}
}
