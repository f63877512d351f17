package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/api/middleware"
	"github.com/clearhealth/claimsync/internal/domain/claim"
	"github.com/clearhealth/claimsync/internal/domain/reimbursement"
	"github.com/clearhealth/claimsync/internal/observability/metrics"
	"github.com/clearhealth/claimsync/internal/store"
	"github.com/clearhealth/claimsync/internal/syncer"
)

type batchFixture struct {
	claimFixture
}

func newBatchFixture(t *testing.T) *batchFixture {
	t.Helper()
	st := store.New(nil)
	st.UpsertPriceSchedule(&claim.PriceSchedule{ID: "ps-1", BillableID: "b-1", ProviderID: "provider-1", Price: 100})
	ledger := syncer.NewLedger(nil)
	m := metrics.NewWith(prometheus.NewRegistry())

	batcher := reimbursement.NewBatcher(st, nil)
	h := NewReimbursementHandler(batcher, st, ledger, nil, m, zap.NewNop())
	srv := httptest.NewServer(middleware.Identity(h.Routes()))
	t.Cleanup(srv.Close)
	return &batchFixture{claimFixture{store: st, ledger: ledger, metrics: m, srv: srv}}
}

func (f *batchFixture) approved(t *testing.T, occurredAt time.Time) *claim.Encounter {
	t.Helper()
	e := claim.NewEncounter("m-1", "provider-1", "user-1", occurredAt)
	e.LineItems = []claim.LineItem{{BillableID: "b-1", PriceScheduleID: "ps-1", Quantity: 1}}
	if _, err := e.Prepare(occurredAt); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := e.Submit(occurredAt.Add(time.Minute)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.Approve(occurredAt.Add(time.Hour)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.store.UpsertEncounter(e)
	return e
}

func TestBatchRoutesArePayerOnly(t *testing.T) {
	f := newBatchFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/preview?provider_id=provider-1&end_date=2026-03-31", middleware.RoleProvider, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("provider on preview: status = %d, want 403", resp.StatusCode)
	}
}

func TestPreviewAndCreate(t *testing.T) {
	f := newBatchFixture(t)
	f.approved(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	f.approved(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC))

	resp, body := f.do(t, http.MethodGet, "/preview?provider_id=provider-1&end_date=2026-03-31", middleware.RolePayerAdmin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: status %d", resp.StatusCode)
	}
	if body["total"].(float64) != 200 {
		t.Errorf("preview total = %v, want 200", body["total"])
	}
	if len(body["encounter_ids"].([]interface{})) != 2 {
		t.Errorf("preview ids = %v", body["encounter_ids"])
	}

	resp, body = f.do(t, http.MethodPost, "/", middleware.RolePayerAdmin, map[string]interface{}{
		"provider_id":   "provider-1",
		"end_date":      "2026-03-31",
		"payment_field": "bank transfer",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %v", resp.StatusCode, body)
	}
	id := body["id"].(string)

	// One delta for the batch and one per bound encounter.
	if got := f.ledger.Stats(); got.Pending != 3 {
		t.Errorf("ledger pending = %d, want 3: %+v", got.Pending, got)
	}
	if got := testutil.ToFloat64(f.metrics.BatchesCreated); got != 1 {
		t.Errorf("batches created = %v, want 1", got)
	}

	resp, body = f.do(t, http.MethodGet, "/"+id, middleware.RolePayerAdmin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	if body["total"].(float64) != 200 {
		t.Errorf("stored total = %v", body["total"])
	}

	// The covered encounters are spent now.
	resp, _ = f.do(t, http.MethodPost, "/", middleware.RolePayerAdmin, map[string]interface{}{
		"provider_id": "provider-1",
		"end_date":    "2026-03-31",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty second batch: status = %d, want 422", resp.StatusCode)
	}
}

func TestBatchBindingHeldAgainstStaleFetch(t *testing.T) {
	f := newBatchFixture(t)
	enc := f.approved(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))

	resp, _ := f.do(t, http.MethodPost, "/", middleware.RolePayerAdmin, map[string]interface{}{
		"provider_id": "provider-1",
		"end_date":    "2026-03-31",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}

	// Binding an encounter into a batch is a local write like any other,
	// so the merge guard must hold the encounter until its delta uploads.
	guard := syncer.NewGuard(f.ledger)
	if !guard.Blocked(store.KindEncounter, enc.ID) {
		t.Fatal("bound encounter not held by the merge guard")
	}

	// A stale server copy without the binding is filtered out of a fetch;
	// merging it would release the encounter into a second batch.
	stale := map[string]*claim.Encounter{enc.ID: {ID: enc.ID}}
	if kept := syncer.Reconcile(guard, store.KindEncounter, stale); len(kept) != 0 {
		t.Errorf("stale unbound copy survived reconciliation: %v", kept)
	}
	bound, _ := f.store.Encounter(enc.ID)
	if bound.ReimbursementID == nil {
		t.Error("encounter lost its batch binding")
	}
}

func TestUpdateBatchEndDate(t *testing.T) {
	f := newBatchFixture(t)
	f.approved(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	late := f.approved(t, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC))

	resp, body := f.do(t, http.MethodPost, "/", middleware.RolePayerAdmin, map[string]interface{}{
		"provider_id": "provider-1",
		"end_date":    "2026-03-31",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	id := body["id"].(string)

	resp, body = f.do(t, http.MethodPut, "/"+id, middleware.RolePayerAdmin, map[string]interface{}{
		"end_date": "2026-04-30",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d body %v", resp.StatusCode, body)
	}
	if len(body["encounter_ids"].([]interface{})) != 2 {
		t.Errorf("extended batch ids = %v", body["encounter_ids"])
	}
	enc, _ := f.store.Encounter(late.ID)
	if enc.ReimbursementID == nil {
		t.Error("late encounter not bound after extension")
	}

	// Record the payment, then further edits are refused.
	resp, _ = f.do(t, http.MethodPut, "/"+id, middleware.RolePayerAdmin, map[string]interface{}{
		"end_date":     "2026-04-30",
		"payment_date": "2026-05-02",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment update: status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPut, "/"+id, middleware.RolePayerAdmin, map[string]interface{}{
		"end_date": "2026-05-31",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("edit after payment: status = %d, want 409", resp.StatusCode)
	}
}

func TestUpdateUnknownBatchOverHTTP(t *testing.T) {
	f := newBatchFixture(t)
	resp, _ := f.do(t, http.MethodPut, "/no-such-batch", middleware.RolePayerAdmin, map[string]interface{}{
		"end_date": "2026-03-31",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
