package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/api/middleware"
	"github.com/clearhealth/claimsync/internal/domain/claim"
	"github.com/clearhealth/claimsync/internal/observability/metrics"
	"github.com/clearhealth/claimsync/internal/store"
	"github.com/clearhealth/claimsync/internal/syncer"
)

type claimFixture struct {
	store   *store.Store
	ledger  *syncer.Ledger
	metrics *metrics.Metrics
	srv     *httptest.Server
}

func newClaimFixture(t *testing.T) *claimFixture {
	t.Helper()
	st := store.New(nil)
	st.UpsertMember(&claim.Member{ID: "m-1", FullName: "Amina Yusuf"})
	ledger := syncer.NewLedger(nil)
	m := metrics.NewWith(prometheus.NewRegistry())

	h := NewClaimHandler(st, ledger, nil, m, zap.NewNop())
	srv := httptest.NewServer(middleware.Identity(h.Routes()))
	t.Cleanup(srv.Close)
	return &claimFixture{store: st, ledger: ledger, metrics: m, srv: srv}
}

func (f *claimFixture) do(t *testing.T, method, path, role string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-User-Role", role)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *claimFixture) create(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/", middleware.RoleProvider, map[string]interface{}{
		"member_id":   "m-1",
		"provider_id": "provider-1",
		"occurred_at": time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		"outcome":     "discharged",
		"line_items":  []map[string]interface{}{{"billable_id": "b-1", "price_schedule_id": "ps-1", "quantity": 1}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %v", resp.StatusCode, body)
	}
	enc := body["encounter"].(map[string]interface{})
	return enc["id"].(string)
}

func TestCreateEncounter(t *testing.T) {
	f := newClaimFixture(t)

	id := f.create(t)
	if _, ok := f.store.Encounter(id); !ok {
		t.Error("encounter not stored")
	}
	// Every local write leaves an offline delta.
	if got := f.ledger.Stats(); got.Pending != 1 {
		t.Errorf("ledger pending = %d, want 1", got.Pending)
	}
}

func TestCreateRejectsUnknownMember(t *testing.T) {
	f := newClaimFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/", middleware.RoleProvider, map[string]interface{}{
		"member_id":   "ghost",
		"provider_id": "provider-1",
		"occurred_at": time.Now().UTC(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitFlow(t *testing.T) {
	f := newClaimFixture(t)
	id := f.create(t)

	resp, body := f.do(t, http.MethodPost, "/"+id+"/prepare", middleware.RoleProvider, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prepare: status %d body %v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/submit", middleware.RoleProvider, map[string]interface{}{
		"encounter_ids": []string{id},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}

	enc, _ := f.store.Encounter(id)
	if enc.SubmissionState != claim.SubmissionSubmitted {
		t.Errorf("state = %s, want submitted", enc.SubmissionState)
	}

	// Editing after submission is refused.
	resp, _ = f.do(t, http.MethodPut, "/"+id, middleware.RoleProvider, map[string]interface{}{
		"line_items": []map[string]interface{}{{"billable_id": "b-2", "price_schedule_id": "ps-1", "quantity": 2}},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("edit after submit: status = %d, want 409", resp.StatusCode)
	}
}

func TestLifecycleCounters(t *testing.T) {
	f := newClaimFixture(t)
	id := f.create(t)
	f.do(t, http.MethodPost, "/"+id+"/prepare", middleware.RoleProvider, nil)
	f.do(t, http.MethodPost, "/submit", middleware.RoleProvider, map[string]interface{}{
		"encounter_ids": []string{id},
	})

	if got := testutil.ToFloat64(f.metrics.EncountersOpened); got != 1 {
		t.Errorf("encounters opened = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.EncountersSubmitted); got != 1 {
		t.Errorf("encounters submitted = %v, want 1", got)
	}
	for _, event := range []string{string(claim.EventEncounterPrepared), string(claim.EventEncounterSubmitted)} {
		if got := testutil.ToFloat64(f.metrics.Transitions.WithLabelValues(event)); got != 1 {
			t.Errorf("transitions{%s} = %v, want 1", event, got)
		}
	}
}

func TestSubmitAllOrNothing(t *testing.T) {
	f := newClaimFixture(t)
	prepared := f.create(t)
	if resp, _ := f.do(t, http.MethodPost, "/"+prepared+"/prepare", middleware.RoleProvider, nil); resp.StatusCode != http.StatusOK {
		t.Fatal("prepare failed")
	}
	unprepared := f.create(t)

	resp, _ := f.do(t, http.MethodPost, "/submit", middleware.RoleProvider, map[string]interface{}{
		"encounter_ids": []string{prepared, unprepared},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("mixed submit: status = %d, want 409", resp.StatusCode)
	}
	enc, _ := f.store.Encounter(prepared)
	if enc.SubmissionState == claim.SubmissionSubmitted {
		t.Error("partial submit landed; batch must be all-or-nothing")
	}
}

func TestAdjudicationRequiresPayerAdmin(t *testing.T) {
	f := newClaimFixture(t)
	id := f.create(t)
	f.do(t, http.MethodPost, "/"+id+"/prepare", middleware.RoleProvider, nil)
	f.do(t, http.MethodPost, "/submit", middleware.RoleProvider, map[string]interface{}{"encounter_ids": []string{id}})

	resp, _ := f.do(t, http.MethodPost, "/"+id+"/approve", middleware.RoleProvider, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("provider approving: status = %d, want 403", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/"+id+"/approve", middleware.RolePayerAdmin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payer admin approving: status = %d", resp.StatusCode)
	}
	enc, _ := f.store.Encounter(id)
	if enc.AdjudicationState != claim.AdjudicationApproved {
		t.Errorf("state = %s, want approved", enc.AdjudicationState)
	}
}

func TestReturnOpensRevisionOverHTTP(t *testing.T) {
	f := newClaimFixture(t)
	id := f.create(t)
	f.do(t, http.MethodPost, "/"+id+"/prepare", middleware.RoleProvider, nil)
	f.do(t, http.MethodPost, "/submit", middleware.RoleProvider, map[string]interface{}{"encounter_ids": []string{id}})

	resp, body := f.do(t, http.MethodPost, "/"+id+"/return", middleware.RolePayerAdmin, map[string]interface{}{
		"reason": claim.ReasonMissingDiagnosis,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return: status %d body %v", resp.StatusCode, body)
	}

	returned := body["returned"].(map[string]interface{})
	revision := body["revision"].(map[string]interface{})
	if returned["superseded"] != true {
		t.Error("returned encounter should read superseded")
	}
	if revision["draft"] != true {
		t.Error("revision should be an editable draft")
	}

	revID := revision["encounter"].(map[string]interface{})["id"].(string)
	if revID == id {
		t.Error("revision must be a new encounter")
	}
	rev, ok := f.store.Encounter(revID)
	if !ok {
		t.Fatal("revision not stored")
	}
	if rev.ClaimID != id {
		t.Error("revision left the claim chain")
	}

	// Both encounters surface in the chain endpoint.
	respChain, chainBody := f.do(t, http.MethodGet, "/"+id+"/chain", middleware.RoleProvider, nil)
	if respChain.StatusCode != http.StatusOK {
		t.Fatalf("chain: status %d", respChain.StatusCode)
	}
	if got := chainBody["claim_id"]; got != id {
		t.Errorf("chain claim_id = %v, want %s", got, id)
	}
	encs := chainBody["encounters"].([]interface{})
	if len(encs) != 2 {
		t.Errorf("chain length = %d, want 2", len(encs))
	}
}

func TestRejectRequiresValidReason(t *testing.T) {
	f := newClaimFixture(t)
	id := f.create(t)
	f.do(t, http.MethodPost, "/"+id+"/prepare", middleware.RoleProvider, nil)
	f.do(t, http.MethodPost, "/submit", middleware.RoleProvider, map[string]interface{}{"encounter_ids": []string{id}})

	resp, _ := f.do(t, http.MethodPost, "/"+id+"/reject", middleware.RolePayerAdmin, map[string]interface{}{
		"reason": "other",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf(`"other" without comment: status = %d, want 400`, resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/"+id+"/reject", middleware.RolePayerAdmin, map[string]interface{}{
		"reason":  "other",
		"comment": "duplicate of a paper claim",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reject with comment: status = %d", resp.StatusCode)
	}
}

func TestGetUnknownEncounter(t *testing.T) {
	f := newClaimFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/no-such-id", middleware.RoleProvider, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
