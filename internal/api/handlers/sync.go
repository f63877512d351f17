package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/store"
	"github.com/clearhealth/claimsync/internal/syncer"
)

// SyncHandler exposes the offline sync machinery: fetch, drain and status.
type SyncHandler struct {
	fetcher  *syncer.Fetcher
	uploader *syncer.Uploader
	ledger   *syncer.Ledger
	store    *store.Store
	logger   *zap.Logger
}

// NewSyncHandler creates a new handler
func NewSyncHandler(fetcher *syncer.Fetcher, uploader *syncer.Uploader, ledger *syncer.Ledger, st *store.Store, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		fetcher:  fetcher,
		uploader: uploader,
		ledger:   ledger,
		store:    st,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Post("/fetch", h.Fetch)
	r.Post("/drain", h.Drain)
	return r
}

// Status handles GET /sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ledger": h.ledger.Stats(),
		"counts": h.store.Counts(),
	})
}

// FetchRequest names the resource collections to pull from the gateway
type FetchRequest struct {
	Kinds  []string          `json:"kinds"`
	Params map[string]string `json:"params"`
}

// FetchResult reports the outcome of one collection fetch
type FetchResult struct {
	Kind       string `json:"kind"`
	Merged     int    `json:"merged"`
	Blocked    int    `json:"blocked"`
	Superseded bool   `json:"superseded,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Fetch handles POST /sync/fetch. An empty kinds list fetches everything.
func (h *SyncHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req FetchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if len(req.Kinds) == 0 {
		req.Kinds = []string{
			store.KindMember, store.KindEncounter, store.KindBillable,
			store.KindPriceSchedule, store.KindDiagnosis, store.KindReimbursement,
		}
	}

	params := url.Values{}
	for k, v := range req.Params {
		params.Set(k, v)
	}

	results := make([]FetchResult, 0, len(req.Kinds))
	for _, kind := range req.Kinds {
		merged, blocked, err := h.fetcher.Fetch(ctx, kind, params)
		res := FetchResult{Kind: kind, Merged: merged, Blocked: blocked}
		switch {
		case errors.Is(err, syncer.ErrSuperseded):
			res.Superseded = true
		case err != nil:
			res.Error = err.Error()
			h.logger.Warn("fetch failed", zap.String("kind", kind), zap.Error(err))
		}
		results = append(results, res)
	}

	h.writeJSON(w, http.StatusOK, results)
}

// Drain handles POST /sync/drain, pushing pending deltas to the gateway now
// instead of waiting for the next uploader tick.
func (h *SyncHandler) Drain(w http.ResponseWriter, r *http.Request) {
	res, err := h.uploader.Drain(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"result": res,
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *SyncHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *SyncHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
