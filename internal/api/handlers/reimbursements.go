package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/api/middleware"
	"github.com/clearhealth/claimsync/internal/domain/reimbursement"
	"github.com/clearhealth/claimsync/internal/infrastructure/redpanda"
	"github.com/clearhealth/claimsync/internal/observability/metrics"
	"github.com/clearhealth/claimsync/internal/store"
	"github.com/clearhealth/claimsync/internal/syncer"
)

// ReimbursementHandler handles reimbursement batch endpoints
type ReimbursementHandler struct {
	batcher   *reimbursement.Batcher
	store     *store.Store
	ledger    *syncer.Ledger
	publisher Publisher
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewReimbursementHandler creates a new handler. The metrics may be nil.
func NewReimbursementHandler(batcher *reimbursement.Batcher, st *store.Store, ledger *syncer.Ledger, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *ReimbursementHandler {
	return &ReimbursementHandler{
		batcher:   batcher,
		store:     st,
		ledger:    ledger,
		publisher: publisher,
		metrics:   m,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Routes returns the handler routes. Every batch operation is payer-side.
func (h *ReimbursementHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireRole(middleware.RolePayerAdmin))
	r.Get("/preview", h.Preview)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	return r
}

// Preview handles GET /reimbursements/preview. It reports the encounters a
// batch would cover without creating anything.
func (h *ReimbursementHandler) Preview(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		h.jsonError(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	endDate, err := parseDate(r.URL.Query().Get("end_date"))
	if err != nil {
		h.jsonError(w, "invalid end_date", http.StatusBadRequest)
		return
	}

	sel := h.batcher.Reimbursable(providerID, endDate, r.URL.Query().Get("exclude"))
	h.writeJSON(w, http.StatusOK, sel)
}

// CreateBatchRequest is the request body for creating a reimbursement
type CreateBatchRequest struct {
	ProviderID   string `json:"provider_id" validate:"required"`
	EndDate      string `json:"end_date" validate:"required"`
	PaymentField string `json:"payment_field"`
}

// Create handles POST /reimbursements
func (h *ReimbursementHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("reimbursement-handler")
	ctx, span := tracer.Start(ctx, "create_reimbursement")
	defer span.End()

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	endDate, err := parseDate(req.EndDate)
	if err != nil {
		h.jsonError(w, "invalid end_date", http.StatusBadRequest)
		return
	}

	batch, err := h.batcher.Create(ctx, req.ProviderID, endDate, req.PaymentField)
	if err != nil {
		h.writeBatchError(w, err)
		return
	}
	span.SetAttributes(attribute.String("reimbursement_id", batch.ID))
	if h.metrics != nil {
		h.metrics.BatchesCreated.Inc()
	}

	h.record(ctx, batch, batch.EncounterIDs)
	h.writeJSON(w, http.StatusCreated, batch)
}

// Get handles GET /reimbursements/{id}
func (h *ReimbursementHandler) Get(w http.ResponseWriter, r *http.Request) {
	batch, ok := h.store.Reimbursement(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "reimbursement not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// UpdateBatchRequest is the request body for editing a reimbursement
type UpdateBatchRequest struct {
	EndDate      string `json:"end_date" validate:"required"`
	PaymentDate  string `json:"payment_date"`
	PaymentField string `json:"payment_field"`
}

// Update handles PUT /reimbursements/{id}
func (h *ReimbursementHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	endDate, err := parseDate(req.EndDate)
	if err != nil {
		h.jsonError(w, "invalid end_date", http.StatusBadRequest)
		return
	}

	update := reimbursement.UpdateRequest{
		EndDate:      endDate,
		PaymentField: req.PaymentField,
	}
	if req.PaymentDate != "" {
		paid, err := parseDate(req.PaymentDate)
		if err != nil {
			h.jsonError(w, "invalid payment_date", http.StatusBadRequest)
			return
		}
		update.PaymentDate = &paid
	}

	batch, changed, err := h.batcher.Update(ctx, chi.URLParam(r, "id"), update)
	if err != nil {
		h.writeBatchError(w, err)
		return
	}

	h.record(ctx, batch, changed)
	h.writeJSON(w, http.StatusOK, batch)
}

// record writes the offline deltas and publishes the batch to the payment
// events topic. The encounters whose bindings changed get deltas of their
// own: the binding is a local write like any other, and without its delta a
// stale server fetch could merge an unbound copy over it and let the same
// encounter enter a second batch.
func (h *ReimbursementHandler) record(ctx context.Context, batch *reimbursement.Reimbursement, changedEncounterIDs []string) {
	payload, err := json.Marshal(batch)
	if err != nil {
		h.logger.Error("failed to encode reimbursement", zap.String("reimbursement_id", batch.ID), zap.Error(err))
		return
	}
	h.ledger.Record(store.KindReimbursement, batch.ID, payload)

	for _, id := range changedEncounterIDs {
		enc, ok := h.store.Encounter(id)
		if !ok {
			continue
		}
		encPayload, err := json.Marshal(enc)
		if err != nil {
			h.logger.Error("failed to encode encounter", zap.String("encounter_id", id), zap.Error(err))
			continue
		}
		h.ledger.Record(store.KindEncounter, id, encPayload)
	}

	if h.publisher == nil {
		return
	}
	if err := h.publisher.Produce(ctx, redpanda.TopicReimbursementEvents, batch.ProviderID, payload); err != nil {
		h.logger.Warn("reimbursement event not published",
			zap.String("reimbursement_id", batch.ID),
			zap.Error(err))
	}
}

func (h *ReimbursementHandler) writeBatchError(w http.ResponseWriter, err error) {
	var partial *reimbursement.PartialBatchError
	switch {
	case errors.Is(err, reimbursement.ErrNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, reimbursement.ErrNothingReimbursable):
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &partial):
		if h.metrics != nil {
			h.metrics.PartialBatchFailures.Inc()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":                 partial.Error(),
			"failed_encounter_ids":  partial.FailedEncounterIDs,
			"manual_retry_required": true,
		})
	default:
		h.jsonError(w, err.Error(), http.StatusConflict)
	}
}

// parseDate accepts either a date-only or a full RFC 3339 timestamp
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (h *ReimbursementHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *ReimbursementHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
