// Package handlers provides HTTP handlers for the claims API.
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
	"github.com/clearhealth/claimsync/internal/domain/claim"
	"github.com/clearhealth/claimsync/internal/observability/metrics"
	"github.com/clearhealth/claimsync/internal/store"
	"github.com/clearhealth/claimsync/internal/syncer"
)

// Publisher is the event stream surface handlers need. It is satisfied by the
// redpanda producer and may be nil for fully offline deployments.
type Publisher interface {
	PublishLifecycle(ctx context.Context, event *claim.Event) error
	Produce(ctx context.Context, topic, key string, value []byte) error
}

// ClaimHandler handles encounter and claim endpoints
type ClaimHandler struct {
	store     *store.Store
	ledger    *syncer.Ledger
	publisher Publisher
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewClaimHandler creates a new handler. The metrics may be nil.
func NewClaimHandler(st *store.Store, ledger *syncer.Ledger, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *ClaimHandler {
	return &ClaimHandler{
		store:     st,
		ledger:    ledger,
		publisher: publisher,
		metrics:   m,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *ClaimHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/submit", h.Submit)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.UpdateDraft)
	r.Get("/{id}/chain", h.Chain)
	r.Get("/{id}/recent-claims", h.RecentClaims)
	r.Get("/{id}/referrals", h.Referrals)
	r.Post("/{id}/prepare", h.Prepare)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(middleware.RolePayerAdmin))
		r.Post("/{id}/approve", h.Approve)
		r.Post("/{id}/return", h.Return)
		r.Post("/{id}/reject", h.Reject)
		r.Post("/{id}/audit", h.Audit)
	})
	return r
}

// CreateRequest is the request body for opening an encounter
type CreateRequest struct {
	MemberID          string           `json:"member_id" validate:"required"`
	ProviderID        string           `json:"provider_id" validate:"required"`
	OccurredAt        time.Time        `json:"occurred_at" validate:"required"`
	Outcome           string           `json:"outcome" validate:"omitempty,oneof=discharged referred follow_up"`
	LineItems         []claim.LineItem `json:"line_items" validate:"omitempty,dive"`
	DiagnosisIDs      []string         `json:"diagnosis_ids"`
	OutboundReferrals []claim.Referral `json:"outbound_referrals"`
	InboundReferral   *claim.Referral  `json:"inbound_referral"`
}

// Create handles POST /encounters
func (h *ClaimHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("claim-handler")
	ctx, span := tracer.Start(ctx, "create_encounter")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, ok := h.store.Member(req.MemberID); !ok {
		h.jsonError(w, "unknown member", http.StatusBadRequest)
		return
	}

	enc := claim.NewEncounter(req.MemberID, req.ProviderID, middleware.GetUserID(ctx), req.OccurredAt.UTC())
	enc.Outcome = req.Outcome
	enc.LineItems = req.LineItems
	enc.DiagnosisIDs = req.DiagnosisIDs
	enc.OutboundReferrals = req.OutboundReferrals
	enc.InboundReferral = req.InboundReferral
	span.SetAttributes(attribute.String("claim_id", enc.ClaimID))

	h.persist(ctx, enc)
	if h.metrics != nil {
		h.metrics.EncountersOpened.Inc()
	}

	h.logger.Info("encounter opened",
		zap.String("encounter_id", enc.ID),
		zap.String("member_id", enc.MemberID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	h.writeJSON(w, http.StatusCreated, encounterResponse(enc))
}

// Get handles GET /encounters/{id}
func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, encounterResponse(enc))
}

// UpdateDraftRequest replaces the editable content of a draft encounter
type UpdateDraftRequest struct {
	Outcome           string           `json:"outcome" validate:"omitempty,oneof=discharged referred follow_up"`
	LineItems         []claim.LineItem `json:"line_items" validate:"omitempty,dive"`
	DiagnosisIDs      []string         `json:"diagnosis_ids"`
	OutboundReferrals []claim.Referral `json:"outbound_referrals"`
	InboundReferral   *claim.Referral  `json:"inbound_referral"`
}

// UpdateDraft handles PUT /encounters/{id}
func (h *ClaimHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}
	if !enc.IsDraft() {
		h.jsonError(w, "submitted encounters cannot be edited", http.StatusConflict)
		return
	}

	enc.Outcome = req.Outcome
	enc.LineItems = req.LineItems
	enc.DiagnosisIDs = req.DiagnosisIDs
	enc.OutboundReferrals = req.OutboundReferrals
	enc.InboundReferral = req.InboundReferral

	h.persist(ctx, enc)
	h.writeJSON(w, http.StatusOK, encounterResponse(enc))
}

// Chain handles GET /encounters/{id}/chain
func (h *ClaimHandler) Chain(w http.ResponseWriter, r *http.Request) {
	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}

	chainResult := claim.ResolveChain(enc.ClaimID, h.store.Encounters())
	if chainResult == nil {
		h.jsonError(w, "claim not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, chainResult)
}

// RecentClaims handles GET /encounters/{id}/recent-claims. It returns the
// member's other recent claims, each represented by the last encounter of
// its chain, for duplicate-claim review during adjudication.
func (h *ClaimHandler) RecentClaims(w http.ResponseWriter, r *http.Request) {
	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}

	recent := claim.ResolveChainForMember(enc.MemberID, enc, claim.DefaultRecentWindowDays, h.store.Encounters())

	resp := make([]map[string]interface{}, 0, len(recent))
	for _, e := range recent {
		resp = append(resp, encounterResponse(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Referrals handles GET /encounters/{id}/referrals
func (h *ClaimHandler) Referrals(w http.ResponseWriter, r *http.Request) {
	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}

	all := h.store.Encounters()
	resp := map[string]interface{}{
		"outbound": claim.LinkOutbound(enc, all),
	}
	if inbound, ok := claim.LinkInbound(enc, all); ok {
		resp["inbound"] = inbound
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Prepare handles POST /encounters/{id}/prepare
func (h *ClaimHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(enc *claim.Encounter, at time.Time) (*claim.Event, error) {
		return enc.Prepare(at)
	})
}

// SubmitRequest names the prepared encounters to submit as one batch
type SubmitRequest struct {
	EncounterIDs []string `json:"encounter_ids" validate:"required,min=1"`
}

// Submit handles POST /encounters/submit. Submission is all-or-nothing: if
// any encounter is missing or not prepared, nothing is submitted.
func (h *ClaimHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	encounters := make([]*claim.Encounter, 0, len(req.EncounterIDs))
	for _, id := range req.EncounterIDs {
		enc, ok := h.store.Encounter(id)
		if !ok {
			h.jsonError(w, "encounter not found: "+id, http.StatusNotFound)
			return
		}
		if enc.SubmissionState != claim.SubmissionPrepared {
			h.jsonError(w, "encounter not prepared: "+id, http.StatusConflict)
			return
		}
		encounters = append(encounters, enc)
	}

	at := time.Now().UTC()
	resp := make([]map[string]interface{}, 0, len(encounters))
	for _, enc := range encounters {
		event, err := enc.Submit(at)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.persist(ctx, enc, event)
		resp = append(resp, encounterResponse(enc))
	}

	h.logger.Info("encounters submitted",
		zap.Int("count", len(encounters)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	h.writeJSON(w, http.StatusOK, resp)
}

// Approve handles POST /encounters/{id}/approve
func (h *ClaimHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(enc *claim.Encounter, at time.Time) (*claim.Event, error) {
		return enc.Approve(at)
	})
}

// AdjudicationRequest carries the reason category for return and reject
type AdjudicationRequest struct {
	Reason  string `json:"reason" validate:"required"`
	Comment string `json:"comment"`
}

// Return handles POST /encounters/{id}/return. The response carries both the
// returned encounter and the revision opened for the provider.
func (h *ClaimHandler) Return(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AdjudicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}

	revision, event, err := enc.Return(req.Reason, req.Comment, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.persist(ctx, enc, event)
	h.persist(ctx, revision)

	h.logger.Info("claim returned",
		zap.String("encounter_id", enc.ID),
		zap.String("revision_id", revision.ID),
		zap.String("reason", req.Reason),
	)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"returned": encounterResponse(enc),
		"revision": encounterResponse(revision),
	})
}

// Reject handles POST /encounters/{id}/reject
func (h *ClaimHandler) Reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AdjudicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}

	event, err := enc.Reject(req.Reason, req.Comment, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.persist(ctx, enc, event)
	h.writeJSON(w, http.StatusOK, encounterResponse(enc))
}

// Audit handles POST /encounters/{id}/audit
func (h *ClaimHandler) Audit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(enc *claim.Encounter, at time.Time) (*claim.Event, error) {
		return enc.MarkAudited(at)
	})
}

// transition runs a single-encounter state change and persists the result
func (h *ClaimHandler) transition(w http.ResponseWriter, r *http.Request, fn func(*claim.Encounter, time.Time) (*claim.Event, error)) {
	ctx := r.Context()

	enc, ok := h.store.Encounter(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}

	event, err := fn(enc, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.persist(ctx, enc, event)
	h.writeJSON(w, http.StatusOK, encounterResponse(enc))
}

// persist upserts the encounter, records the offline delta and publishes any
// lifecycle events. Publishing is best effort; the delta ledger is the source
// of truth for unsynced work.
func (h *ClaimHandler) persist(ctx context.Context, enc *claim.Encounter, events ...*claim.Event) {
	h.store.UpsertEncounter(enc)

	payload, err := json.Marshal(enc)
	if err != nil {
		h.logger.Error("failed to encode encounter", zap.String("encounter_id", enc.ID), zap.Error(err))
	} else {
		h.ledger.Record(store.KindEncounter, enc.ID, payload)
	}

	for _, event := range events {
		if event == nil {
			continue
		}
		if h.metrics != nil {
			h.metrics.Transitions.WithLabelValues(string(event.EventType)).Inc()
			if event.EventType == claim.EventEncounterSubmitted {
				h.metrics.EncountersSubmitted.Inc()
			}
		}
		if h.publisher == nil {
			continue
		}
		if err := h.publisher.PublishLifecycle(ctx, event); err != nil {
			h.logger.Warn("lifecycle event not published",
				zap.String("event_type", string(event.EventType)),
				zap.String("claim_id", event.ClaimID),
				zap.Error(err))
		}
	}
}

func encounterResponse(enc *claim.Encounter) map[string]interface{} {
	return map[string]interface{}{
		"encounter":                  enc,
		"display_adjudication_state": enc.DisplayAdjudicationState(),
		"draft":                      enc.IsDraft(),
		"superseded":                 enc.IsSuperseded(),
	}
}

func (h *ClaimHandler) writeDomainError(w http.ResponseWriter, err error) {
	var verr *claim.ValidationError
	var terr *claim.InvalidTransitionError
	switch {
	case errors.As(err, &verr):
		h.jsonError(w, verr.Error(), http.StatusBadRequest)
	case errors.As(err, &terr):
		h.jsonError(w, terr.Error(), http.StatusConflict)
	default:
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *ClaimHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *ClaimHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
