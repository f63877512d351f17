package reimbursement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/domain/claim"
)

// ErrNotFound is returned when an update targets an unknown reimbursement.
var ErrNotFound = errors.New("reimbursement not found")

// ErrNothingReimbursable is returned when a create finds no eligible
// encounters for the provider and end date.
var ErrNothingReimbursable = errors.New("no reimbursable encounters")

// EntityStore is the narrow store surface the batcher needs. ApplyBatch must
// be atomic with respect to the whole id set: either every bind and unbind
// passes its compare-and-set and is applied, or nothing changes and a
// *PartialBatchError identifies the encounters that failed.
type EntityStore interface {
	Encounters() map[string]*claim.Encounter
	PriceSchedules() map[string]*claim.PriceSchedule
	Reimbursement(id string) (*Reimbursement, bool)
	ApplyBatch(ctx context.Context, r *Reimbursement, bind, unbind []string) error
}

// Selection is a preview of the encounters a batch would cover.
type Selection struct {
	EncounterIDs []string  `json:"encounter_ids"`
	Total        int64     `json:"total"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
}

// Batcher creates and edits reimbursements. Batch writes are serialized per
// provider so two concurrent batches cannot double-claim an encounter.
type Batcher struct {
	store  EntityStore
	logger *zap.Logger

	mu        sync.Mutex
	providers map[string]*sync.Mutex
}

// NewBatcher creates a batcher over the given store.
func NewBatcher(store EntityStore, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		store:     store,
		logger:    logger,
		providers: make(map[string]*sync.Mutex),
	}
}

// Reimbursable selects the provider's approved encounters with a service date
// on or before endDate that are not bound to any reimbursement, or are bound
// to excludeID when editing an existing batch. Amounts are rounded up
// per claim before summation.
func (b *Batcher) Reimbursable(providerID string, endDate time.Time, excludeID string) *Selection {
	encounters := b.store.Encounters()
	schedules := b.store.PriceSchedules()

	sel := &Selection{EndDate: endDate}
	for _, e := range encounters {
		if e.ProviderID != providerID || e.AdjudicationState != claim.AdjudicationApproved {
			continue
		}
		if e.ReimbursementID != nil && (excludeID == "" || *e.ReimbursementID != excludeID) {
			continue
		}
		if e.OccurredAt.After(endDate) {
			continue
		}
		sel.EncounterIDs = append(sel.EncounterIDs, e.ID)
		sel.Total += e.ReimbursalAmount(schedules)
		if sel.StartDate.IsZero() || e.OccurredAt.Before(sel.StartDate) {
			sel.StartDate = e.OccurredAt
		}
	}
	sort.Strings(sel.EncounterIDs)
	return sel
}

// Create opens a new reimbursement covering every currently reimbursable
// encounter for the provider up to endDate, and binds them atomically.
func (b *Batcher) Create(ctx context.Context, providerID string, endDate time.Time, paymentField string) (*Reimbursement, error) {
	unlock := b.lockProvider(providerID)
	defer unlock()

	sel := b.Reimbursable(providerID, endDate, "")
	if len(sel.EncounterIDs) == 0 {
		return nil, ErrNothingReimbursable
	}

	now := time.Now().UTC()
	r := &Reimbursement{
		ID:           uuid.New().String(),
		ProviderID:   providerID,
		StartDate:    sel.StartDate,
		EndDate:      endDate,
		EncounterIDs: sel.EncounterIDs,
		Total:        sel.Total,
		PaymentField: paymentField,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := b.store.ApplyBatch(ctx, r, sel.EncounterIDs, nil); err != nil {
		return nil, err
	}

	b.logger.Info("reimbursement created",
		zap.String("reimbursement_id", r.ID),
		zap.String("provider_id", providerID),
		zap.Int("encounters", len(r.EncounterIDs)),
		zap.Int64("total", r.Total))
	return r, nil
}

// UpdateRequest carries the editable fields of an existing batch.
type UpdateRequest struct {
	EndDate      time.Time
	PaymentDate  *time.Time
	PaymentField string
}

// Update recomputes the batch's membership for the new end date, binding
// newly eligible encounters and releasing ones that fell out of the range.
// The second return value lists every encounter whose binding changed, so
// callers can record those local writes alongside the batch itself.
func (b *Batcher) Update(ctx context.Context, id string, req UpdateRequest) (*Reimbursement, []string, error) {
	existing, ok := b.store.Reimbursement(id)
	if !ok {
		return nil, nil, ErrNotFound
	}

	unlock := b.lockProvider(existing.ProviderID)
	defer unlock()

	// Re-read under the provider lock; a concurrent update may have landed.
	existing, ok = b.store.Reimbursement(id)
	if !ok {
		return nil, nil, ErrNotFound
	}
	if existing.PaymentDate != nil {
		return nil, nil, errors.New("reimbursement already paid")
	}

	sel := b.Reimbursable(existing.ProviderID, req.EndDate, id)

	bind, unbind := diffIDs(existing.EncounterIDs, sel.EncounterIDs)

	r := existing.Clone()
	r.StartDate = sel.StartDate
	r.EndDate = req.EndDate
	r.EncounterIDs = sel.EncounterIDs
	r.Total = sel.Total
	r.PaymentDate = req.PaymentDate
	if req.PaymentField != "" {
		r.PaymentField = req.PaymentField
	}
	r.UpdatedAt = time.Now().UTC()

	if err := b.store.ApplyBatch(ctx, r, bind, unbind); err != nil {
		return nil, nil, err
	}

	b.logger.Info("reimbursement updated",
		zap.String("reimbursement_id", r.ID),
		zap.Int("bound", len(bind)),
		zap.Int("released", len(unbind)),
		zap.Int64("total", r.Total))
	return r, append(bind, unbind...), nil
}

func (b *Batcher) lockProvider(providerID string) func() {
	b.mu.Lock()
	mu, ok := b.providers[providerID]
	if !ok {
		mu = &sync.Mutex{}
		b.providers[providerID] = mu
	}
	b.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// diffIDs splits the transition old -> new into additions and removals.
func diffIDs(old, new []string) (bind, unbind []string) {
	oldSet := make(map[string]bool, len(old))
	for _, id := range old {
		oldSet[id] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, id := range new {
		newSet[id] = true
		if !oldSet[id] {
			bind = append(bind, id)
		}
	}
	for _, id := range old {
		if !newSet[id] {
			unbind = append(unbind, id)
		}
	}
	return bind, unbind
}
