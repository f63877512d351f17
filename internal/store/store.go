// Package store holds the process-wide entity maps: normalized entities keyed
// by id with explicit upsert semantics. Derived views (chains, reimbursable
// sets) are pure functions over snapshots taken from here, never cached
// state. Writers go through the typed upsert and merge methods; readers get
// cloned maps and can never mutate the store through a shared pointer.
package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/domain/claim"
	"github.com/clearhealth/claimsync/internal/domain/reimbursement"
)

// Model type names. They double as partition names for persistence and as
// the model-type tags on delta ledger entries.
const (
	KindMember        = "members"
	KindEncounter     = "encounters"
	KindBillable      = "billables"
	KindPriceSchedule = "price_schedules"
	KindDiagnosis     = "diagnoses"
	KindReimbursement = "reimbursements"
)

// Store is the entity arena. A single RWMutex guards all partitions; writes
// are rare compared to derivation reads in this workload.
type Store struct {
	mu             sync.RWMutex
	members        map[string]*claim.Member
	encounters     map[string]*claim.Encounter
	billables      map[string]*claim.Billable
	priceSchedules map[string]*claim.PriceSchedule
	diagnoses      map[string]*claim.Diagnosis
	reimbursements map[string]*reimbursement.Reimbursement
	logger         *zap.Logger
}

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		members:        make(map[string]*claim.Member),
		encounters:     make(map[string]*claim.Encounter),
		billables:      make(map[string]*claim.Billable),
		priceSchedules: make(map[string]*claim.PriceSchedule),
		diagnoses:      make(map[string]*claim.Diagnosis),
		reimbursements: make(map[string]*reimbursement.Reimbursement),
		logger:         logger,
	}
}

// Encounter returns a clone of one encounter.
func (s *Store) Encounter(id string) (*claim.Encounter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.encounters[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Encounters returns a cloned snapshot of the encounter partition.
func (s *Store) Encounters() map[string]*claim.Encounter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*claim.Encounter, len(s.encounters))
	for id, e := range s.encounters {
		out[id] = e.Clone()
	}
	return out
}

// Member returns a clone of one member.
func (s *Store) Member(id string) (*claim.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	if !ok {
		return nil, false
	}
	c := *m
	return &c, true
}

// PriceSchedules returns a cloned snapshot of the price schedule partition.
func (s *Store) PriceSchedules() map[string]*claim.PriceSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*claim.PriceSchedule, len(s.priceSchedules))
	for id, ps := range s.priceSchedules {
		c := *ps
		out[id] = &c
	}
	return out
}

// Reimbursement returns a clone of one reimbursement.
func (s *Store) Reimbursement(id string) (*reimbursement.Reimbursement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reimbursements[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Reimbursements returns a cloned snapshot of the reimbursement partition.
func (s *Store) Reimbursements() map[string]*reimbursement.Reimbursement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*reimbursement.Reimbursement, len(s.reimbursements))
	for id, r := range s.reimbursements {
		out[id] = r.Clone()
	}
	return out
}

// UpsertEncounter inserts or replaces one encounter.
func (s *Store) UpsertEncounter(e *claim.Encounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encounters[e.ID] = e.Clone()
}

// UpsertMember inserts or replaces one member.
func (s *Store) UpsertMember(m *claim.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.members[m.ID] = &c
}

// UpsertBillable inserts or replaces one billable.
func (s *Store) UpsertBillable(b *claim.Billable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *b
	s.billables[b.ID] = &c
}

// UpsertPriceSchedule inserts or replaces one price schedule.
func (s *Store) UpsertPriceSchedule(ps *claim.PriceSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ps
	s.priceSchedules[ps.ID] = &c
}

// UpsertDiagnosis inserts or replaces one diagnosis.
func (s *Store) UpsertDiagnosis(d *claim.Diagnosis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	s.diagnoses[d.ID] = &c
}

// MergeEncounters upserts a batch of encounters that already passed the merge
// guard. Last write wins; only non-conflicting ids reach this point.
func (s *Store) MergeEncounters(incoming map[string]*claim.Encounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range incoming {
		s.encounters[id] = e.Clone()
	}
}

// MergeMembers upserts a guard-filtered batch of members.
func (s *Store) MergeMembers(incoming map[string]*claim.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range incoming {
		c := *m
		s.members[id] = &c
	}
}

// MergeBillables upserts a guard-filtered batch of billables.
func (s *Store) MergeBillables(incoming map[string]*claim.Billable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range incoming {
		c := *b
		s.billables[id] = &c
	}
}

// MergePriceSchedules upserts a guard-filtered batch of price schedules.
func (s *Store) MergePriceSchedules(incoming map[string]*claim.PriceSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ps := range incoming {
		c := *ps
		s.priceSchedules[id] = &c
	}
}

// MergeDiagnoses upserts a guard-filtered batch of diagnoses.
func (s *Store) MergeDiagnoses(incoming map[string]*claim.Diagnosis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range incoming {
		c := *d
		s.diagnoses[id] = &c
	}
}

// MergeReimbursements upserts a guard-filtered batch of reimbursements.
func (s *Store) MergeReimbursements(incoming map[string]*reimbursement.Reimbursement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range incoming {
		s.reimbursements[id] = r.Clone()
	}
}

// ApplyBatch binds and releases encounters for a reimbursement in one atomic
// step. Every bind target must be approved and unbound (or already bound to
// this reimbursement); every unbind target must be bound to it. Any mismatch
// aborts the whole operation with a *reimbursement.PartialBatchError and no
// mutation. Encounter.ReimbursementID has no other writer.
func (s *Store) ApplyBatch(_ context.Context, r *reimbursement.Reimbursement, bind, unbind []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []string
	for _, id := range bind {
		e, ok := s.encounters[id]
		switch {
		case !ok, e.AdjudicationState != claim.AdjudicationApproved:
			failed = append(failed, id)
		case e.ReimbursementID != nil && *e.ReimbursementID != r.ID:
			failed = append(failed, id)
		}
	}
	for _, id := range unbind {
		e, ok := s.encounters[id]
		if !ok || e.ReimbursementID == nil || *e.ReimbursementID != r.ID {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return &reimbursement.PartialBatchError{ReimbursementID: r.ID, FailedEncounterIDs: failed}
	}

	for _, id := range bind {
		e := s.encounters[id].Clone()
		rid := r.ID
		e.ReimbursementID = &rid
		s.encounters[id] = e
	}
	for _, id := range unbind {
		e := s.encounters[id].Clone()
		e.ReimbursementID = nil
		s.encounters[id] = e
	}
	s.reimbursements[r.ID] = r.Clone()
	return nil
}

// Counts reports the number of entities per partition, for logging and the
// sync status endpoint.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		KindMember:        len(s.members),
		KindEncounter:     len(s.encounters),
		KindBillable:      len(s.billables),
		KindPriceSchedule: len(s.priceSchedules),
		KindDiagnosis:     len(s.diagnoses),
		KindReimbursement: len(s.reimbursements),
	}
}
