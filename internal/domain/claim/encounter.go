// Package claim implements the claim lifecycle: encounters, resubmission
// chains, the submission/adjudication state machine and referral linking.
package claim

import (
	"math"
	"time"
)

// SubmissionState tracks how far an encounter has moved through preparation.
type SubmissionState string

const (
	SubmissionStarted       SubmissionState = "started"
	SubmissionPrepared      SubmissionState = "prepared"
	SubmissionSubmitted     SubmissionState = "submitted"
	SubmissionNeedsRevision SubmissionState = "needs_revision"
)

// AdjudicationState tracks the payer-side decision on a submitted encounter.
type AdjudicationState string

const (
	AdjudicationPending  AdjudicationState = "pending"
	AdjudicationApproved AdjudicationState = "approved"
	AdjudicationReturned AdjudicationState = "returned"
	AdjudicationRejected AdjudicationState = "rejected"
	// AdjudicationExternal marks claims sourced from another system. They are
	// display-only and never transition.
	AdjudicationExternal AdjudicationState = "external"
)

// Outcome values recorded by the clinician at check-out.
const (
	OutcomeDischarged = "discharged"
	OutcomeReferred   = "referred"
	OutcomeFollowUp   = "follow_up"
)

// LineItem is one billable line on an encounter. Quantity is fractional
// because some billables are dispensed in partial units.
type LineItem struct {
	BillableID      string  `json:"billable_id"`
	PriceScheduleID string  `json:"price_schedule_id"`
	Quantity        float64 `json:"quantity"`
}

// Encounter is one submission instance of a claim. The first encounter of a
// claim has ID == ClaimID; resubmissions share the ClaimID and are linked
// forward through RevisedEncounterID.
type Encounter struct {
	ID                 string            `json:"id"`
	ClaimID            string            `json:"claim_id"`
	MemberID           string            `json:"member_id"`
	ProviderID         string            `json:"provider_id"`
	UserID             string            `json:"user_id"`
	OccurredAt         time.Time         `json:"occurred_at"`
	PreparedAt         *time.Time        `json:"prepared_at,omitempty"`
	SubmittedAt        *time.Time        `json:"submitted_at,omitempty"`
	AuditedAt          *time.Time        `json:"audited_at,omitempty"`
	AdjudicatedAt      *time.Time        `json:"adjudicated_at,omitempty"`
	RevisedEncounterID *string           `json:"revised_encounter_id,omitempty"`
	SubmissionState    SubmissionState   `json:"submission_state"`
	AdjudicationState  AdjudicationState `json:"adjudication_state"`
	// AdjudicationReason is the category chosen on return/reject;
	// AdjudicationComment carries free text, mandatory for category "other".
	AdjudicationReason  string     `json:"adjudication_reason,omitempty"`
	AdjudicationComment string     `json:"adjudication_comment,omitempty"`
	ReimbursementID     *string    `json:"reimbursement_id,omitempty"`
	Outcome             string     `json:"outcome,omitempty"`
	LineItems           []LineItem `json:"line_items,omitempty"`
	OutboundReferrals   []Referral `json:"outbound_referrals,omitempty"`
	InboundReferral     *Referral  `json:"inbound_referral,omitempty"`
	DiagnosisIDs        []string   `json:"diagnosis_ids,omitempty"`
}

// Clone returns a deep copy. Snapshots hand out clones so derivation code can
// never mutate the store through a shared pointer.
func (e *Encounter) Clone() *Encounter {
	c := *e
	c.PreparedAt = cloneTime(e.PreparedAt)
	c.SubmittedAt = cloneTime(e.SubmittedAt)
	c.AuditedAt = cloneTime(e.AuditedAt)
	c.AdjudicatedAt = cloneTime(e.AdjudicatedAt)
	c.RevisedEncounterID = cloneString(e.RevisedEncounterID)
	c.ReimbursementID = cloneString(e.ReimbursementID)
	if e.LineItems != nil {
		c.LineItems = make([]LineItem, len(e.LineItems))
		copy(c.LineItems, e.LineItems)
	}
	if e.OutboundReferrals != nil {
		c.OutboundReferrals = make([]Referral, len(e.OutboundReferrals))
		for i := range e.OutboundReferrals {
			c.OutboundReferrals[i] = *e.OutboundReferrals[i].clone()
		}
	}
	if e.InboundReferral != nil {
		c.InboundReferral = e.InboundReferral.clone()
	}
	if e.DiagnosisIDs != nil {
		c.DiagnosisIDs = append([]string(nil), e.DiagnosisIDs...)
	}
	return &c
}

// IsDraft reports whether the encounter has never been submitted.
func (e *Encounter) IsDraft() bool { return e.SubmittedAt == nil }

// IsSuperseded reports whether a revision encounter replaced this one.
func (e *Encounter) IsSuperseded() bool { return e.RevisedEncounterID != nil }

// Reimbursable reports whether the encounter can enter a reimbursement batch.
func (e *Encounter) Reimbursable() bool {
	return e.AdjudicationState == AdjudicationApproved && e.ReimbursementID == nil
}

// ReimbursalAmount prices the encounter's line items against the given price
// schedules and rounds the claim total up to a whole minor unit. The payer
// absorbs the sub-unit remainder; it is never passed on to the member.
// Line items referencing an unknown schedule contribute nothing.
func (e *Encounter) ReimbursalAmount(schedules map[string]*PriceSchedule) int64 {
	var sum float64
	for _, li := range e.LineItems {
		ps, ok := schedules[li.PriceScheduleID]
		if !ok {
			continue
		}
		sum += li.Quantity * float64(ps.Price)
	}
	return int64(math.Ceil(sum))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
