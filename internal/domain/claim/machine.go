package claim

import (
	"time"

	"github.com/google/uuid"
)

// Reason categories an adjudicator may cite on return or reject. The "other"
// category additionally requires a free-text comment.
const (
	ReasonMissingDiagnosis   = "missing_diagnosis"
	ReasonIncorrectBillables = "incorrect_billables"
	ReasonIneligibleMember   = "ineligible_member"
	ReasonDuplicateClaim     = "duplicate_claim"
	ReasonMissingReferral    = "missing_referral"
	ReasonOther              = "other"
)

var validReasons = map[string]bool{
	ReasonMissingDiagnosis:   true,
	ReasonIncorrectBillables: true,
	ReasonIneligibleMember:   true,
	ReasonDuplicateClaim:     true,
	ReasonMissingReferral:    true,
	ReasonOther:              true,
}

// NewEncounter opens the first encounter of a new claim. The encounter's own
// ID doubles as the claim identifier for the whole chain.
func NewEncounter(memberID, providerID, userID string, occurredAt time.Time) *Encounter {
	id := uuid.New().String()
	return &Encounter{
		ID:                id,
		ClaimID:           id,
		MemberID:          memberID,
		ProviderID:        providerID,
		UserID:            userID,
		OccurredAt:        occurredAt,
		SubmissionState:   SubmissionStarted,
		AdjudicationState: AdjudicationPending,
	}
}

// Prepare finalizes the encounter's line items for submission. An encounter
// needs at least one line item unless the visit outcome was a referral.
func (e *Encounter) Prepare(at time.Time) (*Event, error) {
	if e.AdjudicationState == AdjudicationExternal {
		return nil, invalidTransition(e, "prepare")
	}
	if e.SubmissionState != SubmissionStarted && e.SubmissionState != SubmissionNeedsRevision {
		return nil, invalidTransition(e, "prepare")
	}
	if len(e.LineItems) == 0 && e.Outcome != OutcomeReferred {
		return nil, &ValidationError{Field: "line_items", Reason: "at least one billable line item is required"}
	}
	e.SubmissionState = SubmissionPrepared
	e.PreparedAt = &at
	return newEvent(e, EventEncounterPrepared, at), nil
}

// Submit hands the prepared encounter to the payer. Submission is a bulk
// action on the caller side; each encounter records its own SubmittedAt.
func (e *Encounter) Submit(at time.Time) (*Event, error) {
	if e.AdjudicationState == AdjudicationExternal || e.SubmissionState != SubmissionPrepared {
		return nil, invalidTransition(e, "submit")
	}
	e.SubmissionState = SubmissionSubmitted
	e.SubmittedAt = &at
	e.AdjudicationState = AdjudicationPending
	return newEvent(e, EventEncounterSubmitted, at), nil
}

// Approve records the adjudicator's approval.
func (e *Encounter) Approve(at time.Time) (*Event, error) {
	if err := e.adjudicable("approve"); err != nil {
		return nil, err
	}
	e.AdjudicationState = AdjudicationApproved
	e.AdjudicatedAt = &at
	e.AdjudicationReason = ""
	e.AdjudicationComment = ""
	return newEvent(e, EventClaimApproved, at), nil
}

// Return sends the encounter back for revision and opens the revision
// encounter in the same chain. The returned encounter keeps adjudication
// state "returned" and points forward at the revision; a stored "revised"
// spelling exists only in legacy data and is rewritten at load.
func (e *Encounter) Return(reason, comment string, at time.Time) (*Encounter, *Event, error) {
	if err := e.adjudicable("return"); err != nil {
		return nil, nil, err
	}
	if err := validateReason(reason, comment); err != nil {
		return nil, nil, err
	}

	revision := e.Clone()
	revision.ID = uuid.New().String()
	revision.SubmissionState = SubmissionNeedsRevision
	revision.AdjudicationState = AdjudicationPending
	revision.PreparedAt = nil
	revision.SubmittedAt = nil
	revision.AuditedAt = nil
	revision.AdjudicatedAt = nil
	revision.RevisedEncounterID = nil
	revision.ReimbursementID = nil
	revision.AdjudicationReason = ""
	revision.AdjudicationComment = ""

	e.AdjudicationState = AdjudicationReturned
	e.AdjudicatedAt = &at
	e.AdjudicationReason = reason
	e.AdjudicationComment = comment
	e.RevisedEncounterID = &revision.ID

	return revision, newEvent(e, EventClaimReturned, at), nil
}

// Reject records a terminal rejection of the claim.
func (e *Encounter) Reject(reason, comment string, at time.Time) (*Event, error) {
	if err := e.adjudicable("reject"); err != nil {
		return nil, err
	}
	if err := validateReason(reason, comment); err != nil {
		return nil, err
	}
	e.AdjudicationState = AdjudicationRejected
	e.AdjudicatedAt = &at
	e.AdjudicationReason = reason
	e.AdjudicationComment = comment
	return newEvent(e, EventClaimRejected, at), nil
}

// MarkAudited flags the encounter for audit. The flag can only be set before
// adjudication; a request combining audit with a decision must be split.
func (e *Encounter) MarkAudited(at time.Time) (*Event, error) {
	if e.AdjudicationState == AdjudicationExternal {
		return nil, invalidTransition(e, "audit")
	}
	if e.AdjudicatedAt != nil {
		return nil, invalidTransition(e, "audit")
	}
	e.AuditedAt = &at
	return newEvent(e, EventEncounterAudited, at), nil
}

// DisplayAdjudicationState maps the stored state to its presentation label.
// A returned-and-superseded encounter reads "returned" like any other return.
func (e *Encounter) DisplayAdjudicationState() string {
	return string(e.AdjudicationState)
}

// adjudicable gates every adjudicator decision: the encounter must be
// submitted, not superseded, not already returned or rejected, not sourced
// externally, and not bound to a reimbursement.
func (e *Encounter) adjudicable(op string) error {
	switch {
	case e.AdjudicationState == AdjudicationExternal,
		e.SubmissionState != SubmissionSubmitted,
		e.IsSuperseded():
		return invalidTransition(e, op)
	case e.AdjudicationState != AdjudicationPending && e.AdjudicationState != AdjudicationApproved:
		return invalidTransition(e, op)
	case e.ReimbursementID != nil:
		return invalidTransition(e, op)
	}
	return nil
}

func validateReason(reason, comment string) error {
	if reason == "" {
		return &ValidationError{Field: "adjudication_reason", Reason: "reason category is required"}
	}
	if !validReasons[reason] {
		return &ValidationError{Field: "adjudication_reason", Reason: "unknown reason category " + reason}
	}
	if reason == ReasonOther && comment == "" {
		return &ValidationError{Field: "adjudication_comment", Reason: "a comment is required for category \"other\""}
	}
	return nil
}
