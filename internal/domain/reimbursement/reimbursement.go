// Package reimbursement batches approved encounters into payable
// reimbursements without double-counting or re-including paid claims.
package reimbursement

import (
	"fmt"
	"strings"
	"time"
)

// Reimbursement aggregates a provider's approved encounters over a date
// range. Total is in minor currency units, summed from per-claim amounts that
// were each rounded up before summation.
type Reimbursement struct {
	ID           string     `json:"id"`
	ProviderID   string     `json:"provider_id"`
	StartDate    time.Time  `json:"start_date"`
	EndDate      time.Time  `json:"end_date"`
	EncounterIDs []string   `json:"encounter_ids"`
	Total        int64      `json:"total"`
	PaymentDate  *time.Time `json:"payment_date,omitempty"`
	PaymentField string     `json:"payment_field,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Reimbursement) Clone() *Reimbursement {
	c := *r
	if r.EncounterIDs != nil {
		c.EncounterIDs = append([]string(nil), r.EncounterIDs...)
	}
	if r.PaymentDate != nil {
		d := *r.PaymentDate
		c.PaymentDate = &d
	}
	return &c
}

// PartialBatchError reports that a batch create or update could not be
// applied to every targeted encounter. Nothing was mutated; the operation
// must be retried manually after inspection, never automatically, to avoid
// double counting.
type PartialBatchError struct {
	ReimbursementID    string
	FailedEncounterIDs []string
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("reimbursement %s not applied: %d encounter(s) failed compare-and-set: %s",
		e.ReimbursementID, len(e.FailedEncounterIDs), strings.Join(e.FailedEncounterIDs, ", "))
}
