package claim

import "time"

// Member is the insured person an encounter belongs to.
type Member struct {
	ID             string     `json:"id"`
	FullName       string     `json:"full_name"`
	MembershipNo   string     `json:"membership_number"`
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	Gender         string     `json:"gender,omitempty"`
	EnrolledAt     time.Time  `json:"enrolled_at"`
	CoverageEndsAt *time.Time `json:"coverage_ends_at,omitempty"`
}

// Billable is a service or good a facility can put on a claim line.
type Billable struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Unit      string `json:"unit,omitempty"`
	Composite bool   `json:"composite,omitempty"`
	Active    bool   `json:"active"`
}

// PriceSchedule binds a billable to a provider-specific price, in minor
// currency units. A new schedule supersedes the previous one for the same
// billable; encounters keep the schedule they were priced under.
type PriceSchedule struct {
	ID                      string    `json:"id"`
	BillableID              string    `json:"billable_id"`
	ProviderID              string    `json:"provider_id"`
	Price                   int64     `json:"price"`
	IssuedAt                time.Time `json:"issued_at"`
	PreviousPriceScheduleID string    `json:"previous_price_schedule_id,omitempty"`
}

// Diagnosis is a coded diagnosis referenced by encounters.
type Diagnosis struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	SearchTerms []string `json:"search_aliases,omitempty"`
}
