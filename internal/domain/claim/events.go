package claim

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a claim lifecycle event.
type EventType string

const (
	EventEncounterPrepared  EventType = "EncounterPrepared"
	EventEncounterSubmitted EventType = "EncounterSubmitted"
	EventEncounterAudited   EventType = "EncounterAudited"
	EventClaimApproved      EventType = "ClaimApproved"
	EventClaimReturned      EventType = "ClaimReturned"
	EventClaimRejected      EventType = "ClaimRejected"
)

// Event is published to the lifecycle topic after a transition lands in the
// store. The payload carries the post-transition encounter.
type Event struct {
	ID          string          `json:"id"`
	ClaimID     string          `json:"claim_id"`
	EncounterID string          `json:"encounter_id"`
	ProviderID  string          `json:"provider_id"`
	EventType   EventType       `json:"event_type"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func newEvent(e *Encounter, eventType EventType, at time.Time) *Event {
	data, _ := json.Marshal(e)
	return &Event{
		ID:          uuid.New().String(),
		ClaimID:     e.ClaimID,
		EncounterID: e.ID,
		ProviderID:  e.ProviderID,
		EventType:   eventType,
		EventData:   data,
		Timestamp:   at,
	}
}
