package claim

import "fmt"

// ValidationError reports a missing or invalid required field. The state of
// the encounter is unchanged when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a state machine misuse: a transition
// attempted from a terminal, superseded or otherwise incompatible state.
type InvalidTransitionError struct {
	EncounterID string
	Attempted   string
	From        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q from state %q on encounter %s",
		e.Attempted, e.From, e.EncounterID)
}

func invalidTransition(e *Encounter, attempted string) *InvalidTransitionError {
	return &InvalidTransitionError{
		EncounterID: e.ID,
		Attempted:   attempted,
		From:        string(e.SubmissionState) + "/" + string(e.AdjudicationState),
	}
}
