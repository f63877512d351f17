package claim

import "sort"

// DefaultRecentWindowDays bounds how far back ResolveChainForMember looks.
const DefaultRecentWindowDays = 366

// Chain is the ordered resubmission history of one claim. Encounters are
// sorted by SubmittedAt ascending with never-submitted drafts last; Last is
// the tail and represents the claim's present state.
type Chain struct {
	ClaimID    string       `json:"claim_id"`
	Encounters []*Encounter `json:"encounters"`
	Last       *Encounter   `json:"last"`
}

// ResolveChain derives the chain for claimID from the full encounter map.
// It is pure: callers pass a snapshot and may call it at any time. An unknown
// claimID yields a nil chain, not an error.
func ResolveChain(claimID string, all map[string]*Encounter) *Chain {
	var members []*Encounter
	for _, e := range all {
		if e.ClaimID == claimID {
			members = append(members, e)
		}
	}
	if len(members) == 0 {
		return nil
	}
	sortChain(members)
	return &Chain{
		ClaimID:    claimID,
		Encounters: members,
		Last:       members[len(members)-1],
	}
}

// ResolveChainForMember derives the member's recent claims relative to asOf:
// the last encounter of every other chain whose service date falls on or
// before asOf's and within windowDays of it, newest first. Drafts never
// represent a chain here. windowDays <= 0 selects the default window.
func ResolveChainForMember(memberID string, asOf *Encounter, windowDays int, all map[string]*Encounter) []*Encounter {
	if asOf == nil {
		return nil
	}
	if windowDays <= 0 {
		windowDays = DefaultRecentWindowDays
	}
	cutoff := asOf.OccurredAt.AddDate(0, 0, -windowDays)

	byClaim := make(map[string][]*Encounter)
	for _, e := range all {
		if e.MemberID != memberID || e.IsDraft() {
			continue
		}
		byClaim[e.ClaimID] = append(byClaim[e.ClaimID], e)
	}

	var recent []*Encounter
	for claimID, chain := range byClaim {
		if claimID == asOf.ClaimID {
			continue
		}
		sortChain(chain)
		last := chain[len(chain)-1]
		if last.OccurredAt.After(asOf.OccurredAt) {
			continue
		}
		if last.OccurredAt.Before(cutoff) {
			continue
		}
		recent = append(recent, last)
	}

	sort.Slice(recent, func(i, j int) bool {
		if !recent[i].OccurredAt.Equal(recent[j].OccurredAt) {
			return recent[i].OccurredAt.After(recent[j].OccurredAt)
		}
		return recent[i].ID < recent[j].ID
	})
	return recent
}

// sortChain orders encounters by SubmittedAt ascending, drafts last. Ties
// break on ID so repeated resolution of the same snapshot is stable.
func sortChain(encounters []*Encounter) {
	sort.Slice(encounters, func(i, j int) bool {
		a, b := encounters[i], encounters[j]
		switch {
		case a.SubmittedAt == nil && b.SubmittedAt == nil:
			return a.ID < b.ID
		case a.SubmittedAt == nil:
			return false
		case b.SubmittedAt == nil:
			return true
		case !a.SubmittedAt.Equal(*b.SubmittedAt):
			return a.SubmittedAt.Before(*b.SubmittedAt)
		default:
			return a.ID < b.ID
		}
	})
}
