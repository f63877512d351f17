package claim

import "time"

// Referral records a hand-off of a member between facilities. An outbound
// referral lives on the sending encounter; the receiving facility records the
// matching inbound referral on the encounter it opens for the visit.
//
// A referral whose receiving facility is the sending encounter's own provider
// is a follow-up: same linking algorithm, different display semantics.
type Referral struct {
	ReceivingFacilityID  string    `json:"receiving_facility_id"`
	SendingFacilityID    string    `json:"sending_facility_id,omitempty"`
	Date                 time.Time `json:"date"`
	Reason               string    `json:"reason"`
	Number               string    `json:"number,omitempty"`
	ReceivingEncounterID *string   `json:"receiving_encounter_id,omitempty"`
}

func (r *Referral) clone() *Referral {
	c := *r
	c.ReceivingEncounterID = cloneString(r.ReceivingEncounterID)
	return &c
}

// IsFollowUp reports whether the referral points back at the given provider.
func (r *Referral) IsFollowUp(providerID string) bool {
	return r.ReceivingFacilityID == providerID
}

// ReferralLink is the result of resolving one side of a referral.
type ReferralLink struct {
	Referral Referral
	// Linked is false while no submitted encounter matches the referral yet.
	Linked bool
	// EncounterID is the matched encounter on the other side of the hand-off:
	// the receiving encounter for an outbound referral, the sending one for an
	// inbound referral.
	EncounterID string
	FollowUp    bool
}

// LinkOutbound resolves each outbound referral on enc against the full
// encounter set: a match is a different, submitted encounter for the same
// member whose inbound referral names the receiving facility on the same
// service day. Unmatched referrals come back with Linked == false.
func LinkOutbound(enc *Encounter, all map[string]*Encounter) []ReferralLink {
	links := make([]ReferralLink, 0, len(enc.OutboundReferrals))
	for _, ref := range enc.OutboundReferrals {
		link := ReferralLink{
			Referral: *ref.clone(),
			FollowUp: ref.IsFollowUp(enc.ProviderID),
		}
		if ref.ReceivingEncounterID != nil {
			link.Linked = true
			link.EncounterID = *ref.ReceivingEncounterID
			links = append(links, link)
			continue
		}
		for _, cand := range all {
			if cand.ID == enc.ID || cand.MemberID != enc.MemberID {
				continue
			}
			if cand.IsDraft() || cand.InboundReferral == nil {
				continue
			}
			if cand.ProviderID != ref.ReceivingFacilityID {
				continue
			}
			if !sameDay(cand.InboundReferral.Date, ref.Date) {
				continue
			}
			link.Linked = true
			link.EncounterID = cand.ID
			break
		}
		links = append(links, link)
	}
	return links
}

// LinkInbound resolves the sending side of enc's inbound referral: a
// different, submitted encounter for the same member carrying an outbound
// referral that names enc's provider on the same service day.
func LinkInbound(enc *Encounter, all map[string]*Encounter) (ReferralLink, bool) {
	if enc.InboundReferral == nil {
		return ReferralLink{}, false
	}
	link := ReferralLink{
		Referral: *enc.InboundReferral.clone(),
		FollowUp: enc.InboundReferral.IsFollowUp(enc.ProviderID),
	}
	for _, cand := range all {
		if cand.ID == enc.ID || cand.MemberID != enc.MemberID || cand.IsDraft() {
			continue
		}
		for _, out := range cand.OutboundReferrals {
			if out.ReceivingFacilityID != enc.ProviderID {
				continue
			}
			if !sameDay(out.Date, enc.InboundReferral.Date) {
				continue
			}
			link.Linked = true
			link.EncounterID = cand.ID
			return link, true
		}
	}
	return link, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
