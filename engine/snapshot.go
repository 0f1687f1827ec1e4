package engine

import (
	"devhubindexer/storage"
)

// Snapshot carry-forward builders. Every edit appends a fresh row built from
// the prior latest snapshot; the helpers below centralize the field copy so a
// schema change cannot silently drop a carried field. Callers override the
// fields their operation actually changes.
//
// The view counter advances by exactly one on every append; the first
// snapshot of an entity starts at 1.

func nextPostSnapshot(prev *storage.PostSnapshot, height, ts uint64) *storage.PostSnapshot {
	return &storage.PostSnapshot{
		PostID:                prev.PostID,
		BlockHeight:           height,
		Ts:                    ts,
		EditorID:              prev.EditorID,
		Labels:                copyStrings(prev.Labels),
		PostType:              prev.PostType,
		Name:                  prev.Name,
		Description:           prev.Description,
		SponsorshipToken:      prev.SponsorshipToken,
		SponsorshipAmount:     prev.SponsorshipAmount,
		SponsorshipSupervisor: prev.SponsorshipSupervisor,
		Views:                 prev.Views + 1,
	}
}

func nextProposalSnapshot(prev *storage.ProposalSnapshot, height, ts uint64) *storage.ProposalSnapshot {
	return &storage.ProposalSnapshot{
		ProposalID:                prev.ProposalID,
		BlockHeight:               height,
		Ts:                        ts,
		EditorID:                  prev.EditorID,
		SocialDBPostBlockHeight:   prev.SocialDBPostBlockHeight,
		ProposalVersion:           prev.ProposalVersion,
		ProposalBodyVersion:       prev.ProposalBodyVersion,
		Name:                      prev.Name,
		Category:                  prev.Category,
		Summary:                   prev.Summary,
		Description:               prev.Description,
		Labels:                    copyStrings(prev.Labels),
		LinkedProposals:           copyIDs(prev.LinkedProposals),
		LinkedRFP:                 copyID(prev.LinkedRFP),
		RequestedSponsorshipUSD:   prev.RequestedSponsorshipUSD,
		RequestedSponsorshipToken: prev.RequestedSponsorshipToken,
		RequestedSponsor:          prev.RequestedSponsor,
		ReceiverAccount:           prev.ReceiverAccount,
		Supervisor:                copyString(prev.Supervisor),
		Timeline:                  prev.Timeline,
		Views:                     prev.Views + 1,
	}
}

func nextRFPSnapshot(prev *storage.RFPSnapshot, height, ts uint64) *storage.RFPSnapshot {
	return &storage.RFPSnapshot{
		RFPID:                   prev.RFPID,
		BlockHeight:             height,
		Ts:                      ts,
		EditorID:                prev.EditorID,
		SocialDBPostBlockHeight: prev.SocialDBPostBlockHeight,
		RFPVersion:              prev.RFPVersion,
		RFPBodyVersion:          prev.RFPBodyVersion,
		Name:                    prev.Name,
		Summary:                 prev.Summary,
		Description:             prev.Description,
		Labels:                  copyStrings(prev.Labels),
		LinkedProposals:         copyIDs(prev.LinkedProposals),
		Timeline:                prev.Timeline,
		SubmissionDeadline:      prev.SubmissionDeadline,
		Views:                   prev.Views + 1,
	}
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyIDs(in []uint64) []uint64 {
	if in == nil {
		return nil
	}
	out := make([]uint64, len(in))
	copy(out, in)
	return out
}

func copyID(in *uint64) *uint64 {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

func copyString(in *string) *string {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

func withoutID(ids []uint64, id uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func withID(ids []uint64, id uint64) []uint64 {
	for _, v := range ids {
		if v == id {
			return copyIDs(ids)
		}
	}
	return append(copyIDs(ids), id)
}

// labelSetsEqual compares two label lists as sets, order-independent.
func labelSetsEqual(a, b []string) bool {
	seen := make(map[string]struct{}, len(a))
	for _, l := range a {
		seen[l] = struct{}{}
	}
	matched := make(map[string]struct{}, len(b))
	for _, l := range b {
		if _, ok := seen[l]; !ok {
			return false
		}
		matched[l] = struct{}{}
	}
	return len(matched) == len(seen)
}

func equalID(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
