package engine

import "encoding/json"

// Call argument shapes, mirroring what the devhub contracts serialize.
// Numeric sponsorship amounts arrive as strings or numbers depending on the
// contract version, so they are decoded as json.Number.

type addLikeArgs struct {
	PostID *uint64 `json:"post_id"`
}

type postBodyArgs struct {
	PostType         string          `json:"post_type"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	SponsorshipToken json.RawMessage `json:"sponsorship_token"`
	Amount           json.Number     `json:"amount"`
	Supervisor       string          `json:"supervisor"`
}

type postArgs struct {
	ParentID *uint64      `json:"parent_id"`
	Labels   []string     `json:"labels"`
	Body     postBodyArgs `json:"body"`
}

type proposalBodyArgs struct {
	ProposalBodyVersion       string          `json:"proposal_body_version"`
	Name                      string          `json:"name"`
	Category                  string          `json:"category"`
	Summary                   string          `json:"summary"`
	Description               string          `json:"description"`
	LinkedProposals           []uint64        `json:"linked_proposals"`
	LinkedRFP                 *uint64         `json:"linked_rfp"`
	RequestedSponsorshipUSD   json.Number     `json:"requested_sponsorship_usd_amount"`
	RequestedSponsorshipToken string          `json:"requested_sponsorship_paid_in_currency"`
	RequestedSponsor          string          `json:"requested_sponsor"`
	ReceiverAccount           string          `json:"receiver_account"`
	Supervisor                *string         `json:"supervisor"`
	Timeline                  json.RawMessage `json:"timeline"`
}

type editProposalArgs struct {
	ID     *uint64          `json:"id"`
	Body   proposalBodyArgs `json:"body"`
	Labels []string         `json:"labels"`
}

type editProposalTimelineArgs struct {
	ID       *uint64         `json:"id"`
	Timeline json.RawMessage `json:"timeline"`
}

type editProposalLinkedRFPArgs struct {
	ID    *uint64 `json:"id"`
	RFPID *uint64 `json:"rfp_id"`
}

// proposalSnapshotArgs is the full first snapshot the contract hands to its
// creation callback.
type proposalSnapshotArgs struct {
	proposalBodyArgs
	EditorID string   `json:"editor_id"`
	Labels   []string `json:"labels"`
}

type proposalCreatedArgs struct {
	Proposal struct {
		ID              *uint64              `json:"id"`
		AuthorID        string               `json:"author_id"`
		ProposalVersion string               `json:"proposal_version"`
		Snapshot        proposalSnapshotArgs `json:"snapshot"`
	} `json:"proposal"`
}

type rfpBodyArgs struct {
	RFPBodyVersion     string          `json:"rfp_body_version"`
	Name               string          `json:"name"`
	Summary            string          `json:"summary"`
	Description        string          `json:"description"`
	Timeline           json.RawMessage `json:"timeline"`
	SubmissionDeadline json.Number     `json:"submission_deadline"`
}

type editRFPArgs struct {
	ID     *uint64     `json:"id"`
	Body   rfpBodyArgs `json:"body"`
	Labels []string    `json:"labels"`
}

type editRFPTimelineArgs struct {
	ID       *uint64         `json:"id"`
	Timeline json.RawMessage `json:"timeline"`
}

type cancelRFPArgs struct {
	ID                *uint64  `json:"id"`
	ProposalsToCancel []uint64 `json:"proposals_to_cancel"`
	ProposalsToUnlink []uint64 `json:"proposals_to_unlink"`
}

type rfpSnapshotArgs struct {
	rfpBodyArgs
	EditorID string   `json:"editor_id"`
	Labels   []string `json:"labels"`
}

type rfpCreatedArgs struct {
	RFP struct {
		ID         *uint64         `json:"id"`
		AuthorID   string          `json:"author_id"`
		RFPVersion string          `json:"rfp_version"`
		Snapshot   rfpSnapshotArgs `json:"snapshot"`
	} `json:"rfp"`
}
