package storage

import (
	"time"

	"gorm.io/gorm"
)

// Entity kinds recorded on dump rows.
const (
	KindPost     = "post"
	KindProposal = "proposal"
	KindRFP      = "rfp"
)

// Dump is the raw audit record of one observed on-chain call. It is written
// before any entity mutation and regardless of whether entity resolution
// succeeded; the receipt id is the idempotency key.
type Dump struct {
	ReceiptID      string `gorm:"primaryKey;size:64"`
	Instance       string `gorm:"size:64;index"`
	EntityKind     string `gorm:"size:16"`
	MethodName     string `gorm:"size:64"`
	BlockHeight    uint64 `gorm:"index"`
	BlockTimestamp uint64
	Args           string
	Caller         string `gorm:"size:64"`
	EntityID       *uint64
	CreatedAt      time.Time
}

// Post is the immutable identity record of a devhub post.
type Post struct {
	Instance  string `gorm:"primaryKey;size:64"`
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	ParentID  *uint64
	AuthorID  string `gorm:"size:64;index"`
	CreatedAt time.Time
}

// PostSnapshot is one immutable version of a post's editable fields.
type PostSnapshot struct {
	ID                    uint64 `gorm:"primaryKey"`
	Instance              string `gorm:"size:64;index:idx_post_snapshots_lookup,priority:1"`
	PostID                uint64 `gorm:"index:idx_post_snapshots_lookup,priority:2"`
	BlockHeight           uint64
	Ts                    uint64 `gorm:"index:idx_post_snapshots_lookup,priority:3"`
	EditorID              string `gorm:"size:64"`
	Labels                []string `gorm:"serializer:json"`
	PostType              string   `gorm:"size:32"`
	Name                  string
	Description           string
	SponsorshipToken      string
	SponsorshipAmount     string
	SponsorshipSupervisor string `gorm:"size:64"`
	Views                 uint32
}

// Like records one account liking one post; re-likes keep the greatest ts.
type Like struct {
	Instance string `gorm:"primaryKey;size:64"`
	PostID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	AuthorID string `gorm:"primaryKey;size:64"`
	Ts       uint64
}

// Proposal is the immutable identity record of a proposal.
type Proposal struct {
	Instance  string `gorm:"primaryKey;size:64"`
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	AuthorID  string `gorm:"size:64;index"`
	CreatedAt time.Time
}

// ProposalSnapshot is one immutable version of a proposal. Timeline is kept
// as the raw JSON document the contract emitted.
type ProposalSnapshot struct {
	ID                        uint64 `gorm:"primaryKey"`
	Instance                  string `gorm:"size:64;index:idx_proposal_snapshots_lookup,priority:1"`
	ProposalID                uint64 `gorm:"index:idx_proposal_snapshots_lookup,priority:2"`
	BlockHeight               uint64
	Ts                        uint64 `gorm:"index:idx_proposal_snapshots_lookup,priority:3"`
	EditorID                  string `gorm:"size:64"`
	SocialDBPostBlockHeight   uint64
	ProposalVersion           string   `gorm:"size:16"`
	ProposalBodyVersion       string   `gorm:"size:16"`
	Name                      string
	Category                  string `gorm:"size:64"`
	Summary                   string
	Description               string
	Labels                    []string `gorm:"serializer:json"`
	LinkedProposals           []uint64 `gorm:"serializer:json"`
	LinkedRFP                 *uint64
	RequestedSponsorshipUSD   string  `gorm:"size:64"`
	RequestedSponsorshipToken string  `gorm:"size:64"`
	RequestedSponsor          string  `gorm:"size:64"`
	ReceiverAccount           string  `gorm:"size:64"`
	Supervisor                *string `gorm:"size:64"`
	Timeline                  string
	Views                     uint32
}

// RFP is the immutable identity record of a request-for-proposals.
type RFP struct {
	Instance  string `gorm:"primaryKey;size:64"`
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	AuthorID  string `gorm:"size:64;index"`
	CreatedAt time.Time
}

// RFPSnapshot is one immutable version of an RFP.
type RFPSnapshot struct {
	ID                      uint64 `gorm:"primaryKey"`
	Instance                string `gorm:"size:64;index:idx_rfp_snapshots_lookup,priority:1"`
	RFPID                   uint64 `gorm:"index:idx_rfp_snapshots_lookup,priority:2"`
	BlockHeight             uint64
	Ts                      uint64 `gorm:"index:idx_rfp_snapshots_lookup,priority:3"`
	EditorID                string `gorm:"size:64"`
	SocialDBPostBlockHeight uint64
	RFPVersion              string `gorm:"size:16"`
	RFPBodyVersion          string `gorm:"size:16"`
	Name                    string
	Summary                 string
	Description             string
	Labels                  []string `gorm:"serializer:json"`
	LinkedProposals         []uint64 `gorm:"serializer:json"`
	Timeline                string
	SubmissionDeadline      string `gorm:"size:64"`
	Views                   uint32
}

// LinkAnomaly records a partially applied multi-entity link cascade. There is
// no cross-entity transaction; these rows are the input to a later repair run.
type LinkAnomaly struct {
	ID          uint64 `gorm:"primaryKey"`
	Instance    string `gorm:"size:64;index"`
	ProposalID  uint64
	RFPID       uint64
	Stage       string `gorm:"size:32"`
	Detail      string
	BlockHeight uint64
	Ts          uint64
	CreatedAt   time.Time
}

// Cursor remembers the last fully processed block height per stream so a
// restart resumes instead of re-indexing from the configured start.
type Cursor struct {
	Name      string `gorm:"primaryKey;size:64"`
	Height    uint64
	UpdatedAt time.Time
}

// AutoMigrate creates or updates every indexer table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Dump{},
		&Post{},
		&PostSnapshot{},
		&Like{},
		&Proposal{},
		&ProposalSnapshot{},
		&RFP{},
		&RFPSnapshot{},
		&LinkAnomaly{},
		&Cursor{},
	)
}
