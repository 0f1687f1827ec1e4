// Package storage is the persistence backend of the indexer: typed
// create/read calls over gorm. Production runs against postgres; tests use
// the in-memory sqlite driver.
package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateCreation is returned when an entity id already exists at
// creation time. Callers log and skip; no snapshot may be written.
var ErrDuplicateCreation = errors.New("entity already exists")

// Store wraps the shared database handle.
type Store struct {
	db *gorm.DB
}

// Open connects to postgres and applies migrations.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened gorm handle. Migrations are the caller's
// responsibility.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CursorHeight returns the stored height for the named stream. The second
// return reports whether a cursor row exists.
func (s *Store) CursorHeight(ctx context.Context, name string) (uint64, bool, error) {
	var cur Cursor
	err := s.db.WithContext(ctx).First(&cur, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query cursor %s: %w", name, err)
	}
	return cur.Height, true, nil
}

// SetCursorHeight upserts the stream cursor.
func (s *Store) SetCursorHeight(ctx context.Context, name string, height uint64) error {
	cur := Cursor{Name: name, Height: height}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"height", "updated_at"}),
	}).Create(&cur).Error
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}

// Instance scopes the store to one tracked contract instance. Writes stamp
// the instance name; queries filter on it.
func (s *Store) Instance(name string) *InstanceStore {
	return &InstanceStore{db: s.db, instance: name}
}

// InstanceStore is the per-instance view the engine talks to.
type InstanceStore struct {
	db       *gorm.DB
	instance string
}

// InsertDump writes the audit record for one observed call. Replays of the
// same receipt id are silently absorbed.
func (s *InstanceStore) InsertDump(ctx context.Context, dump *Dump) error {
	dump.Instance = s.instance
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "receipt_id"}},
		DoNothing: true,
	}).Create(dump).Error
	if err != nil {
		return fmt.Errorf("insert dump %s: %w", dump.ReceiptID, err)
	}
	return nil
}

// InsertPost creates the post identity record exactly once.
func (s *InstanceStore) InsertPost(ctx context.Context, post *Post) error {
	post.Instance = s.instance
	return s.createOnce(ctx, post, "insert post", post.ID)
}

// InsertProposal creates the proposal identity record exactly once.
func (s *InstanceStore) InsertProposal(ctx context.Context, proposal *Proposal) error {
	proposal.Instance = s.instance
	return s.createOnce(ctx, proposal, "insert proposal", proposal.ID)
}

// InsertRFP creates the RFP identity record exactly once.
func (s *InstanceStore) InsertRFP(ctx context.Context, rfp *RFP) error {
	rfp.Instance = s.instance
	return s.createOnce(ctx, rfp, "insert rfp", rfp.ID)
}

func (s *InstanceStore) createOnce(ctx context.Context, record any, op string, id uint64) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return fmt.Errorf("%s %d: %w", op, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrDuplicateCreation)
	}
	return nil
}

// InsertPostSnapshot appends one post version.
func (s *InstanceStore) InsertPostSnapshot(ctx context.Context, snap *PostSnapshot) error {
	snap.Instance = s.instance
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("insert post snapshot %d@%d: %w", snap.PostID, snap.BlockHeight, err)
	}
	return nil
}

// InsertProposalSnapshot appends one proposal version.
func (s *InstanceStore) InsertProposalSnapshot(ctx context.Context, snap *ProposalSnapshot) error {
	snap.Instance = s.instance
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("insert proposal snapshot %d@%d: %w", snap.ProposalID, snap.BlockHeight, err)
	}
	return nil
}

// InsertRFPSnapshot appends one RFP version.
func (s *InstanceStore) InsertRFPSnapshot(ctx context.Context, snap *RFPSnapshot) error {
	snap.Instance = s.instance
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("insert rfp snapshot %d@%d: %w", snap.RFPID, snap.BlockHeight, err)
	}
	return nil
}

// UpsertLike records a like, keeping the greatest timestamp on replays.
func (s *InstanceStore) UpsertLike(ctx context.Context, like *Like) error {
	like.Instance = s.instance
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instance"}, {Name: "post_id"}, {Name: "author_id"}},
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lt{Column: clause.Column{Table: "likes", Name: "ts"}, Value: like.Ts},
		}},
		DoUpdates: clause.Assignments(map[string]any{"ts": like.Ts}),
	}).Create(like).Error
	if err != nil {
		return fmt.Errorf("upsert like post %d by %s: %w", like.PostID, like.AuthorID, err)
	}
	return nil
}

// InsertLinkAnomaly records a partially applied link cascade.
func (s *InstanceStore) InsertLinkAnomaly(ctx context.Context, anomaly *LinkAnomaly) error {
	anomaly.Instance = s.instance
	if err := s.db.WithContext(ctx).Create(anomaly).Error; err != nil {
		return fmt.Errorf("insert link anomaly proposal %d: %w", anomaly.ProposalID, err)
	}
	return nil
}

// LatestPostSnapshotBefore returns the newest post snapshot with ts strictly
// below the given timestamp, or nil when none exists.
func (s *InstanceStore) LatestPostSnapshotBefore(ctx context.Context, postID, ts uint64) (*PostSnapshot, error) {
	var snap PostSnapshot
	err := s.latestBefore(ctx, &snap, "post_id", postID, ts)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest post snapshot %d: %w", postID, err)
	}
	return &snap, nil
}

// LatestProposalSnapshotBefore returns the newest proposal snapshot with ts
// strictly below the given timestamp, or nil when none exists.
func (s *InstanceStore) LatestProposalSnapshotBefore(ctx context.Context, proposalID, ts uint64) (*ProposalSnapshot, error) {
	var snap ProposalSnapshot
	err := s.latestBefore(ctx, &snap, "proposal_id", proposalID, ts)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest proposal snapshot %d: %w", proposalID, err)
	}
	return &snap, nil
}

// LatestRFPSnapshotBefore returns the newest RFP snapshot with ts strictly
// below the given timestamp, or nil when none exists.
func (s *InstanceStore) LatestRFPSnapshotBefore(ctx context.Context, rfpID, ts uint64) (*RFPSnapshot, error) {
	var snap RFPSnapshot
	err := s.latestBefore(ctx, &snap, "rfp_id", rfpID, ts)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest rfp snapshot %d: %w", rfpID, err)
	}
	return &snap, nil
}

// latestBefore resolves the strict less-than ordering with block height, then
// row id, as the documented tie-break: when two snapshots share a timestamp
// the later-appended one wins.
func (s *InstanceStore) latestBefore(ctx context.Context, dest any, idColumn string, id, ts uint64) error {
	return s.db.WithContext(ctx).
		Where("instance = ? AND "+idColumn+" = ? AND ts < ?", s.instance, id, ts).
		Order("ts DESC").Order("block_height DESC").Order("id DESC").
		First(dest).Error
}
