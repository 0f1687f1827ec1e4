package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"devhubindexer/chain"
	"devhubindexer/storage"
)

func testConfig() Config {
	posts := postsCollection()
	proposals := proposalsCollection()
	rfps := rfpsCollection()
	return Config{
		Instance:  "devhub",
		Account:   testAccount,
		Posts:     &posts,
		Proposals: &proposals,
		RFPs:      &rfps,
	}
}

func setupEngine(t *testing.T) (*Engine, *storage.InstanceStore, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	cfg := testConfig()
	backend := storage.NewWithDB(db).Instance(cfg.Instance)
	return New(cfg, backend, discardLogger()), backend, db
}

func makeBlock(height, ts uint64, actions []chain.Action, changes []chain.StateChange) *chain.Block {
	return &chain.Block{
		Height:         height,
		TimestampNanos: ts,
		Actions:        actions,
		StateChanges:   changes,
	}
}

func proposalBody(name string, linkedRFP *uint64) map[string]any {
	body := map[string]any{
		"proposal_body_version":                  "V0",
		"name":                                   name,
		"category":                               "DevDAO Operations",
		"summary":                                "summary",
		"description":                            "description",
		"linked_proposals":                       []uint64{},
		"requested_sponsorship_usd_amount":       "1000",
		"requested_sponsorship_paid_in_currency": "USDT",
		"requested_sponsor":                      "neardevdao.near",
		"receiver_account":                       "alice.near",
		"timeline":                               map[string]any{"status": "DRAFT"},
	}
	if linkedRFP != nil {
		body["linked_rfp"] = *linkedRFP
	}
	return body
}

func rfpBody(name string) map[string]any {
	return map[string]any{
		"rfp_body_version":    "V0",
		"name":                name,
		"summary":             "summary",
		"description":         "description",
		"timeline":            map[string]any{"status": "ACCEPTING_SUBMISSIONS"},
		"submission_deadline": "1700000000000000000",
	}
}

func seedProposal(t *testing.T, backend *storage.InstanceStore, id, ts uint64, mutate func(*storage.ProposalSnapshot)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, backend.InsertProposal(ctx, &storage.Proposal{ID: id, AuthorID: "alice.near"}))
	snap := &storage.ProposalSnapshot{
		ProposalID:          id,
		BlockHeight:         1,
		Ts:                  ts,
		EditorID:            "alice.near",
		ProposalVersion:     "V0",
		ProposalBodyVersion: "V0",
		Name:                "seed",
		Labels:              []string{"devhub"},
		LinkedProposals:     []uint64{},
		Timeline:            `{"status":"DRAFT"}`,
		Views:               1,
	}
	if mutate != nil {
		mutate(snap)
	}
	require.NoError(t, backend.InsertProposalSnapshot(ctx, snap))
}

func seedRFP(t *testing.T, backend *storage.InstanceStore, id, ts uint64, mutate func(*storage.RFPSnapshot)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, backend.InsertRFP(ctx, &storage.RFP{ID: id, AuthorID: "moderator.near"}))
	snap := &storage.RFPSnapshot{
		RFPID:              id,
		BlockHeight:        1,
		Ts:                 ts,
		EditorID:           "moderator.near",
		RFPVersion:         "V0",
		RFPBodyVersion:     "V0",
		Name:               "seed rfp",
		Labels:             []string{"rfp-funding"},
		LinkedProposals:    []uint64{},
		Timeline:           `{"status":"ACCEPTING_SUBMISSIONS"}`,
		SubmissionDeadline: "1700000000000000000",
		Views:              1,
	}
	if mutate != nil {
		mutate(snap)
	}
	require.NoError(t, backend.InsertRFPSnapshot(ctx, snap))
}

func proposalSnapshots(t *testing.T, db *gorm.DB, id uint64) []storage.ProposalSnapshot {
	t.Helper()
	var snaps []storage.ProposalSnapshot
	require.NoError(t, db.Where("proposal_id = ?", id).Order("id ASC").Find(&snaps).Error)
	return snaps
}

func rfpSnapshots(t *testing.T, db *gorm.DB, id uint64) []storage.RFPSnapshot {
	t.Helper()
	var snaps []storage.RFPSnapshot
	require.NoError(t, db.Where("rfp_id = ?", id).Order("id ASC").Find(&snaps).Error)
	return snaps
}

func TestProcessBlockProposalCreation(t *testing.T) {
	eng, _, db := setupEngine(t)
	col := proposalsCollection()

	args := map[string]any{"proposal": map[string]any{
		"id":               uint64(5),
		"author_id":        "alice.near",
		"proposal_version": "V0",
		"snapshot": func() map[string]any {
			snap := proposalBody("first proposal", nil)
			snap["editor_id"] = "alice.near"
			snap["labels"] = []string{"devhub"}
			return snap
		}(),
	}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, testAccount, "r1", CallbackProposalCreated, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 5), slotValue(5, 9, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	var proposal storage.Proposal
	require.NoError(t, db.First(&proposal, "id = ?", 5).Error)
	require.Equal(t, "alice.near", proposal.AuthorID)
	require.Equal(t, "devhub", proposal.Instance)

	snaps := proposalSnapshots(t, db, 5)
	require.Len(t, snaps, 1)
	require.Equal(t, uint32(1), snaps[0].Views)
	require.Equal(t, "first proposal", snaps[0].Name)
	require.Equal(t, "1000", snaps[0].RequestedSponsorshipUSD)
	require.Equal(t, []string{"devhub"}, snaps[0].Labels)
	require.Equal(t, `{"status":"DRAFT"}`, snaps[0].Timeline)
	require.Nil(t, snaps[0].LinkedRFP)

	var dump storage.Dump
	require.NoError(t, db.First(&dump, "receipt_id = ?", "r1").Error)
	require.Equal(t, storage.KindProposal, dump.EntityKind)
	require.NotNil(t, dump.EntityID)
	require.Equal(t, uint64(5), *dump.EntityID)
}

func TestProcessBlockEditWithoutBaseSnapshot(t *testing.T) {
	eng, _, db := setupEngine(t)
	col := proposalsCollection()

	args := map[string]any{"id": uint64(7), "body": proposalBody("edited", nil), "labels": []string{"devhub"}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "alice.near", "r1", MethodEditProposal, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 7), slotValue(5, 9, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	// The audit record survives even though the edit had nothing to build on.
	var dump storage.Dump
	require.NoError(t, db.First(&dump, "receipt_id = ?", "r1").Error)
	require.Empty(t, proposalSnapshots(t, db, 7))
}

func TestProcessBlockReceiptWithoutStateChange(t *testing.T) {
	eng, _, db := setupEngine(t)

	args := map[string]any{"id": uint64(9), "body": proposalBody("edited", nil), "labels": []string{}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "alice.near", "r1", MethodEditProposal, args)},
		nil,
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	var dump storage.Dump
	require.NoError(t, db.First(&dump, "receipt_id = ?", "r1").Error)
	require.Nil(t, dump.EntityID)
	require.Empty(t, proposalSnapshots(t, db, 9))
}

func TestProcessBlockEditProposal(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := proposalsCollection()
	seedProposal(t, backend, 5, 1000, nil)

	args := map[string]any{"id": uint64(5), "body": proposalBody("edited title", nil), "labels": []string{"devhub", "funding"}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "bob.near", "r1", MethodEditProposal, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 5), slotValue(5, 9, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	snaps := proposalSnapshots(t, db, 5)
	require.Len(t, snaps, 2)
	cur := snaps[1]
	require.Equal(t, uint32(2), cur.Views)
	require.Equal(t, "bob.near", cur.EditorID)
	require.Equal(t, "edited title", cur.Name)
	require.Equal(t, []string{"devhub", "funding"}, cur.Labels)
}

func TestEditProposalLinkingRFPKeepsPriorLabels(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := proposalsCollection()
	seedProposal(t, backend, 5, 1000, func(s *storage.ProposalSnapshot) {
		s.Labels = []string{"rfp-governed"}
	})
	seedRFP(t, backend, 50, 1000, nil)

	rfpID := uint64(50)
	args := map[string]any{"id": uint64(5), "body": proposalBody("linked", &rfpID), "labels": []string{"attacker-chosen"}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "alice.near", "r1", MethodEditProposal, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 5), slotValue(5, 9, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	snaps := proposalSnapshots(t, db, 5)
	require.Len(t, snaps, 2)
	require.Equal(t, []string{"rfp-governed"}, snaps[1].Labels)
	require.NotNil(t, snaps[1].LinkedRFP)
	require.Equal(t, uint64(50), *snaps[1].LinkedRFP)

	// The RFP side gained the back-link.
	rsnaps := rfpSnapshots(t, db, 50)
	require.Len(t, rsnaps, 2)
	require.Equal(t, []uint64{5}, rsnaps[1].LinkedProposals)
	require.Equal(t, uint32(2), rsnaps[1].Views)
}

func TestEditProposalLinkedRFPTransition(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := proposalsCollection()
	oldRFP := uint64(40)
	seedProposal(t, backend, 5, 1000, func(s *storage.ProposalSnapshot) {
		s.LinkedRFP = &oldRFP
	})
	seedRFP(t, backend, 40, 1000, func(s *storage.RFPSnapshot) {
		s.LinkedProposals = []uint64{5}
	})
	seedRFP(t, backend, 50, 1000, nil)

	args := map[string]any{"id": uint64(5), "rfp_id": uint64(50)}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "moderator.near", "r1", MethodEditProposalLinkedRFP, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 5), slotValue(5, 9, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	snaps := proposalSnapshots(t, db, 5)
	require.Len(t, snaps, 2)
	require.NotNil(t, snaps[1].LinkedRFP)
	require.Equal(t, uint64(50), *snaps[1].LinkedRFP)

	gained := rfpSnapshots(t, db, 50)
	require.Len(t, gained, 2)
	require.Equal(t, []uint64{5}, gained[1].LinkedProposals)

	lost := rfpSnapshots(t, db, 40)
	require.Len(t, lost, 2)
	require.Empty(t, lost[1].LinkedProposals)
}

func TestCancelRFPCascade(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := rfpsCollection()
	rfpID := uint64(50)
	seedRFP(t, backend, 50, 1000, func(s *storage.RFPSnapshot) {
		s.LinkedProposals = []uint64{1, 2}
	})
	for _, pid := range []uint64{1, 2} {
		seedProposal(t, backend, pid, 1000, func(s *storage.ProposalSnapshot) {
			s.LinkedRFP = &rfpID
		})
	}

	args := map[string]any{
		"id":                  uint64(50),
		"proposals_to_cancel": []uint64{1, 2},
		"proposals_to_unlink": []uint64{1, 2},
	}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "moderator.near", "r1", MethodCancelRFP, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 50), slotValue(5, 9, "moderator.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	for _, pid := range []uint64{1, 2} {
		snaps := proposalSnapshots(t, db, pid)
		require.Len(t, snaps, 3, "proposal %d", pid)
		// Unlink first, then the cancelled timeline.
		require.Nil(t, snaps[1].LinkedRFP)
		require.Equal(t, uint32(2), snaps[1].Views)
		require.Equal(t, cancelledTimeline, snaps[2].Timeline)
		require.Equal(t, uint32(3), snaps[2].Views)
	}

	rsnaps := rfpSnapshots(t, db, 50)
	require.Len(t, rsnaps, 2)
	require.Equal(t, cancelledTimeline, rsnaps[1].Timeline)
	require.Empty(t, rsnaps[1].LinkedProposals)

	var anomalies []storage.LinkAnomaly
	require.NoError(t, db.Find(&anomalies).Error)
	require.Empty(t, anomalies)
}

func TestCancelRFPRecordsCascadeAnomalies(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := rfpsCollection()
	// Proposal 99 is in the call but was never indexed: both cascade legs
	// fail, the anomalies are recorded and the RFP itself still cancels.
	seedRFP(t, backend, 50, 1000, func(s *storage.RFPSnapshot) {
		s.LinkedProposals = []uint64{99}
	})

	args := map[string]any{
		"id":                  uint64(50),
		"proposals_to_cancel": []uint64{99},
		"proposals_to_unlink": []uint64{99},
	}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "moderator.near", "r1", MethodCancelRFP, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 50), slotValue(5, 9, "moderator.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	var anomalies []storage.LinkAnomaly
	require.NoError(t, db.Order("id ASC").Find(&anomalies).Error)
	require.Len(t, anomalies, 2)
	require.Equal(t, "cascade_unlink", anomalies[0].Stage)
	require.Equal(t, "cascade_cancel", anomalies[1].Stage)
	for _, a := range anomalies {
		require.Equal(t, uint64(99), a.ProposalID)
		require.Equal(t, uint64(50), a.RFPID)
		require.Equal(t, "devhub", a.Instance)
		require.Equal(t, uint64(100), a.BlockHeight)
		require.Equal(t, uint64(2000), a.Ts)
		require.Contains(t, a.Detail, "no base snapshot")
	}

	rsnaps := rfpSnapshots(t, db, 50)
	require.Len(t, rsnaps, 2)
	require.Equal(t, cancelledTimeline, rsnaps[1].Timeline)
	require.Empty(t, rsnaps[1].LinkedProposals)
	require.Empty(t, proposalSnapshots(t, db, 99))
}

func TestRFPLabelCascade(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := rfpsCollection()
	rfpID := uint64(50)
	seedRFP(t, backend, 50, 1000, func(s *storage.RFPSnapshot) {
		s.Labels = []string{"rfp-funding"}
		s.LinkedProposals = []uint64{1, 2}
	})
	for _, pid := range []uint64{1, 2} {
		seedProposal(t, backend, pid, 1000, func(s *storage.ProposalSnapshot) {
			s.LinkedRFP = &rfpID
			s.Labels = []string{"rfp-funding"}
		})
	}

	args := map[string]any{"id": uint64(50), "body": rfpBody("renamed"), "labels": []string{"rfp-infra"}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "moderator.near", "r1", MethodEditRFP, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 50), slotValue(5, 9, "moderator.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	rsnaps := rfpSnapshots(t, db, 50)
	require.Len(t, rsnaps, 2)
	require.Equal(t, []string{"rfp-infra"}, rsnaps[1].Labels)
	require.Equal(t, []uint64{1, 2}, rsnaps[1].LinkedProposals)

	for _, pid := range []uint64{1, 2} {
		snaps := proposalSnapshots(t, db, pid)
		require.Len(t, snaps, 2, "proposal %d", pid)
		require.Equal(t, []string{"rfp-infra"}, snaps[1].Labels)
		require.NotNil(t, snaps[1].LinkedRFP)
		require.Equal(t, uint64(50), *snaps[1].LinkedRFP)
	}
}

func TestRFPLabelReorderDoesNotCascade(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := rfpsCollection()
	rfpID := uint64(50)
	seedRFP(t, backend, 50, 1000, func(s *storage.RFPSnapshot) {
		s.Labels = []string{"a", "b"}
		s.LinkedProposals = []uint64{1}
	})
	seedProposal(t, backend, 1, 1000, func(s *storage.ProposalSnapshot) {
		s.LinkedRFP = &rfpID
	})

	args := map[string]any{"id": uint64(50), "body": rfpBody("renamed"), "labels": []string{"b", "a"}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "moderator.near", "r1", MethodEditRFP, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 50), slotValue(5, 9, "moderator.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	require.Len(t, rfpSnapshots(t, db, 50), 2)
	require.Len(t, proposalSnapshots(t, db, 1), 1)
}

func TestSameBlockEditsShareBaseSnapshot(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := proposalsCollection()
	seedProposal(t, backend, 5, 1000, nil)

	// Two timeline edits land in one block. Reads resolve strictly before the
	// block timestamp, so both build on the pre-block snapshot; the second
	// row wins later tie-breaks.
	blk := makeBlock(100, 2000,
		[]chain.Action{
			callAction(testAccount, "alice.near", "r1", MethodEditProposalTimeline,
				map[string]any{"id": uint64(5), "timeline": map[string]any{"status": "REVIEW"}}),
			callAction(testAccount, "alice.near", "r2", MethodEditProposalTimeline,
				map[string]any{"id": uint64(5), "timeline": map[string]any{"status": "APPROVED"}}),
		},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 5), slotValue(5, 9, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	snaps := proposalSnapshots(t, db, 5)
	require.Len(t, snaps, 3)
	require.Equal(t, uint32(2), snaps[1].Views)
	require.Equal(t, uint32(2), snaps[2].Views)
	require.Equal(t, `{"status":"REVIEW"}`, snaps[1].Timeline)
	require.Equal(t, `{"status":"APPROVED"}`, snaps[2].Timeline)

	latest, err := backend.LatestProposalSnapshotBefore(context.Background(), 5, 3000)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, `{"status":"APPROVED"}`, latest.Timeline)
}

func TestBuildQueuesOrdersByReceiptIndex(t *testing.T) {
	id := uint64(5)
	tasks := []task{
		{kind: storage.KindProposal, op: operation{receiptID: "r2", index: 2}, id: &id},
		{kind: storage.KindProposal, op: operation{receiptID: "r0", index: 0}, id: &id},
		{kind: storage.KindProposal, op: operation{receiptID: "r1", index: 1}, id: &id},
		{kind: storage.KindPost, op: operation{receiptID: "rx", index: 3}},
	}

	queues := buildQueues(tasks)
	require.Len(t, queues, 2)

	queue := queues["proposal/5"]
	require.Len(t, queue, 3)
	require.Equal(t, "r0", queue[0].op.receiptID)
	require.Equal(t, "r1", queue[1].op.receiptID)
	require.Equal(t, "r2", queue[2].op.receiptID)

	// An unresolved operation gets its own receipt-keyed queue.
	require.Len(t, queues["receipt/rx"], 1)
}

func TestDuplicateCreationContained(t *testing.T) {
	eng, backend, db := setupEngine(t)
	col := proposalsCollection()
	seedProposal(t, backend, 5, 1000, nil)

	args := map[string]any{"proposal": map[string]any{
		"id":               uint64(5),
		"author_id":        "alice.near",
		"proposal_version": "V0",
		"snapshot": func() map[string]any {
			snap := proposalBody("replayed", nil)
			snap["editor_id"] = "alice.near"
			snap["labels"] = []string{}
			return snap
		}(),
	}}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, testAccount, "r1", CallbackProposalCreated, args)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 5), slotValue(5, 9, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	// The replayed creation is abandoned after the dump: no second snapshot.
	require.Len(t, proposalSnapshots(t, db, 5), 1)
	var dump storage.Dump
	require.NoError(t, db.First(&dump, "receipt_id = ?", "r1").Error)
}

func TestProcessBlockPostsAndLikes(t *testing.T) {
	eng, _, db := setupEngine(t)
	col := postsCollection()

	addArgs := map[string]any{
		"labels": []string{"idea"},
		"body": map[string]any{
			"post_type":   "Idea",
			"name":        "an idea",
			"description": "details",
		},
	}
	blk := makeBlock(100, 2000,
		[]chain.Action{callAction(testAccount, "alice.near", "r1", MethodAddPost, addArgs)},
		[]chain.StateChange{dataUpdate(testAccount, slotKey(col.Prefix, 7), slotValue(9, 13, "alice.near"))},
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), blk))

	var post storage.Post
	require.NoError(t, db.First(&post, "id = ?", 7).Error)
	require.Equal(t, "alice.near", post.AuthorID)

	var snaps []storage.PostSnapshot
	require.NoError(t, db.Where("post_id = ?", 7).Find(&snaps).Error)
	require.Len(t, snaps, 1)
	require.Equal(t, uint32(1), snaps[0].Views)
	require.Equal(t, "Idea", snaps[0].PostType)

	// Likes carry their target id in the args and need no state change.
	likeBlk := makeBlock(101, 3000,
		[]chain.Action{callAction(testAccount, "bob.near", "r2", MethodAddLike, map[string]any{"post_id": uint64(7)})},
		nil,
	)
	require.NoError(t, eng.ProcessBlock(context.Background(), likeBlk))

	var like storage.Like
	require.NoError(t, db.First(&like, "post_id = ? AND author_id = ?", 7, "bob.near").Error)
	require.Equal(t, uint64(3000), like.Ts)
}
