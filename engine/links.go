package engine

import (
	"context"
	"log/slog"

	"devhubindexer/storage"
)

// reconcileLinkedRFP keeps the RFP-side linked_proposals sets consistent
// with a proposal's linked_rfp transition old -> new. Failures on either
// side are recorded as anomalies rather than failing the originating
// operation: the proposal snapshot that triggered the reconcile is already
// committed.
func (e *Engine) reconcileLinkedRFP(ctx context.Context, log *slog.Logger, proposalID uint64, oldRFP, newRFP *uint64, height, ts uint64) {
	if equalID(oldRFP, newRFP) {
		return
	}
	if newRFP != nil {
		if err := e.rfpModifyLinkedProposals(ctx, log, *newRFP, proposalID, true, height, ts); err != nil {
			e.recordLinkAnomaly(ctx, log, proposalID, *newRFP, "link_add", err, height, ts)
		} else {
			e.metrics.LinkCascade(e.cfg.Instance, "add")
		}
	}
	if oldRFP != nil {
		if err := e.rfpModifyLinkedProposals(ctx, log, *oldRFP, proposalID, false, height, ts); err != nil {
			e.recordLinkAnomaly(ctx, log, proposalID, *oldRFP, "link_remove", err, height, ts)
		} else {
			e.metrics.LinkCascade(e.cfg.Instance, "remove")
		}
	}
}

// rfpModifyLinkedProposals appends a carry-forward RFP snapshot with
// proposalID added to or removed from the linked set. A membership no-op
// still appends a snapshot, matching the write pattern of every other
// applied operation.
func (e *Engine) rfpModifyLinkedProposals(ctx context.Context, log *slog.Logger, rfpID, proposalID uint64, add bool, height, ts uint64) error {
	prev, err := e.backend.LatestRFPSnapshotBefore(ctx, rfpID, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return ErrMissingBaseSnapshot
	}
	snap := nextRFPSnapshot(prev, height, ts)
	if add {
		snap.LinkedProposals = withID(snap.LinkedProposals, proposalID)
	} else {
		snap.LinkedProposals = withoutID(snap.LinkedProposals, proposalID)
	}
	if err := e.backend.InsertRFPSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindRFP)
	log.Info("rfp linked proposals updated",
		"rfp_id", rfpID, "proposal_id", proposalID, "linked", add)
	return nil
}

// cascadeLabels propagates an RFP label change to every linked proposal.
// Labels are compared as sets: reordering alone does not cascade.
func (e *Engine) cascadeLabels(ctx context.Context, log *slog.Logger, prev, cur *storage.RFPSnapshot, editor string, height, ts uint64) {
	if labelSetsEqual(prev.Labels, cur.Labels) {
		return
	}
	for _, pid := range cur.LinkedProposals {
		if err := e.proposalAdoptLabels(ctx, log, pid, cur.Labels, editor, height, ts); err != nil {
			e.recordLinkAnomaly(ctx, log, pid, cur.RFPID, "label_cascade", err, height, ts)
			continue
		}
		e.metrics.LinkCascade(e.cfg.Instance, "labels")
	}
}

func (e *Engine) proposalAdoptLabels(ctx context.Context, log *slog.Logger, proposalID uint64, labels []string, editor string, height, ts uint64) error {
	prev, err := e.backend.LatestProposalSnapshotBefore(ctx, proposalID, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return ErrMissingBaseSnapshot
	}
	snap := nextProposalSnapshot(prev, height, ts)
	snap.EditorID = editor
	snap.Labels = copyStrings(labels)
	if err := e.backend.InsertProposalSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindProposal)
	log.Info("proposal labels cascaded", "proposal_id", proposalID, "views", snap.Views)
	return nil
}

// recordLinkAnomaly persists a partial reconciliation failure for later
// inspection. Anomaly persistence is best-effort.
func (e *Engine) recordLinkAnomaly(ctx context.Context, log *slog.Logger, proposalID, rfpID uint64, stage string, cause error, height, ts uint64) {
	log.Warn("link reconciliation anomaly",
		"proposal_id", proposalID, "rfp_id", rfpID, "stage", stage, "err", cause)
	e.metrics.LinkAnomaly(e.cfg.Instance, stage)
	rec := &storage.LinkAnomaly{
		ProposalID:  proposalID,
		RFPID:       rfpID,
		Stage:       stage,
		Detail:      cause.Error(),
		BlockHeight: height,
		Ts:          ts,
	}
	if err := e.backend.InsertLinkAnomaly(ctx, rec); err != nil {
		log.Error("persisting link anomaly failed", "err", err)
	}
}
