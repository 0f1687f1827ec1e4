package engine

import (
	"context"
	"fmt"
	"log/slog"

	"devhubindexer/storage"
)

// cancelledTimeline is the timeline written to cancelled RFPs and to the
// proposals the cancellation cascades onto.
const cancelledTimeline = `{"status":"CANCELLED"}`

func (e *Engine) applyRFPOp(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	switch op.method {
	case CallbackRFPCreated:
		if !op.callback {
			log.Warn("creation callback arrived as a plain method, ignoring")
			return nil
		}
		return e.createRFP(ctx, log, op, id, height, ts)
	case MethodEditRFP, MethodEditRFPInternal:
		return e.editRFP(ctx, log, op, id, height, ts)
	case MethodEditRFPTimeline:
		return e.editRFPTimeline(ctx, log, op, id, height, ts)
	case MethodCancelRFP:
		return e.cancelRFP(ctx, log, op, id, height, ts)
	default:
		log.Info("no handler for method, dump recorded only")
		return nil
	}
}

func (e *Engine) createRFP(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args rfpCreatedArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	author := args.RFP.AuthorID
	if err := e.backend.InsertRFP(ctx, &storage.RFP{ID: id, AuthorID: author}); err != nil {
		return err
	}

	snapArgs := args.RFP.Snapshot
	snap := &storage.RFPSnapshot{
		RFPID:                   id,
		BlockHeight:             height,
		Ts:                      ts,
		EditorID:                snapArgs.EditorID,
		SocialDBPostBlockHeight: 0,
		RFPVersion:              args.RFP.RFPVersion,
		RFPBodyVersion:          snapArgs.RFPBodyVersion,
		Name:                    snapArgs.Name,
		Summary:                 snapArgs.Summary,
		Description:             snapArgs.Description,
		Labels:                  copyStrings(snapArgs.Labels),
		LinkedProposals:         []uint64{},
		SubmissionDeadline:      snapArgs.SubmissionDeadline.String(),
		Timeline:                string(snapArgs.Timeline),
		Views:                   1,
	}
	if err := e.backend.InsertRFPSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindRFP)
	log.Info("rfp created", "author", author)
	return nil
}

func (e *Engine) editRFP(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args editRFPArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	prev, err := e.backend.LatestRFPSnapshotBefore(ctx, id, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("rfp %d: %w", id, ErrMissingBaseSnapshot)
	}

	snap := &storage.RFPSnapshot{
		RFPID:                   id,
		BlockHeight:             height,
		Ts:                      ts,
		EditorID:                op.caller,
		SocialDBPostBlockHeight: prev.SocialDBPostBlockHeight,
		RFPVersion:              prev.RFPVersion,
		RFPBodyVersion:          args.Body.RFPBodyVersion,
		Name:                    args.Body.Name,
		Summary:                 args.Body.Summary,
		Description:             args.Body.Description,
		Labels:                  copyStrings(args.Labels),
		LinkedProposals:         copyIDs(prev.LinkedProposals),
		SubmissionDeadline:      args.Body.SubmissionDeadline.String(),
		Timeline:                string(args.Body.Timeline),
		Views:                   prev.Views + 1,
	}
	if err := e.backend.InsertRFPSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindRFP)
	log.Info("rfp snapshot appended", "views", snap.Views)

	e.cascadeLabels(ctx, log, prev, snap, op.caller, height, ts)
	return nil
}

func (e *Engine) editRFPTimeline(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args editRFPTimelineArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	prev, err := e.backend.LatestRFPSnapshotBefore(ctx, id, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("rfp %d: %w", id, ErrMissingBaseSnapshot)
	}
	snap := nextRFPSnapshot(prev, height, ts)
	snap.EditorID = op.caller
	snap.Timeline = string(args.Timeline)
	if err := e.backend.InsertRFPSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindRFP)
	log.Info("rfp timeline updated", "views", snap.Views)
	return nil
}

// cancelRFP unlinks and cancels the proposals named by the call, then
// appends the RFP's own CANCELLED snapshot with those proposals removed
// from its linked set.
func (e *Engine) cancelRFP(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args cancelRFPArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	prev, err := e.backend.LatestRFPSnapshotBefore(ctx, id, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("rfp %d: %w", id, ErrMissingBaseSnapshot)
	}

	for _, pid := range args.ProposalsToUnlink {
		if err := e.setProposalLinkedRFP(ctx, log, pid, nil, op.caller, height, ts, false); err != nil {
			e.recordLinkAnomaly(ctx, log, pid, id, "cascade_unlink", err, height, ts)
		}
	}
	for _, pid := range args.ProposalsToCancel {
		if err := e.appendProposalTimeline(ctx, log, pid, op.caller, cancelledTimeline, height, ts); err != nil {
			e.recordLinkAnomaly(ctx, log, pid, id, "cascade_cancel", err, height, ts)
		}
	}

	linked := copyIDs(prev.LinkedProposals)
	for _, pid := range args.ProposalsToUnlink {
		linked = withoutID(linked, pid)
	}
	snap := nextRFPSnapshot(prev, height, ts)
	snap.EditorID = op.caller
	snap.Timeline = cancelledTimeline
	snap.LinkedProposals = linked
	if err := e.backend.InsertRFPSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindRFP)
	log.Info("rfp cancelled",
		"unlinked", len(args.ProposalsToUnlink),
		"cancelled", len(args.ProposalsToCancel))
	return nil
}
