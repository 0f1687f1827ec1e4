package engine

import (
	"context"
	"fmt"
	"log/slog"

	"devhubindexer/storage"
)

func (e *Engine) applyProposalOp(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	switch op.method {
	case CallbackProposalCreated:
		if !op.callback {
			log.Warn("creation callback arrived as a plain method, ignoring")
			return nil
		}
		return e.createProposal(ctx, log, op, id, height, ts)
	case MethodEditProposal, MethodEditProposalInternal:
		return e.editProposal(ctx, log, op, id, height, ts)
	case MethodEditProposalTimeline:
		var args editProposalTimelineArgs
		if err := unmarshalArgs(op.args, &args); err != nil {
			return err
		}
		return e.appendProposalTimeline(ctx, log, id, op.caller, string(args.Timeline), height, ts)
	case MethodEditProposalLinkedRFP:
		var args editProposalLinkedRFPArgs
		if err := unmarshalArgs(op.args, &args); err != nil {
			return err
		}
		return e.setProposalLinkedRFP(ctx, log, id, args.RFPID, op.caller, height, ts, true)
	default:
		log.Info("no handler for method, dump recorded only")
		return nil
	}
}

// createProposal handles the contract's self-callback after a successful
// add_proposal: the identity record and the first snapshot are created
// together, and the snapshot's linked RFP (if any) is reconciled.
func (e *Engine) createProposal(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args proposalCreatedArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	author := args.Proposal.AuthorID
	if err := e.backend.InsertProposal(ctx, &storage.Proposal{ID: id, AuthorID: author}); err != nil {
		return err
	}

	snapArgs := args.Proposal.Snapshot
	snap := &storage.ProposalSnapshot{
		ProposalID:                id,
		BlockHeight:               height,
		Ts:                        ts,
		EditorID:                  snapArgs.EditorID,
		SocialDBPostBlockHeight:   0,
		ProposalVersion:           args.Proposal.ProposalVersion,
		ProposalBodyVersion:       snapArgs.ProposalBodyVersion,
		Name:                      snapArgs.Name,
		Category:                  snapArgs.Category,
		Summary:                   snapArgs.Summary,
		Description:               snapArgs.Description,
		Labels:                    copyStrings(snapArgs.Labels),
		LinkedProposals:           copyIDs(snapArgs.LinkedProposals),
		LinkedRFP:                 copyID(snapArgs.LinkedRFP),
		RequestedSponsorshipUSD:   snapArgs.RequestedSponsorshipUSD.String(),
		RequestedSponsorshipToken: snapArgs.RequestedSponsorshipToken,
		RequestedSponsor:          snapArgs.RequestedSponsor,
		ReceiverAccount:           snapArgs.ReceiverAccount,
		Supervisor:                copyString(snapArgs.Supervisor),
		Timeline:                  string(snapArgs.Timeline),
		Views:                     1,
	}
	if err := e.backend.InsertProposalSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindProposal)
	log.Info("proposal created", "author", author)

	// No prior snapshot exists, so the old link is always none here.
	e.reconcileLinkedRFP(ctx, log, id, nil, snap.LinkedRFP, height, ts)
	return nil
}

func (e *Engine) editProposal(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args editProposalArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	prev, err := e.backend.LatestProposalSnapshotBefore(ctx, id, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("proposal %d: %w", id, ErrMissingBaseSnapshot)
	}

	// When the edit links an RFP the proposal inherits the RFP-governed
	// labels from its latest snapshot; otherwise labels come from the call.
	labels := copyStrings(args.Labels)
	if args.Body.LinkedRFP != nil {
		labels = copyStrings(prev.Labels)
	}

	snap := &storage.ProposalSnapshot{
		ProposalID:                id,
		BlockHeight:               height,
		Ts:                        ts,
		EditorID:                  op.caller,
		SocialDBPostBlockHeight:   prev.SocialDBPostBlockHeight,
		ProposalVersion:           prev.ProposalVersion,
		ProposalBodyVersion:       args.Body.ProposalBodyVersion,
		Name:                      args.Body.Name,
		Category:                  args.Body.Category,
		Summary:                   args.Body.Summary,
		Description:               args.Body.Description,
		Labels:                    labels,
		LinkedProposals:           copyIDs(args.Body.LinkedProposals),
		LinkedRFP:                 copyID(args.Body.LinkedRFP),
		RequestedSponsorshipUSD:   args.Body.RequestedSponsorshipUSD.String(),
		RequestedSponsorshipToken: args.Body.RequestedSponsorshipToken,
		RequestedSponsor:          args.Body.RequestedSponsor,
		ReceiverAccount:           args.Body.ReceiverAccount,
		Supervisor:                copyString(args.Body.Supervisor),
		Timeline:                  string(args.Body.Timeline),
		Views:                     prev.Views + 1,
	}
	if err := e.backend.InsertProposalSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindProposal)
	log.Info("proposal snapshot appended", "views", snap.Views)

	e.reconcileLinkedRFP(ctx, log, id, prev.LinkedRFP, snap.LinkedRFP, height, ts)
	return nil
}

// appendProposalTimeline appends a carry-forward snapshot with only the
// timeline replaced. Also used by the RFP cancellation cascade.
func (e *Engine) appendProposalTimeline(ctx context.Context, log *slog.Logger, id uint64, editor, timeline string, height, ts uint64) error {
	prev, err := e.backend.LatestProposalSnapshotBefore(ctx, id, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("proposal %d: %w", id, ErrMissingBaseSnapshot)
	}
	snap := nextProposalSnapshot(prev, height, ts)
	snap.EditorID = editor
	snap.Timeline = timeline
	if err := e.backend.InsertProposalSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindProposal)
	log.Info("proposal timeline updated", "proposal_id", id, "views", snap.Views)
	return nil
}

// setProposalLinkedRFP appends a carry-forward snapshot with the linked RFP
// replaced. reconcile is false on the cancellation path, where the RFP side
// is rewritten by the cancel handler itself.
func (e *Engine) setProposalLinkedRFP(ctx context.Context, log *slog.Logger, id uint64, rfpID *uint64, editor string, height, ts uint64, reconcile bool) error {
	prev, err := e.backend.LatestProposalSnapshotBefore(ctx, id, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("proposal %d: %w", id, ErrMissingBaseSnapshot)
	}
	snap := nextProposalSnapshot(prev, height, ts)
	snap.EditorID = editor
	snap.LinkedRFP = copyID(rfpID)
	if err := e.backend.InsertProposalSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindProposal)
	log.Info("proposal linked rfp updated", "proposal_id", id, "linked_rfp", formatID(rfpID))

	if reconcile {
		e.reconcileLinkedRFP(ctx, log, id, prev.LinkedRFP, rfpID, height, ts)
	}
	return nil
}

func formatID(id *uint64) any {
	if id == nil {
		return "none"
	}
	return *id
}
