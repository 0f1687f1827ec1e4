package engine

import (
	"context"
	"fmt"
	"log/slog"

	"devhubindexer/storage"
)

func (e *Engine) applyPostOp(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	switch op.method {
	case MethodAddLike:
		return e.addLike(ctx, log, op, id, ts)
	case MethodAddPost:
		return e.addPost(ctx, log, op, id, height, ts)
	case MethodEditPost:
		return e.editPost(ctx, log, op, id, height, ts)
	default:
		log.Info("no handler for method, dump recorded only")
		return nil
	}
}

func (e *Engine) addLike(ctx context.Context, log *slog.Logger, op operation, id, ts uint64) error {
	if err := e.backend.UpsertLike(ctx, &storage.Like{PostID: id, AuthorID: op.caller, Ts: ts}); err != nil {
		return err
	}
	log.Info("like recorded")
	return nil
}

func (e *Engine) addPost(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args postArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	if err := e.backend.InsertPost(ctx, &storage.Post{ID: id, ParentID: args.ParentID, AuthorID: op.caller}); err != nil {
		return err
	}
	snap := postSnapshotFromArgs(args, id, op.caller, height, ts)
	snap.Views = 1
	if err := e.backend.InsertPostSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindPost)
	log.Info("post created")
	return nil
}

func (e *Engine) editPost(ctx context.Context, log *slog.Logger, op operation, id, height, ts uint64) error {
	var args postArgs
	if err := unmarshalArgs(op.args, &args); err != nil {
		return err
	}
	prev, err := e.backend.LatestPostSnapshotBefore(ctx, id, ts)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("post %d: %w", id, ErrMissingBaseSnapshot)
	}
	snap := postSnapshotFromArgs(args, id, op.caller, height, ts)
	snap.Views = prev.Views + 1
	if err := e.backend.InsertPostSnapshot(ctx, snap); err != nil {
		return err
	}
	e.metrics.SnapshotAppended(e.cfg.Instance, storage.KindPost)
	log.Info("post snapshot appended", "views", snap.Views)
	return nil
}

// postSnapshotFromArgs builds a snapshot entirely from call args; post edits
// re-send every field, so there is no carry-forward here.
func postSnapshotFromArgs(args postArgs, id uint64, editor string, height, ts uint64) *storage.PostSnapshot {
	return &storage.PostSnapshot{
		PostID:                id,
		BlockHeight:           height,
		Ts:                    ts,
		EditorID:              editor,
		Labels:                copyStrings(args.Labels),
		PostType:              args.Body.PostType,
		Name:                  args.Body.Name,
		Description:           args.Body.Description,
		SponsorshipToken:      string(args.Body.SponsorshipToken),
		SponsorshipAmount:     args.Body.Amount.String(),
		SponsorshipSupervisor: args.Body.Supervisor,
	}
}
