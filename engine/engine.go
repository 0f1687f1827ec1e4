// Package engine turns one finalized block into entity, snapshot, like and
// dump rows: it scans the raw state diff, extracts the relevant function
// calls, correlates each call with the entity it touched and applies the
// per-method mutation, keeping proposal/RFP links mutually consistent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"devhubindexer/chain"
	"devhubindexer/observability/metrics"
	"devhubindexer/storage"
)

// Method names the tracked contracts expose. The configured method sets
// select which of these an instance listens for.
const (
	MethodAddPost  = "add_post"
	MethodEditPost = "edit_post"
	MethodAddLike  = "add_like"

	MethodEditProposal          = "edit_proposal"
	MethodEditProposalInternal  = "edit_proposal_internal"
	MethodEditProposalLinkedRFP = "edit_proposal_linked_rfp"
	MethodEditProposalTimeline  = "edit_proposal_timeline"
	CallbackProposalCreated     = "set_block_height_callback"

	MethodEditRFP         = "edit_rfp"
	MethodEditRFPInternal = "edit_rfp_internal"
	MethodEditRFPTimeline = "edit_rfp_timeline"
	MethodCancelRFP       = "cancel_rfp"
	CallbackRFPCreated    = "set_rfp_block_height_callback"
)

// Sentinel errors contained at the single-operation boundary.
var (
	// ErrUnresolvedEntity marks an operation with no correlated entity id.
	ErrUnresolvedEntity = errors.New("no entity resolved for operation")
	// ErrMissingBaseSnapshot marks an edit with no prior snapshot to carry
	// fields forward from.
	ErrMissingBaseSnapshot = errors.New("no base snapshot for edit")
)

const defaultConcurrency = 8

// CollectionConfig describes one tracked storage collection.
type CollectionConfig struct {
	// Prefix is the single leading byte identifying the collection's slots.
	Prefix byte
	// AuthorLenOffset and AuthorOffset locate the borsh author string inside
	// a slot value.
	AuthorLenOffset int
	AuthorOffset    int
	// Methods are the mutating method names for this collection; Callbacks
	// are internal callback names trusted only from the contract itself.
	Methods   []string
	Callbacks []string
}

func (c CollectionConfig) methodSet() map[string]struct{}   { return toSet(c.Methods) }
func (c CollectionConfig) callbackSet() map[string]struct{} { return toSet(c.Callbacks) }

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Config wires one engine to one deployed contract instance.
type Config struct {
	// Instance is the logical deployment name stamped on every row.
	Instance string
	// Account is the tracked contract account.
	Account string
	// Collections; nil means the instance does not carry that entity type.
	Posts     *CollectionConfig
	Proposals *CollectionConfig
	RFPs      *CollectionConfig
	// Concurrency bounds the number of entity queues processed in parallel.
	Concurrency int
}

// Backend is the narrow persistence surface the engine depends on.
type Backend interface {
	InsertDump(ctx context.Context, dump *storage.Dump) error

	InsertPost(ctx context.Context, post *storage.Post) error
	InsertPostSnapshot(ctx context.Context, snap *storage.PostSnapshot) error
	LatestPostSnapshotBefore(ctx context.Context, postID, ts uint64) (*storage.PostSnapshot, error)
	UpsertLike(ctx context.Context, like *storage.Like) error

	InsertProposal(ctx context.Context, proposal *storage.Proposal) error
	InsertProposalSnapshot(ctx context.Context, snap *storage.ProposalSnapshot) error
	LatestProposalSnapshotBefore(ctx context.Context, proposalID, ts uint64) (*storage.ProposalSnapshot, error)

	InsertRFP(ctx context.Context, rfp *storage.RFP) error
	InsertRFPSnapshot(ctx context.Context, snap *storage.RFPSnapshot) error
	LatestRFPSnapshotBefore(ctx context.Context, rfpID, ts uint64) (*storage.RFPSnapshot, error)

	InsertLinkAnomaly(ctx context.Context, anomaly *storage.LinkAnomaly) error
}

// Engine processes blocks for one contract instance.
type Engine struct {
	cfg     Config
	backend Backend
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.IndexerMetrics
}

// New builds an engine. The logger must not be nil.
func New(cfg Config, backend Backend, log *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		backend: backend,
		log:     log.With("instance", cfg.Instance, "account", cfg.Account),
		tracer:  otel.Tracer("devhubindexer/engine"),
		metrics: metrics.Indexer(),
	}
}

// task is one correlated operation ready to apply.
type task struct {
	kind string // storage.KindPost | KindProposal | KindRFP
	op   operation
	id   *uint64
}

// ProcessBlock runs the full pipeline for one finalized block. Operations
// targeting the same entity run sequentially in receipt order; distinct
// entities run concurrently. Individual operation failures are contained and
// logged; only context cancellation aborts the block.
func (e *Engine) ProcessBlock(ctx context.Context, block *chain.Block) error {
	ctx, span := e.tracer.Start(ctx, "engine.ProcessBlock", trace.WithAttributes(
		attribute.String("indexer.instance", e.cfg.Instance),
		attribute.Int64("block.height", int64(block.Height)),
	))
	defer span.End()
	start := time.Now()

	tasks := e.collectTasks(block)
	if len(tasks) > 0 {
		queues := buildQueues(tasks)

		g, gctx := errgroup.WithContext(ctx)
		limit := e.cfg.Concurrency
		if limit <= 0 {
			limit = defaultConcurrency
		}
		g.SetLimit(limit)
		for _, queue := range queues {
			queue := queue
			g.Go(func() error {
				for _, tk := range queue {
					if err := gctx.Err(); err != nil {
						return err
					}
					e.apply(gctx, block, tk)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("process block %d: %w", block.Height, err)
		}
	}

	e.metrics.BlockProcessed(e.cfg.Instance, block.Height, time.Since(start).Seconds())
	return nil
}

// buildQueues groups tasks by entity, each queue ordered by receipt index so
// same-entity operations always apply in block-delivery order.
func buildQueues(tasks []task) map[string][]task {
	queues := make(map[string][]task)
	for _, tk := range tasks {
		key := queueKey(tk)
		queues[key] = append(queues[key], tk)
	}
	for _, queue := range queues {
		sort.SliceStable(queue, func(i, j int) bool {
			return queue[i].op.index < queue[j].op.index
		})
	}
	return queues
}

// queueKey serializes same-entity operations; unresolved operations only
// write dumps, so each gets its own queue.
func queueKey(tk task) string {
	if tk.id == nil {
		return "receipt/" + tk.op.receiptID
	}
	return fmt.Sprintf("%s/%d", tk.kind, *tk.id)
}

func (e *Engine) collectTasks(block *chain.Block) []task {
	var tasks []task
	collections := []struct {
		kind string
		col  *CollectionConfig
	}{
		{storage.KindPost, e.cfg.Posts},
		{storage.KindProposal, e.cfg.Proposals},
		{storage.KindRFP, e.cfg.RFPs},
	}
	for _, c := range collections {
		if c.col == nil {
			continue
		}
		ops := extractOps(block, e.cfg.Account, *c.col, e.log)
		if len(ops) == 0 {
			continue
		}
		ix := scanStateDiff(block, e.cfg.Account, *c.col, e.log)
		for _, op := range ops {
			tasks = append(tasks, task{kind: c.kind, op: op, id: e.resolveEntityID(c.kind, op, ix)})
		}
	}
	return tasks
}

// resolveEntityID correlates an operation with the entity it touched.
//
// Likes carry their target id in the call args and bypass the state diff.
// Every other call is confirmed against the block's observed state changes:
// calls whose args carry an explicit id (edits, creation callbacks) are
// resolved when that id's slot was written this block; calls without one
// (post add/edit) fall back to the author-to-id map keyed by caller, last
// write wins. A nil result feeds the failed-receipt heuristic.
func (e *Engine) resolveEntityID(kind string, op operation, ix authorIndex) *uint64 {
	if op.method == MethodAddLike {
		var args addLikeArgs
		if err := unmarshalArgs(op.args, &args); err != nil || args.PostID == nil {
			return nil
		}
		return copyID(args.PostID)
	}
	if id := argsEntityID(kind, op); id != nil {
		if ix.sawID(*id) {
			return id
		}
		return nil
	}
	if id, ok := ix.idForAuthor(op.caller); ok {
		return &id
	}
	return nil
}

// argsEntityID extracts the explicit entity id a call carries, when it does.
func argsEntityID(kind string, op operation) *uint64 {
	switch {
	case op.method == CallbackProposalCreated:
		var args proposalCreatedArgs
		if err := unmarshalArgs(op.args, &args); err != nil {
			return nil
		}
		return copyID(args.Proposal.ID)
	case op.method == CallbackRFPCreated:
		var args rfpCreatedArgs
		if err := unmarshalArgs(op.args, &args); err != nil {
			return nil
		}
		return copyID(args.RFP.ID)
	case kind == storage.KindProposal || kind == storage.KindRFP:
		var args struct {
			ID *uint64 `json:"id"`
		}
		if err := unmarshalArgs(op.args, &args); err != nil {
			return nil
		}
		return copyID(args.ID)
	}
	return nil
}

// receiptLikelyFailed is the single site of the failed-receipt heuristic: the
// chain does not report call outcomes to this layer, so a call that produced
// no observable state change is treated as failed. Replace this check if a
// future chain API exposes true receipt outcomes.
func receiptLikelyFailed(entityID *uint64) bool {
	return entityID == nil
}

// apply runs one correlated operation. The dump row is written first so every
// observed call leaves durable evidence even when processing is skipped.
func (e *Engine) apply(ctx context.Context, block *chain.Block, tk task) {
	log := e.log.With(
		"method", tk.op.method,
		"receipt_id", tk.op.receiptID,
		"height", block.Height,
		"caller", tk.op.caller,
	)

	dump := &storage.Dump{
		ReceiptID:      tk.op.receiptID,
		EntityKind:     tk.kind,
		MethodName:     tk.op.method,
		BlockHeight:    block.Height,
		BlockTimestamp: block.TimestampNanos,
		Args:           string(tk.op.args),
		Caller:         tk.op.caller,
		EntityID:       copyID(tk.id),
	}
	if err := e.backend.InsertDump(ctx, dump); err != nil {
		log.Error("dump write failed, abandoning operation", "error", err)
		e.metrics.OpFailed(e.cfg.Instance, "backend")
		return
	}

	if receiptLikelyFailed(tk.id) {
		log.Warn("call produced no state change, treating receipt as failed")
		e.metrics.OpFailed(e.cfg.Instance, "unresolved")
		return
	}
	id := *tk.id
	log = log.With("entity_id", id)

	var err error
	switch tk.kind {
	case storage.KindPost:
		err = e.applyPostOp(ctx, log, tk.op, id, block.Height, block.TimestampNanos)
	case storage.KindProposal:
		err = e.applyProposalOp(ctx, log, tk.op, id, block.Height, block.TimestampNanos)
	case storage.KindRFP:
		err = e.applyRFPOp(ctx, log, tk.op, id, block.Height, block.TimestampNanos)
	}
	if err != nil {
		log.Error("operation abandoned", "reason", failureReason(err), "error", err)
		e.metrics.OpFailed(e.cfg.Instance, failureReason(err))
		return
	}
	e.metrics.OpIndexed(e.cfg.Instance, tk.op.method)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrDuplicateCreation):
		return "duplicate_creation"
	case errors.Is(err, ErrMissingBaseSnapshot):
		return "missing_base_snapshot"
	case errors.Is(err, errMalformedArgs):
		return "malformed"
	default:
		return "backend"
	}
}

var errMalformedArgs = errors.New("malformed call args")

func unmarshalArgs(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedArgs, err)
	}
	return nil
}
