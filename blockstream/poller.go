// Package blockstream polls the chain RPC for finalized blocks, assembles the
// per-block view the engine consumes and delivers blocks strictly in height
// order, resuming from a persisted cursor across restarts.
package blockstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"devhubindexer/chain"
	"devhubindexer/nearrpc"
)

// ChainClient is the slice of the RPC client the poller uses.
type ChainClient interface {
	Block(ctx context.Context, height uint64) (*nearrpc.BlockView, error)
	FinalBlock(ctx context.Context) (*nearrpc.BlockView, error)
	Chunk(ctx context.Context, chunkHash string) (*nearrpc.ChunkView, error)
	Changes(ctx context.Context, height uint64, accounts []string) (*nearrpc.ChangesView, error)
}

// CursorStore persists the resume position.
type CursorStore interface {
	CursorHeight(ctx context.Context, name string) (uint64, bool, error)
	SetCursorHeight(ctx context.Context, name string, height uint64) error
}

// Handler consumes one assembled block. Handlers run sequentially per block;
// a handler error stops the stream before the cursor advances, so the block
// is re-delivered after restart.
type Handler interface {
	ProcessBlock(ctx context.Context, block *chain.Block) error
}

// Config configures one poller.
type Config struct {
	// CursorName keys the persisted resume position.
	CursorName string
	// StartHeight is where indexing begins when no cursor exists yet.
	StartHeight uint64
	// Accounts are the contract accounts whose receipts and state changes
	// are retained.
	Accounts []string
	// PollInterval is the idle delay once the stream has caught up to the
	// chain head. Zero means one second.
	PollInterval time.Duration
}

// Poller drives the fetch-assemble-deliver loop.
type Poller struct {
	cfg      Config
	client   ChainClient
	cursors  CursorStore
	handlers []Handler
	log      *slog.Logger
	accounts map[string]struct{}
}

// New builds a poller delivering blocks to the given handlers in order.
func New(cfg Config, client ChainClient, cursors CursorStore, handlers []Handler, log *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	accounts := make(map[string]struct{}, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts[a] = struct{}{}
	}
	return &Poller{
		cfg:      cfg,
		client:   client,
		cursors:  cursors,
		handlers: handlers,
		log:      log.With("cursor", cfg.CursorName),
		accounts: accounts,
	}
}

// Run polls until the context is cancelled. Blocks are processed one at a
// time; the cursor advances only after every handler accepted the block.
func (p *Poller) Run(ctx context.Context) error {
	next, err := p.resumeHeight(ctx)
	if err != nil {
		return err
	}
	p.log.Info("block stream starting", "height", next)

	for {
		head, err := p.client.FinalBlock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("fetching chain head failed", "error", err)
			if err := p.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		for next <= head.Header.Height {
			if err := ctx.Err(); err != nil {
				return err
			}
			processed, err := p.processHeight(ctx, next)
			if err != nil {
				return fmt.Errorf("height %d: %w", next, err)
			}
			if processed {
				if err := p.cursors.SetCursorHeight(ctx, p.cfg.CursorName, next); err != nil {
					return fmt.Errorf("persist cursor at %d: %w", next, err)
				}
			}
			next++
		}

		if err := p.sleep(ctx); err != nil {
			return err
		}
	}
}

func (p *Poller) resumeHeight(ctx context.Context) (uint64, error) {
	height, ok, err := p.cursors.CursorHeight(ctx, p.cfg.CursorName)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		return p.cfg.StartHeight, nil
	}
	return height + 1, nil
}

// processHeight fetches and delivers one block. A false return means the
// height was skipped by the chain and there is nothing to record.
func (p *Poller) processHeight(ctx context.Context, height uint64) (bool, error) {
	block, err := p.assemble(ctx, height)
	if errors.Is(err, nearrpc.ErrUnknownBlock) {
		p.log.Debug("height skipped by chain", "height", height)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, h := range p.handlers {
		if err := h.ProcessBlock(ctx, block); err != nil {
			return false, err
		}
	}
	return true, nil
}

// assemble builds the engine's block view: header, function-call actions from
// every chunk included at this height, and the tracked accounts' raw state
// changes.
func (p *Poller) assemble(ctx context.Context, height uint64) (*chain.Block, error) {
	view, err := p.client.Block(ctx, height)
	if err != nil {
		return nil, err
	}
	block := &chain.Block{
		Height:         view.Header.Height,
		Hash:           view.Header.Hash,
		TimestampNanos: view.Header.Timestamp,
	}

	for _, ch := range view.Chunks {
		if ch.HeightIncluded != height {
			continue
		}
		chunk, err := p.client.Chunk(ctx, ch.ChunkHash)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", ch.ChunkHash, err)
		}
		for _, receipt := range chunk.Receipts {
			if _, tracked := p.accounts[receipt.ReceiverID]; !tracked {
				continue
			}
			if receipt.Receipt.Action == nil {
				continue
			}
			action := chain.Action{
				ReceiverID:    receipt.ReceiverID,
				PredecessorID: receipt.PredecessorID,
				ReceiptID:     receipt.ReceiptID,
			}
			for _, av := range receipt.Receipt.Action.Actions {
				var op chain.Operation
				if fc := av.FunctionCall; fc != nil {
					op.FunctionCall = &chain.FunctionCall{
						MethodName: fc.MethodName,
						ArgsBase64: fc.Args,
					}
				}
				action.Operations = append(action.Operations, op)
			}
			block.Actions = append(block.Actions, action)
		}
	}

	changes, err := p.client.Changes(ctx, height, p.cfg.Accounts)
	if err != nil {
		return nil, fmt.Errorf("changes: %w", err)
	}
	for _, cv := range changes.Changes {
		block.StateChanges = append(block.StateChanges, chain.StateChange{
			AccountID:   cv.Change.AccountID,
			Kind:        chain.StateChangeKind(cv.Type),
			KeyBase64:   cv.Change.KeyBase64,
			ValueBase64: cv.Change.ValueBase64,
		})
	}
	return block, nil
}

func (p *Poller) sleep(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
