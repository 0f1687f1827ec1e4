package engine

import (
	"errors"
	"log/slog"

	"devhubindexer/chain"
	"devhubindexer/codec"
)

// authorIndex is the per-block correlation state for one collection: which
// storage slots were written, and by which author. It is built once per block
// from the raw state diff and passed down by parameter; nothing survives the
// block.
type authorIndex struct {
	// byAuthor maps the decoded author string to the collection index of the
	// last mutation carrying it, in block order: a later mutation to the same
	// author supersedes an earlier one (added then immediately edited).
	byAuthor map[string]uint64
	// ids holds every collection index touched this block, used to confirm
	// ids carried in call arguments against observed state changes.
	ids map[uint64]struct{}
}

func (ix authorIndex) empty() bool {
	return len(ix.ids) == 0
}

func (ix authorIndex) idForAuthor(author string) (uint64, bool) {
	id, ok := ix.byAuthor[author]
	return id, ok
}

func (ix authorIndex) sawID(id uint64) bool {
	_, ok := ix.ids[id]
	return ok
}

// scanStateDiff filters a block's raw mutations down to value updates on the
// tracked account whose key starts with the collection prefix tag, and
// decodes each into an (author, collection index) pair.
//
// Key layout: 1 prefix byte, then the u64 little-endian vector index.
// Value layout: a borsh enum wrapper around the entity record; the author
// account string sits at the collection's configured offsets.
//
// Malformed records are skipped, not fatal: unrelated records can share a
// prefix byte.
func scanStateDiff(block *chain.Block, account string, col CollectionConfig, log *slog.Logger) authorIndex {
	ix := authorIndex{byAuthor: make(map[string]uint64), ids: make(map[uint64]struct{})}
	for _, sc := range block.StateChanges {
		if sc.AccountID != account || sc.Kind != chain.StateChangeDataUpdate {
			continue
		}
		key, err := codec.DecodeBase64(sc.KeyBase64)
		if err != nil || len(key) == 0 || key[0] != col.Prefix {
			continue
		}
		id, err := codec.Uint64LE(key, 1)
		if err != nil {
			skipMalformed(log, block.Height, "state key", err)
			continue
		}
		value, err := codec.DecodeBase64(sc.ValueBase64)
		if err != nil {
			skipMalformed(log, block.Height, "state value", err)
			continue
		}
		author, err := codec.StringAt(value, col.AuthorLenOffset, col.AuthorOffset)
		if err != nil {
			skipMalformed(log, block.Height, "author string", err)
			continue
		}
		// Last write wins for colliding author tokens; deterministic because
		// mutations are visited in block order.
		ix.byAuthor[author] = id
		ix.ids[id] = struct{}{}
	}
	return ix
}

func skipMalformed(log *slog.Logger, height uint64, what string, err error) {
	if !errors.Is(err, codec.ErrMalformedEncoding) {
		log.Warn("unexpected decode failure", "height", height, "what", what, "error", err)
		return
	}
	log.Debug("skipping record with unexpected shape", "height", height, "what", what, "error", err)
}
