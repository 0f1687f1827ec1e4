// Package chain defines the block descriptor the indexing engine consumes.
// Blocks are supplied by the stream harness (blockstream) already finalized
// and in height order; the engine never reorders or skips them.
package chain

// StateChangeKind discriminates raw state mutations attached to a block.
type StateChangeKind string

const (
	// StateChangeDataUpdate marks a contract storage slot write.
	StateChangeDataUpdate StateChangeKind = "data_update"
	// StateChangeDataDeletion marks a contract storage slot removal.
	StateChangeDataDeletion StateChangeKind = "data_deletion"
)

// Block carries everything the engine reads from one finalized block.
type Block struct {
	Height         uint64
	Hash           string
	TimestampNanos uint64
	Actions        []Action
	StateChanges   []StateChange
}

// Action groups the sub-operations executed under one receipt.
type Action struct {
	ReceiverID    string
	PredecessorID string
	ReceiptID     string
	Operations    []Operation
}

// Operation is one sub-operation of an action. Only function calls matter to
// the indexer; other variants stay nil.
type Operation struct {
	FunctionCall *FunctionCall
}

// FunctionCall describes a contract method invocation. Args remain
// base64-encoded until the extractor decodes them.
type FunctionCall struct {
	MethodName string
	ArgsBase64 string
}

// StateChange is a raw key/value mutation owned by AccountID. Key and value
// stay base64-encoded; the scanner decodes them.
type StateChange struct {
	AccountID   string
	Kind        StateChangeKind
	KeyBase64   string
	ValueBase64 string
}
