package nearrpc

import "encoding/json"

// BlockView mirrors the node's block response, trimmed to the fields the
// indexer reads.
type BlockView struct {
	Header BlockHeaderView `json:"header"`
	Chunks []ChunkHeader   `json:"chunks"`
}

type BlockHeaderView struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	Timestamp uint64 `json:"timestamp"`
}

type ChunkHeader struct {
	ChunkHash string `json:"chunk_hash"`
	// HeightIncluded distinguishes fresh chunks from ones carried forward
	// from an earlier block.
	HeightIncluded uint64 `json:"height_included"`
}

// ChunkView carries the receipts executed in one chunk.
type ChunkView struct {
	Receipts []ReceiptView `json:"receipts"`
}

type ReceiptView struct {
	PredecessorID string      `json:"predecessor_id"`
	ReceiverID    string      `json:"receiver_id"`
	ReceiptID     string      `json:"receipt_id"`
	Receipt       ReceiptBody `json:"receipt"`
}

type ReceiptBody struct {
	Action *ActionReceipt `json:"Action"`
}

type ActionReceipt struct {
	Actions []ActionView `json:"actions"`
}

// ActionView is one action variant. Only function calls are populated; every
// other variant decodes to a nil FunctionCall.
type ActionView struct {
	FunctionCall *FunctionCallAction `json:"FunctionCall"`
}

func (a *ActionView) UnmarshalJSON(data []byte) error {
	// Non-call variants arrive as the bare string "CreateAccount" etc.
	if len(data) > 0 && data[0] == '"' {
		return nil
	}
	type alias ActionView
	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*a = ActionView(v)
	return nil
}

type FunctionCallAction struct {
	MethodName string `json:"method_name"`
	Args       string `json:"args"`
	Gas        uint64 `json:"gas"`
	Deposit    string `json:"deposit"`
}

// ChangesView mirrors the EXPERIMENTAL_changes response.
type ChangesView struct {
	BlockHash string       `json:"block_hash"`
	Changes   []ChangeView `json:"changes"`
}

type ChangeView struct {
	Type   string     `json:"type"`
	Change ChangeBody `json:"change"`
}

type ChangeBody struct {
	AccountID   string `json:"account_id"`
	KeyBase64   string `json:"key_base64"`
	ValueBase64 string `json:"value_base64"`
}
