package engine

import (
	"encoding/json"
	"log/slog"

	"devhubindexer/chain"
	"devhubindexer/codec"
)

// operation is one relevant function call lifted out of a block, args already
// decoded from base64 JSON. index preserves block-delivery order end to end;
// later stages rely on it, not on wall-clock arrival.
type operation struct {
	method    string
	caller    string
	receiptID string
	args      json.RawMessage
	index     int
	callback  bool
}

// extractOps retains function calls addressed to the tracked account whose
// method is in the mutating set, or in the callback set when the caller is
// the contract itself. An external account invoking a callback name directly
// is never trusted.
func extractOps(block *chain.Block, account string, col CollectionConfig, log *slog.Logger) []operation {
	methods := col.methodSet()
	callbacks := col.callbackSet()

	var ops []operation
	index := 0
	for _, action := range block.Actions {
		if action.ReceiverID != account {
			continue
		}
		for _, sub := range action.Operations {
			fc := sub.FunctionCall
			if fc == nil {
				continue
			}
			_, mutating := methods[fc.MethodName]
			_, callback := callbacks[fc.MethodName]
			if callback && action.PredecessorID != account {
				log.Warn("ignoring callback from external account",
					"height", block.Height,
					"method", fc.MethodName,
					"caller", action.PredecessorID,
					"receipt_id", action.ReceiptID)
				callback = false
			}
			if !mutating && !callback {
				continue
			}
			var args json.RawMessage
			if err := codec.DecodeBase64JSON(fc.ArgsBase64, &args); err != nil {
				skipMalformed(log, block.Height, "call args for "+fc.MethodName, err)
				continue
			}
			ops = append(ops, operation{
				method:    fc.MethodName,
				caller:    action.PredecessorID,
				receiptID: action.ReceiptID,
				args:      args,
				index:     index,
				callback:  callback,
			})
			index++
		}
	}
	return ops
}
