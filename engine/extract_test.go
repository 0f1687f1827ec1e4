package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"devhubindexer/chain"
)

func callAction(receiver, predecessor, receiptID, method string, args any) chain.Action {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return chain.Action{
		ReceiverID:    receiver,
		PredecessorID: predecessor,
		ReceiptID:     receiptID,
		Operations: []chain.Operation{{
			FunctionCall: &chain.FunctionCall{
				MethodName: method,
				ArgsBase64: b64(raw),
			},
		}},
	}
}

func TestExtractOpsFiltersAndOrders(t *testing.T) {
	col := proposalsCollection()
	block := &chain.Block{
		Height: 100,
		Actions: []chain.Action{
			// Addressed elsewhere.
			callAction("social.near", "alice.near", "r0", MethodEditProposal, map[string]any{"id": 1}),
			// Untracked method.
			callAction(testAccount, "alice.near", "r1", "get_proposal", map[string]any{"id": 1}),
			callAction(testAccount, "alice.near", "r2", MethodEditProposal, map[string]any{"id": 1}),
			callAction(testAccount, "bob.near", "r3", MethodEditProposalTimeline, map[string]any{"id": 2}),
		},
	}

	ops := extractOps(block, testAccount, col, discardLogger())
	require.Len(t, ops, 2)

	require.Equal(t, MethodEditProposal, ops[0].method)
	require.Equal(t, "alice.near", ops[0].caller)
	require.Equal(t, "r2", ops[0].receiptID)
	require.Equal(t, 0, ops[0].index)
	require.False(t, ops[0].callback)

	require.Equal(t, MethodEditProposalTimeline, ops[1].method)
	require.Equal(t, "bob.near", ops[1].caller)
	require.Equal(t, 1, ops[1].index)
}

func TestExtractOpsCallbackTrust(t *testing.T) {
	col := proposalsCollection()
	args := map[string]any{"proposal": map[string]any{"id": 5}}
	block := &chain.Block{
		Height: 100,
		Actions: []chain.Action{
			// A callback name invoked by an external account is never trusted.
			callAction(testAccount, "mallory.near", "r0", CallbackProposalCreated, args),
			// The contract calling itself is.
			callAction(testAccount, testAccount, "r1", CallbackProposalCreated, args),
		},
	}

	ops := extractOps(block, testAccount, col, discardLogger())
	require.Len(t, ops, 1)
	require.Equal(t, "r1", ops[0].receiptID)
	require.True(t, ops[0].callback)
}

func TestExtractOpsSkipsMalformedArgs(t *testing.T) {
	col := proposalsCollection()
	bad := callAction(testAccount, "alice.near", "r0", MethodEditProposal, nil)
	bad.Operations[0].FunctionCall.ArgsBase64 = "%%% not base64 %%%"
	block := &chain.Block{
		Height: 100,
		Actions: []chain.Action{
			bad,
			callAction(testAccount, "alice.near", "r1", MethodEditProposal, map[string]any{"id": 1}),
		},
	}

	ops := extractOps(block, testAccount, col, discardLogger())
	require.Len(t, ops, 1)
	require.Equal(t, "r1", ops[0].receiptID)
}

func TestExtractOpsIgnoresNonFunctionCalls(t *testing.T) {
	col := proposalsCollection()
	block := &chain.Block{
		Height: 100,
		Actions: []chain.Action{{
			ReceiverID:    testAccount,
			PredecessorID: "alice.near",
			ReceiptID:     "r0",
			Operations:    []chain.Operation{{}},
		}},
	}

	require.Empty(t, extractOps(block, testAccount, col, discardLogger()))
}
