// Package nearrpc is a thin JSON-RPC client for the subset of the NEAR node
// API the indexer consumes: block headers, chunk receipts, raw account state
// changes and read-only view calls.
package nearrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrUnknownBlock is returned when the node has no block at the requested
// height. Heights are routinely skipped on NEAR; callers advance past them.
var ErrUnknownBlock = errors.New("no block at requested height")

// Client wraps one NEAR JSON-RPC endpoint. All calls pass through a shared
// rate limiter so a catching-up poller cannot hammer a public node.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config represents the client configuration.
type Config struct {
	// URL is the JSON-RPC endpoint, e.g. https://rpc.mainnet.near.org.
	URL string
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls; zero means 10.
	RequestsPerSecond float64
	// Burst is the limiter burst size; zero means 1.
	Burst int
}

// NewClient constructs a JSON-RPC client targeting the supplied endpoint.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		url:        strings.TrimSpace(cfg.URL),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Cause   struct {
		Name string `json:"name"`
	} `json:"cause"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// unknownBlock reports whether the node error means the height was skipped.
func (e *rpcError) unknownBlock() bool {
	if e.Cause.Name == "UNKNOWN_BLOCK" {
		return true
	}
	return strings.Contains(string(e.Data), "UNKNOWN_BLOCK") ||
		strings.Contains(string(e.Data), "DB Not Found")
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("nearrpc: client not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	reqBody := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("nearrpc: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.unknownBlock() {
			return ErrUnknownBlock
		}
		return fmt.Errorf("nearrpc: %s error %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("nearrpc: %s unexpected status %d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("nearrpc: %s empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// Block fetches the block at the given height.
func (c *Client) Block(ctx context.Context, height uint64) (*BlockView, error) {
	var out BlockView
	if err := c.call(ctx, "block", map[string]any{"block_id": height}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FinalBlock fetches the latest finalized block.
func (c *Client) FinalBlock(ctx context.Context) (*BlockView, error) {
	var out BlockView
	if err := c.call(ctx, "block", map[string]any{"finality": "final"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chunk fetches one chunk by hash.
func (c *Client) Chunk(ctx context.Context, chunkHash string) (*ChunkView, error) {
	var out ChunkView
	if err := c.call(ctx, "chunk", map[string]any{"chunk_id": chunkHash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Changes fetches the raw data changes the listed accounts made in the block.
func (c *Client) Changes(ctx context.Context, height uint64, accounts []string) (*ChangesView, error) {
	params := map[string]any{
		"changes_type":      "data_changes",
		"account_ids":       accounts,
		"key_prefix_base64": "",
		"block_id":          height,
	}
	var out ChangesView
	if err := c.call(ctx, "EXPERIMENTAL_changes", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ViewFunction performs a read-only contract call and decodes the byte-array
// result into out.
func (c *Client) ViewFunction(ctx context.Context, account, method string, args any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	params := map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   account,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(raw),
	}
	var result struct {
		Result []byte `json:"result"`
	}
	if err := c.call(ctx, "query", params, &result); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result.Result, out); err != nil {
		return fmt.Errorf("nearrpc: decode %s.%s result: %w", account, method, err)
	}
	return nil
}
