// Package flashbots submits signed transactions to a private bundle relay
// instead of the public mempool.
package flashbots

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	contentTypeJSON  = "application/json"
	flashbotsXHeader = "X-Flashbots-Signature"
	methodSendBundle = "eth_sendBundle"
	methodCallBundle = "eth_callBundle"

	// DefaultBlockSpan is how many consecutive blocks a bundle targets.
	DefaultBlockSpan = 3
)

// BlockSource reports the current chain head. ethclient.Client satisfies it.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Bundle is an ordered set of raw transactions for one target block.
type Bundle struct {
	Txs               []hexutil.Bytes
	BlockNumber       uint64
	RevertingTxHashes []common.Hash
}

// BundleSimulation is the relay's dry-run verdict for a bundle.
type BundleSimulation struct {
	GasUsed  uint64
	Reverted bool
	Error    string
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type Config struct {
	RelayURL  string
	BlockSpan int
	Simulate  bool
	Timeout   time.Duration
}

// Client talks JSON-RPC to a bundle relay.
type Client struct {
	httpClient *http.Client
	cfg        Config
	authSigner *ecdsa.PrivateKey
	blocks     BlockSource
	logger     *zap.Logger
	nextID     atomic.Uint64
}

// NewClient builds a relay client. authKey only identifies the searcher to
// the relay; it never holds funds.
func NewClient(cfg Config, authKey *ecdsa.PrivateKey, blocks BlockSource, logger *zap.Logger) *Client {
	if cfg.BlockSpan <= 0 {
		cfg.BlockSpan = DefaultBlockSpan
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		authSigner: authKey,
		blocks:     blocks,
		logger:     logger,
	}
}

// Broadcast wraps tx in a single-transaction bundle and submits it for the
// next BlockSpan blocks. The submission fails only if no target accepted it.
func (c *Client) Broadcast(ctx context.Context, tx *ethtypes.Transaction) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	head, err := c.blocks.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read block number: %w", err)
	}

	if c.cfg.Simulate {
		sim, err := c.SimulateBundle(ctx, &Bundle{Txs: []hexutil.Bytes{raw}, BlockNumber: head + 1}, head)
		if err != nil {
			return err
		}
		if sim.Reverted {
			return fmt.Errorf("bundle simulation reverted: %s", sim.Error)
		}
	}

	var errs []error
	accepted := 0
	for target := head + 1; target <= head+uint64(c.cfg.BlockSpan); target++ {
		bundleHash, err := c.SendBundle(ctx, &Bundle{Txs: []hexutil.Bytes{raw}, BlockNumber: target})
		if err != nil {
			errs = append(errs, fmt.Errorf("block %d: %w", target, err))
			continue
		}
		accepted++
		c.logger.Debug("Bundle accepted",
			zap.String("tx", tx.Hash().Hex()),
			zap.Uint64("target_block", target),
			zap.String("bundle", bundleHash.Hex()),
		)
	}

	if accepted == 0 {
		return fmt.Errorf("relay rejected bundle: %w", errors.Join(errs...))
	}
	return nil
}

// SendBundle submits b and returns the relay's bundle hash.
func (c *Client) SendBundle(ctx context.Context, b *Bundle) (common.Hash, error) {
	params := map[string]interface{}{
		"txs":         b.Txs,
		"blockNumber": hexutil.EncodeUint64(b.BlockNumber),
	}
	if len(b.RevertingTxHashes) > 0 {
		params["revertingTxHashes"] = b.RevertingTxHashes
	}

	var result struct {
		BundleHash common.Hash `json:"bundleHash"`
	}
	if err := c.call(ctx, methodSendBundle, params, &result); err != nil {
		return common.Hash{}, err
	}
	return result.BundleHash, nil
}

// SimulateBundle dry-runs b on top of stateBlock.
func (c *Client) SimulateBundle(ctx context.Context, b *Bundle, stateBlock uint64) (*BundleSimulation, error) {
	params := map[string]interface{}{
		"txs":              b.Txs,
		"blockNumber":      hexutil.EncodeUint64(b.BlockNumber),
		"stateBlockNumber": hexutil.EncodeUint64(stateBlock),
	}

	var result struct {
		TotalGasUsed uint64 `json:"totalGasUsed"`
		Results      []struct {
			Error  string `json:"error"`
			Revert string `json:"revert"`
		} `json:"results"`
	}
	if err := c.call(ctx, methodCallBundle, params, &result); err != nil {
		return nil, fmt.Errorf("failed to simulate bundle: %w", err)
	}

	sim := &BundleSimulation{GasUsed: result.TotalGasUsed}
	for _, r := range result.Results {
		if r.Error != "" || r.Revert != "" {
			sim.Reverted = true
			sim.Error = r.Error
			if sim.Error == "" {
				sim.Error = r.Revert
			}
			break
		}
	}
	return sim, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  []interface{}{params},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RelayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	header, err := c.signature(payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set(flashbotsXHeader, header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("relay error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// signature produces the "address:signature" relay auth header over the
// keccak hash of the body.
func (c *Client) signature(payload []byte) (string, error) {
	sig, err := crypto.Sign(
		accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(payload)))),
		c.authSigner,
	)
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return fmt.Sprintf("%s:%s",
		crypto.PubkeyToAddress(c.authSigner.PublicKey).Hex(),
		hexutil.Encode(sig),
	), nil
}
