// Package chain builds, signs and broadcasts the atomic trade transaction
// and follows it to a receipt.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/types"
	"github.com/michaelpento.lv/arbexec/utils"
)

// Backend is the subset of ethclient.Client the submitter needs.
type Backend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Broadcaster hands a signed transaction to the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *ethtypes.Transaction) error
}

// TxSender is satisfied by ethclient.Client.
type TxSender interface {
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// PublicBroadcaster sends through the node's public mempool.
type PublicBroadcaster struct {
	sender TxSender
}

func NewPublicBroadcaster(sender TxSender) *PublicBroadcaster {
	return &PublicBroadcaster{sender: sender}
}

func (b *PublicBroadcaster) Broadcast(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := b.sender.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}

type SubmitterConfig struct {
	ChainID      *big.Int
	Routers      map[string]common.Address
	PollInterval time.Duration
	Breaker      utils.BreakerConfig
	BreakerState *prometheus.GaugeVec // optional
}

type Submitter struct {
	cfg         SubmitterConfig
	backend     Backend
	broadcaster Broadcaster
	signer      Signer
	contract    *Contract
	logger      *zap.Logger

	estimateCB *gobreaker.CircuitBreaker[uint64]
	receiptCB  *gobreaker.CircuitBreaker[*ethtypes.Receipt]

	// serializes nonce assignment and broadcast
	sendMu sync.Mutex
}

func NewSubmitter(cfg SubmitterConfig, backend Backend, broadcaster Broadcaster, signer Signer, contract *Contract, logger *zap.Logger) *Submitter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	routers := make(map[string]common.Address, len(cfg.Routers))
	for name, addr := range cfg.Routers {
		routers[config.NormalizeDex(name)] = addr
	}
	cfg.Routers = routers

	estimateCfg, receiptCfg := cfg.Breaker, cfg.Breaker
	estimateCfg.Name = "estimate_gas"
	receiptCfg.Name = "receipts"

	return &Submitter{
		cfg:         cfg,
		backend:     backend,
		broadcaster: broadcaster,
		signer:      signer,
		contract:    contract,
		logger:      logger,
		estimateCB:  utils.NewBreaker[uint64](estimateCfg, logger, cfg.BreakerState),
		receiptCB:   utils.NewBreaker[*ethtypes.Receipt](receiptCfg, logger, cfg.BreakerState),
	}
}

// calldata encodes plan as an executeArbitrage call.
func (s *Submitter) calldata(plan *types.ExecutionPlan) ([]byte, error) {
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan %s has no steps", plan.OpportunityID)
	}

	call := ExecuteCall{
		Path:         make([]common.Address, 0, len(plan.Steps)+1),
		Routers:      make([]common.Address, 0, len(plan.Steps)),
		MinOutputs:   make([]*big.Int, 0, len(plan.Steps)),
		UseFlashLoan: plan.UsesFlashLoan,
	}

	first := plan.Steps[0]
	call.Path = append(call.Path, first.TokenIn)
	call.AmountIn = s.contract.ToBaseUnits(first.TokenIn, first.AmountIn)

	for _, step := range plan.Steps {
		router, ok := s.cfg.Routers[config.NormalizeDex(step.Dex)]
		if !ok {
			return nil, fmt.Errorf("no router configured for dex %q", step.Dex)
		}
		call.Path = append(call.Path, step.TokenOut)
		call.Routers = append(call.Routers, router)
		call.MinOutputs = append(call.MinOutputs, s.contract.ToBaseUnits(step.TokenOut, step.MinOutput))
	}

	return s.contract.PackExecute(call)
}

// EstimateGas asks the node how much gas the trade needs. Failures are
// returned as-is and never retried.
func (s *Submitter) EstimateGas(ctx context.Context, plan *types.ExecutionPlan, gasPrice *big.Int) (uint64, error) {
	data, err := s.calldata(plan)
	if err != nil {
		return 0, err
	}

	to := s.contract.Address()
	msg := ethereum.CallMsg{
		From:      s.signer.Address(),
		To:        &to,
		GasFeeCap: gasPrice,
		Data:      data,
	}

	estimate, err := s.estimateCB.Execute(func() (uint64, error) {
		return s.backend.EstimateGas(ctx, msg)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return estimate, nil
}

// SignAndSubmit signs the trade as an EIP-1559 transaction whose fee cap is
// gasPrice and broadcasts it.
func (s *Submitter) SignAndSubmit(ctx context.Context, plan *types.ExecutionPlan, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	data, err := s.calldata(plan)
	if err != nil {
		return common.Hash{}, err
	}

	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get priority fee: %w", err)
	}
	if tip.Cmp(gasPrice) > 0 {
		tip = new(big.Int).Set(gasPrice)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	to := s.contract.Address()
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Set(gasPrice),
		Gas:       gasLimit,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})

	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := s.broadcaster.Broadcast(ctx, signed); err != nil {
		return common.Hash{}, err
	}

	s.logger.Debug("Broadcast trade transaction",
		zap.String("opportunity", plan.OpportunityID),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
	)
	return signed.Hash(), nil
}

// WaitForReceipt polls for the receipt of hash. It returns an error wrapping
// types.ErrReceiptTimeout when none arrives within timeout.
func (s *Submitter) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.receiptCB.Execute(func() (*ethtypes.Receipt, error) {
			return s.backend.TransactionReceipt(ctx, hash)
		})
		switch {
		case err == nil:
			return s.convert(receipt)
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
		default:
			s.logger.Warn("Receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s after %s", types.ErrReceiptTimeout, hash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

func (s *Submitter) convert(r *ethtypes.Receipt) (*types.Receipt, error) {
	out := &types.Receipt{
		TxHash:            r.TxHash,
		Status:            r.Status,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		BlockNumber:       r.BlockNumber,
		Logs:              r.Logs,
	}
	if r.Status != ethtypes.ReceiptStatusSuccessful {
		return out, nil
	}

	profit, err := s.contract.ProfitFromLogs(r.Logs)
	if err != nil {
		// the trade is mined either way; fall back to the planned profit
		s.logger.Warn("Failed to decode profit event", zap.String("tx_hash", r.TxHash.Hex()), zap.Error(err))
		return out, nil
	}
	out.Profit = profit
	return out, nil
}
