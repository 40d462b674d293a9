// Package executor drives one opportunity from admission to a terminal
// on-chain outcome.
package executor

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/gas"
	"github.com/michaelpento.lv/arbexec/risk"
	"github.com/michaelpento.lv/arbexec/types"
	"github.com/michaelpento.lv/arbexec/utils/metrics"
)

// Gas limit headroom over the node's estimate (x1.2).
const (
	gasLimitNum = 6
	gasLimitDen = 5
)

// ChainSubmitter estimates, signs and broadcasts the trade transaction.
type ChainSubmitter interface {
	EstimateGas(ctx context.Context, plan *types.ExecutionPlan, gasPrice *big.Int) (uint64, error)
	SignAndSubmit(ctx context.Context, plan *types.ExecutionPlan, gasLimit uint64, gasPrice *big.Int) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// GasOracle reports the current price per gas in wei.
type GasOracle interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Planner builds the swap plan for an admitted opportunity.
type Planner interface {
	Build(opp types.TradeOpportunity) (*types.ExecutionPlan, error)
}

type Executor struct {
	cfg       config.RiskConfig
	risk      *risk.Manager
	planner   Planner
	oracle    GasOracle
	submitter ChainSubmitter
	logger    *zap.Logger
	metrics   *metrics.ExecutionMetrics
}

func NewExecutor(cfg config.RiskConfig, riskManager *risk.Manager, planner Planner, oracle GasOracle, submitter ChainSubmitter, logger *zap.Logger, m *metrics.ExecutionMetrics) *Executor {
	if m == nil {
		m = metrics.NewExecutionMetrics(metrics.Namespace, nil)
	}
	return &Executor{
		cfg:       cfg,
		risk:      riskManager,
		planner:   planner,
		oracle:    oracle,
		submitter: submitter,
		logger:    logger,
		metrics:   m,
	}
}

// Execute evaluates, plans, submits and settles opp. It never retries; every
// failure ends in a terminal result carrying the opportunity id.
func (e *Executor) Execute(ctx context.Context, opp types.TradeOpportunity) types.TradeResult {
	start := time.Now()

	reservation, err := e.risk.Evaluate(ctx, opp)
	if err != nil {
		return e.finish(types.Rejected(opp.ID, err), start)
	}

	result := e.execute(ctx, opp)
	reservation.Release(result.Outcome)
	return e.finish(result, start)
}

func (e *Executor) execute(ctx context.Context, opp types.TradeOpportunity) types.TradeResult {
	plan, err := e.planner.Build(opp)
	if err != nil {
		return types.Rejected(opp.ID, err)
	}

	gasPrice, err := e.oracle.GasPrice(ctx)
	if err != nil {
		return types.Rejected(opp.ID, types.RejectWithErr(types.KindGasPrice, err, "gas price unavailable"))
	}
	if gasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		return types.Rejected(opp.ID, types.Reject(types.KindGasPrice, "gas price %s exceeds max %s", gasPrice, e.cfg.MaxGasPrice))
	}

	if plan.ExpectedProfit.LessThan(e.cfg.MinProfitThreshold) {
		return types.Rejected(opp.ID, types.Reject(types.KindProfitability,
			"net profit %s below threshold %s after flash loan fee", plan.ExpectedProfit, e.cfg.MinProfitThreshold))
	}

	estimate, err := e.submitter.EstimateGas(ctx, plan, gasPrice)
	if err != nil {
		return types.Rejected(opp.ID, types.RejectWithErr(types.KindGasEstimation, err, "gas estimation failed"))
	}

	gasCost := gas.Cost(estimate, gasPrice)
	if !plan.ExpectedProfit.IsPositive() || gasCost.Div(plan.ExpectedProfit).GreaterThan(e.cfg.MaxGasCostRatio) {
		return types.Rejected(opp.ID, types.Reject(types.KindProfitability,
			"gas cost %s too high for expected profit %s", gasCost, plan.ExpectedProfit))
	}

	gasLimit := gas.WithLimitBuffer(estimate, gasLimitNum, gasLimitDen)

	// Once broadcast the transaction cannot be recalled, so the caller's
	// cancellation no longer applies.
	submitCtx := context.WithoutCancel(ctx)

	hash, err := e.submitter.SignAndSubmit(submitCtx, plan, gasLimit, gasPrice)
	if err != nil {
		return types.TradeResult{
			OpportunityID:   opp.ID,
			Outcome:         types.OutcomeSubmissionFailed,
			RejectionKind:   types.KindSubmission,
			RejectionReason: "submission failed",
			Err:             err,
			CompletedAt:     time.Now(),
		}
	}

	e.logger.Info("Trade submitted",
		zap.String("opportunity", opp.ID),
		zap.String("tx_hash", hash.Hex()),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("gas_price", gasPrice.String()),
	)

	receipt, err := e.submitter.WaitForReceipt(submitCtx, hash, e.cfg.ReceiptTimeout)
	if err != nil {
		// The transaction may still be mined; never report it as reverted.
		reason := "receipt timeout"
		if !errors.Is(err, types.ErrReceiptTimeout) {
			reason = "receipt status unknown"
			e.logger.Warn("Receipt wait failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		return types.TradeResult{
			OpportunityID:   opp.ID,
			Outcome:         types.OutcomeTimedOut,
			TxHash:          &hash,
			RejectionReason: reason,
			Err:             err,
			CompletedAt:     time.Now(),
		}
	}

	price := receipt.EffectiveGasPrice
	if price == nil {
		price = gasPrice
	}
	result := types.TradeResult{
		OpportunityID: opp.ID,
		TxHash:        &hash,
		GasUsed:       receipt.GasUsed,
		GasCost:       gas.Cost(receipt.GasUsed, price),
		CompletedAt:   time.Now(),
	}

	if !receipt.Succeeded() {
		result.Outcome = types.OutcomeReverted
		return result
	}

	result.Outcome = types.OutcomeConfirmed
	result.RealizedProfit = plan.ExpectedProfit
	if receipt.Profit != nil {
		result.RealizedProfit = *receipt.Profit
	}
	return result
}

func (e *Executor) finish(result types.TradeResult, start time.Time) types.TradeResult {
	e.metrics.Outcomes.WithLabelValues(result.Outcome.String()).Inc()
	e.metrics.Latency.Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("opportunity", result.OpportunityID),
		zap.String("outcome", result.Outcome.String()),
	}
	if result.TxHash != nil {
		fields = append(fields, zap.String("tx_hash", result.TxHash.Hex()))
	}

	switch result.Outcome {
	case types.OutcomeConfirmed, types.OutcomeReverted:
		e.metrics.RecordSubmission(result.Outcome == types.OutcomeConfirmed)
		e.metrics.GasUsed.Observe(float64(result.GasUsed))
		cost, _ := result.GasCost.Float64()
		e.metrics.GasCost.Add(cost)
		if result.Outcome == types.OutcomeConfirmed && result.RealizedProfit.IsPositive() {
			profit, _ := result.RealizedProfit.Float64()
			e.metrics.RealizedProfit.Add(profit)
		}
		fields = append(fields,
			zap.Uint64("gas_used", result.GasUsed),
			zap.String("gas_cost", result.GasCost.String()),
			zap.String("profit", result.RealizedProfit.String()),
		)
		e.logger.Info("Trade settled", fields...)
	case types.OutcomeTimedOut:
		e.metrics.RecordSubmission(false)
		e.logger.Warn("Trade outcome unknown, receipt not received", append(fields, zap.Error(result.Err))...)
	case types.OutcomeSubmissionFailed:
		e.logger.Error("Trade submission failed", append(fields, zap.Error(result.Err))...)
	default:
		e.logger.Debug("Opportunity not executed", append(fields,
			zap.String("kind", result.RejectionKind.String()),
			zap.String("reason", result.RejectionReason),
		)...)
	}
	return result
}
