// Package plan turns an admitted opportunity into the ordered swaps of one
// atomic transaction.
package plan

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/flashloan"
	"github.com/michaelpento.lv/arbexec/types"
)

const (
	baseGas          = uint64(21000)
	gasPerHop        = uint64(152000)
	flashLoanGasCost = uint64(120000)
)

type Builder struct {
	cfg     config.RiskConfig
	terms   *flashloan.Terms
	routers map[string]common.Address
	logger  *zap.Logger
}

type Option func(*Builder)

// WithRouters restricts plans to dexes with a known router. Keys must be
// normalized with config.NormalizeDex.
func WithRouters(routers map[string]common.Address) Option {
	return func(b *Builder) { b.routers = routers }
}

func NewBuilder(cfg config.RiskConfig, logger *zap.Logger, opts ...Option) *Builder {
	b := &Builder{
		cfg:    cfg,
		terms:  flashloan.NewTerms(cfg.FlashLoan),
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns one step per hop. Each step spends the previous step's
// minimum output and demands at least input*(1-max_slippage) back.
func (b *Builder) Build(opp types.TradeOpportunity) (*types.ExecutionPlan, error) {
	if len(opp.Path) < 2 || len(opp.Dexes) != len(opp.Path)-1 {
		return nil, types.Reject(types.KindPlanBuild, "malformed path: %d tokens, %d dexes", len(opp.Path), len(opp.Dexes))
	}

	dexes := make([]string, len(opp.Dexes))
	for i, name := range opp.Dexes {
		dexes[i] = config.NormalizeDex(name)
		if b.routers == nil {
			continue
		}
		if _, ok := b.routers[dexes[i]]; !ok {
			return nil, types.Reject(types.KindPlanBuild, "no router configured for dex %q", dexes[i])
		}
	}

	keep := decimal.NewFromInt(1).Sub(b.cfg.MaxSlippage)
	steps := make([]types.Step, 0, len(dexes))
	input := opp.Amount
	for i, dex := range dexes {
		minOut := input.Mul(keep)
		steps = append(steps, types.Step{
			TokenIn:   opp.Path[i],
			TokenOut:  opp.Path[i+1],
			Dex:       dex,
			AmountIn:  input,
			MinOutput: minOut,
		})
		input = minOut
	}

	p := &types.ExecutionPlan{
		OpportunityID:    opp.ID,
		Steps:            steps,
		AmountIn:         opp.Amount,
		GrossProfit:      opp.Profit,
		FlashLoanFee:     decimal.Zero,
		ExpectedProfit:   opp.Profit,
		TotalGasEstimate: baseGas + gasPerHop*uint64(len(steps)),
		Tokens:           uniqueTokens(opp.Path),
		Dexes:            dexes,
	}

	if opp.FlashLoan {
		if err := b.terms.Check(opp.Amount, p.Tokens); err != nil {
			return nil, types.RejectWithErr(types.KindPlanBuild, err, "flash loan terms not met")
		}
		p.UsesFlashLoan = true
		p.FlashLoanFee = b.terms.Fee(opp.Amount)
		p.ExpectedProfit = opp.Profit.Sub(p.FlashLoanFee)
		p.TotalGasEstimate += flashLoanGasCost
	}

	b.logger.Debug("Built execution plan",
		zap.String("opportunity", opp.ID),
		zap.Int("steps", len(steps)),
		zap.Bool("flash_loan", p.UsesFlashLoan),
		zap.String("expected_profit", p.ExpectedProfit.String()),
	)
	return p, nil
}

func uniqueTokens(path []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(path))
	out := make([]common.Address, 0, len(path))
	for _, token := range path {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}
