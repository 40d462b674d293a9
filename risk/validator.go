package risk

import (
	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/types"
)

// Validate runs the stateless admission checks in order and returns the
// first failure.
func Validate(opp types.TradeOpportunity, cfg config.RiskConfig) error {
	if len(opp.Path) == 0 || len(opp.Dexes) == 0 {
		return types.Reject(types.KindValidation, "invalid trade path")
	}
	if len(opp.Dexes) != len(opp.Path)-1 {
		return types.Reject(types.KindValidation, "dex count %d does not match %d hops", len(opp.Dexes), len(opp.Path)-1)
	}

	if !opp.Amount.IsPositive() {
		return types.Reject(types.KindValidation, "invalid trade amount %s", opp.Amount)
	}
	if opp.Amount.GreaterThan(cfg.MaxTradeSize) {
		return types.Reject(types.KindValidation, "trade amount %s exceeds max trade size %s", opp.Amount, cfg.MaxTradeSize)
	}

	if opp.Profit.LessThan(cfg.MinProfitThreshold) {
		return types.Reject(types.KindValidation, "profit %s below threshold %s", opp.Profit, cfg.MinProfitThreshold)
	}

	// Pool depth is optional; feeds that do not report it skip the check.
	if cfg.MinLiquidityRatio.IsPositive() && opp.Liquidity.IsPositive() {
		required := opp.Amount.Mul(cfg.MinLiquidityRatio)
		if opp.Liquidity.LessThan(required) {
			return types.Reject(types.KindValidation, "liquidity %s below required %s", opp.Liquidity, required)
		}
	}

	return nil
}
