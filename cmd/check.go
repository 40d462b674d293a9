package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/arbexec/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := cfg.Risk()
		if err != nil {
			return err
		}
		return printLimits(cmd.OutOrStdout(), cfg, rc)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func printLimits(out io.Writer, c *config.Config, rc config.RiskConfig) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	gwei := decimal.NewFromBigInt(rc.MaxGasPrice, 0).Div(decimal.NewFromInt(params.GWei))
	rows := [][2]string{
		{"max_trade_size", rc.MaxTradeSize.String()},
		{"min_profit_threshold", rc.MinProfitThreshold.String()},
		{"max_slippage", rc.MaxSlippage.String()},
		{"max_gas_price_gwei", gwei.String()},
		{"max_gas_cost_ratio", rc.MaxGasCostRatio.String()},
		{"max_exposure", rc.MaxExposurePercentage.Mul(rc.CapitalBase).String()},
		{"max_concurrent_trades", fmt.Sprint(rc.MaxConcurrentTrades)},
		{"max_daily_trades", fmt.Sprint(rc.MaxDailyTrades)},
		{"mev_window", rc.MEVTimeWindow.String()},
		{"mev_levels", fmt.Sprintf("%d/%d/%d", rc.MEVRiskLevels.Low, rc.MEVRiskLevels.Medium, rc.MEVRiskLevels.High)},
		{"pair_cooldown", rc.PairCooldown.String()},
		{"receipt_timeout", rc.ReceiptTimeout.String()},
		{"flash_loans", fmt.Sprint(rc.FlashLoan.Enabled)},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\n", r[0], r[1])
	}

	names := make([]string, 0, len(c.Dexes))
	for name := range c.Dexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "dex.%s\t%s\n", name, c.Dexes[name])
	}
	return w.Flush()
}
