package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Step is a single swap inside an execution plan.
type Step struct {
	TokenIn   common.Address
	TokenOut  common.Address
	Dex       string
	AmountIn  decimal.Decimal
	MinOutput decimal.Decimal
}

// ExecutionPlan is the ordered list of swaps submitted as one transaction.
type ExecutionPlan struct {
	OpportunityID    string
	Steps            []Step
	AmountIn         decimal.Decimal
	GrossProfit      decimal.Decimal
	FlashLoanFee     decimal.Decimal
	ExpectedProfit   decimal.Decimal
	UsesFlashLoan    bool
	TotalGasEstimate uint64
	Tokens           []common.Address
	Dexes            []string
}

// FinalOutput is the minimum amount the last step must return.
func (p *ExecutionPlan) FinalOutput() decimal.Decimal {
	if len(p.Steps) == 0 {
		return decimal.Zero
	}
	return p.Steps[len(p.Steps)-1].MinOutput
}
