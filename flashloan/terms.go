// Package flashloan holds the constraints under which a trade may borrow its
// input instead of spending wallet funds.
package flashloan

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/michaelpento.lv/arbexec/config"
)

// Terms validates flash-loan requests against the configured provider
// limits.
type Terms struct {
	enabled   bool
	minAmount decimal.Decimal
	maxAmount decimal.Decimal
	fee       decimal.Decimal
	supported map[common.Address]struct{}
}

func NewTerms(cfg config.FlashLoanTerms) *Terms {
	supported := make(map[common.Address]struct{}, len(cfg.SupportedTokens))
	for _, token := range cfg.SupportedTokens {
		supported[token] = struct{}{}
	}
	return &Terms{
		enabled:   cfg.Enabled,
		minAmount: cfg.MinAmount,
		maxAmount: cfg.MaxAmount,
		fee:       cfg.FeePercentage,
		supported: supported,
	}
}

// Check returns an error when amount of the route's tokens cannot be
// borrowed.
func (t *Terms) Check(amount decimal.Decimal, tokens []common.Address) error {
	if !t.enabled {
		return fmt.Errorf("flash loans are disabled")
	}
	if amount.LessThan(t.minAmount) {
		return fmt.Errorf("flash loan amount %s below minimum %s", amount, t.minAmount)
	}
	if amount.GreaterThan(t.maxAmount) {
		return fmt.Errorf("flash loan amount %s above maximum %s", amount, t.maxAmount)
	}
	for _, token := range tokens {
		if _, ok := t.supported[token]; !ok {
			return fmt.Errorf("token %s not supported for flash loans", token.Hex())
		}
	}
	return nil
}

// Fee is the provider premium owed on amount.
func (t *Terms) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(t.fee)
}
