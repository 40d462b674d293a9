package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeOpportunity is a detected cyclic arbitrage as handed over by the
// discovery layer. Amount and Profit are expressed in whole units of the
// chain's native asset.
type TradeOpportunity struct {
	ID           string
	Path         []common.Address
	Dexes        []string
	Amount       decimal.Decimal
	Profit       decimal.Decimal
	FlashLoan    bool
	Liquidity    decimal.Decimal // zero when the feed does not report pool depth
	DiscoveredAt time.Time
}

// NewTradeOpportunity builds an opportunity and rejects records that can
// never be executed. An empty id is replaced with a random one.
func NewTradeOpportunity(id string, path []common.Address, dexes []string, amount, profit decimal.Decimal, flashLoan bool) (TradeOpportunity, error) {
	if len(path) < 2 {
		return TradeOpportunity{}, fmt.Errorf("path must contain at least two tokens, got %d", len(path))
	}
	if len(dexes) != len(path)-1 {
		return TradeOpportunity{}, fmt.Errorf("expected %d dexes for a %d token path, got %d", len(path)-1, len(path), len(dexes))
	}
	if !amount.IsPositive() {
		return TradeOpportunity{}, fmt.Errorf("amount must be positive, got %s", amount)
	}
	if id == "" {
		id = uuid.NewString()
	}

	return TradeOpportunity{
		ID:           id,
		Path:         append([]common.Address(nil), path...),
		Dexes:        append([]string(nil), dexes...),
		Amount:       amount,
		Profit:       profit,
		FlashLoan:    flashLoan,
		DiscoveredAt: time.Now(),
	}, nil
}

// Hops returns the number of swaps the opportunity needs.
func (o TradeOpportunity) Hops() int {
	if len(o.Path) == 0 {
		return 0
	}
	return len(o.Path) - 1
}

// PendingTx is the subset of a mempool transaction needed for similarity
// scoring.
type PendingTx struct {
	Hash     common.Hash
	To       *common.Address
	Value    *big.Int
	GasPrice *big.Int
}
