// Package feed turns externally discovered opportunities into
// types.TradeOpportunity values.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/types"
)

// Feed streams opportunities until ctx is done or the source is exhausted.
// Malformed records are reported on the error channel and skipped; both
// channels are closed when the feed stops.
type Feed interface {
	Opportunities(ctx context.Context) (<-chan types.TradeOpportunity, <-chan error)
}

// Record is the wire form of an opportunity shared by every source.
type Record struct {
	ID           string          `json:"id,omitempty"`
	Path         []string        `json:"path"`
	Dexes        []string        `json:"dexes"`
	Amount       decimal.Decimal `json:"amount"`
	Profit       decimal.Decimal `json:"profit"`
	FlashLoan    bool            `json:"flash_loan"`
	Liquidity    decimal.Decimal `json:"liquidity,omitempty"`
	DiscoveredAt *time.Time      `json:"discovered_at,omitempty"`
}

// Opportunity validates the record and converts it.
func (r Record) Opportunity() (types.TradeOpportunity, error) {
	path := make([]common.Address, 0, len(r.Path))
	for _, raw := range r.Path {
		if !common.IsHexAddress(raw) {
			return types.TradeOpportunity{}, fmt.Errorf("invalid token address %q", raw)
		}
		path = append(path, common.HexToAddress(raw))
	}

	dexes := make([]string, len(r.Dexes))
	for i, d := range r.Dexes {
		dexes[i] = config.NormalizeDex(d)
	}

	opp, err := types.NewTradeOpportunity(r.ID, path, dexes, r.Amount, r.Profit, r.FlashLoan)
	if err != nil {
		return types.TradeOpportunity{}, err
	}
	opp.Liquidity = r.Liquidity
	if r.DiscoveredAt != nil {
		opp.DiscoveredAt = *r.DiscoveredAt
	}
	return opp, nil
}

// Decode parses one JSON record.
func Decode(data []byte) (types.TradeOpportunity, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return types.TradeOpportunity{}, fmt.Errorf("failed to decode opportunity: %w", err)
	}
	return r.Opportunity()
}

func sendErr(ctx context.Context, errs chan<- error, err error) {
	select {
	case errs <- err:
	case <-ctx.Done():
	}
}
