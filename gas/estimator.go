package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client is the subset of ethclient.Client used for fee discovery.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Estimator provides gas price estimation and tracking
type Estimator struct {
	client  Client
	logger  *zap.Logger
	maxAge  time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	baseFee *big.Int
	tip     *big.Int
	updated time.Time
}

// NewEstimator creates a gas estimator. Cached prices older than maxAge are
// refreshed on read.
func NewEstimator(client Client, logger *zap.Logger, maxAge time.Duration) *Estimator {
	return &Estimator{
		client: client,
		logger: logger,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Run refreshes prices every interval until ctx is done.
func (e *Estimator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				e.logger.Error("Failed to update gas prices", zap.Error(err))
			}
		}
	}
}

// Refresh fetches the latest base fee and priority fee.
func (e *Estimator) Refresh(ctx context.Context) error {
	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get latest header: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		// pre-London chains
		baseFee = new(big.Int)
	}

	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("failed to get priority fee: %w", err)
	}

	e.mu.Lock()
	e.baseFee = new(big.Int).Set(baseFee)
	e.tip = new(big.Int).Set(tip)
	e.updated = e.now()
	e.mu.Unlock()

	return nil
}

// Fees returns the EIP-1559 fee cap and tip. The cap leaves room for the base
// fee to double before inclusion.
func (e *Estimator) Fees(ctx context.Context) (feeCap, tip *big.Int, err error) {
	e.mu.RLock()
	stale := e.baseFee == nil || e.now().Sub(e.updated) > e.maxAge
	e.mu.RUnlock()

	if stale {
		if err := e.Refresh(ctx); err != nil {
			return nil, nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	tip = new(big.Int).Set(e.tip)
	feeCap = new(big.Int).Mul(e.baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return feeCap, tip, nil
}

// GasPrice is the expected effective price per gas: base fee plus tip.
func (e *Estimator) GasPrice(ctx context.Context) (*big.Int, error) {
	feeCap, tip, err := e.Fees(ctx)
	if err != nil {
		return nil, err
	}
	// feeCap = 2*base + tip
	base := new(big.Int).Sub(feeCap, tip)
	base.Rsh(base, 1)
	return base.Add(base, tip), nil
}

var weiPerEther = decimal.NewFromBigInt(big.NewInt(params.Ether), 0)

// Cost converts gas units at price wei into whole native units.
func Cost(gasUnits uint64, price *big.Int) decimal.Decimal {
	if price == nil {
		return decimal.Zero
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), price)
	return decimal.NewFromBigInt(wei, 0).Div(weiPerEther)
}

// WithLimitBuffer scales an estimate by num/den, rounding up.
func WithLimitBuffer(estimate uint64, num, den uint64) uint64 {
	return (estimate*num + den - 1) / den
}
