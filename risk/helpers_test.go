package risk

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/types"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	tokenC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	tokenD = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxTradeSize:           decimal.NewFromInt(10),
		MinProfitThreshold:     decimal.RequireFromString("0.001"),
		MaxSlippage:            decimal.RequireFromString("0.005"),
		MaxGasPrice:            new(big.Int).Mul(big.NewInt(300), big.NewInt(params.GWei)),
		MaxExposurePercentage:  decimal.RequireFromString("0.2"),
		CapitalBase:            decimal.NewFromInt(100),
		MaxGasCostRatio:        decimal.RequireFromString("0.1"),
		MaxConcurrentTrades:    2,
		MaxDailyTrades:         100,
		MEVTimeWindow:          60 * time.Second,
		MEVSimilarityThreshold: 0.7,
		MEVRiskLevels:          config.MEVRiskLevels{Low: 5, Medium: 10, High: 20},
		ReceiptTimeout:         time.Minute,
	}
}

func testOpportunity() types.TradeOpportunity {
	return types.TradeOpportunity{
		ID:     "opp-1",
		Path:   []common.Address{tokenA, tokenB, tokenC},
		Dexes:  []string{"dexA", "dexB"},
		Amount: decimal.NewFromInt(1),
		Profit: decimal.RequireFromString("0.002"),
	}
}

// mockObserver serves a fixed pending pool. When barrier is set every
// PendingTransactions call blocks until barrier callers have arrived.
type mockObserver struct {
	mu          sync.RWMutex
	txs         []*types.PendingTx
	shouldError bool
	calls       atomic.Int32

	barrier *sync.WaitGroup
}

func (m *mockObserver) setSimilar(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = m.txs[:0]
	for i := 0; i < n; i++ {
		to := tokenA
		m.txs = append(m.txs, &types.PendingTx{
			Hash:     common.BigToHash(big.NewInt(int64(i + 1))),
			To:       &to,
			Value:    new(big.Int).Set(big.NewInt(params.Ether)),
			GasPrice: big.NewInt(params.GWei),
		})
	}
}

func (m *mockObserver) PendingTransactions(ctx context.Context) ([]common.Hash, error) {
	m.calls.Add(1)
	if m.barrier != nil {
		m.barrier.Done()
		done := make(chan struct{})
		go func() { m.barrier.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return nil, errors.New("barrier timeout")
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shouldError {
		return nil, errors.New("mock error")
	}
	hashes := make([]common.Hash, len(m.txs))
	for i, tx := range m.txs {
		hashes[i] = tx.Hash
	}
	return hashes, nil
}

func (m *mockObserver) Transaction(ctx context.Context, hash common.Hash) (*types.PendingTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.txs {
		if tx.Hash == hash {
			return tx, nil
		}
	}
	return nil, errors.New("unknown transaction")
}

func (m *mockObserver) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(params.GWei), nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
