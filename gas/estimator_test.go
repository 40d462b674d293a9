package gas

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockClient struct {
	mu          sync.Mutex
	baseFee     *big.Int
	tip         *big.Int
	calls       int
	shouldError bool
}

func (m *mockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.shouldError {
		return nil, errors.New("mock error")
	}
	return &ethtypes.Header{BaseFee: m.baseFee}, nil
}

func (m *mockClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return m.tip, nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}

func TestEstimatorFees(t *testing.T) {
	client := &mockClient{baseFee: gwei(30), tip: gwei(2)}
	e := NewEstimator(client, zaptest.NewLogger(t), time.Minute)

	feeCap, tip, err := e.Fees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(62).String(), feeCap.String())
	assert.Equal(t, gwei(2).String(), tip.String())

	price, err := e.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(32).String(), price.String())

	// cached within maxAge
	assert.Equal(t, 1, client.calls)
}

func TestEstimatorRefreshesStalePrices(t *testing.T) {
	client := &mockClient{baseFee: gwei(30), tip: gwei(2)}
	e := NewEstimator(client, zaptest.NewLogger(t), time.Second)
	now := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return now }

	_, err := e.GasPrice(context.Background())
	require.NoError(t, err)

	client.baseFee = gwei(50)
	now = now.Add(2 * time.Second)
	price, err := e.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(52).String(), price.String())
	assert.Equal(t, 2, client.calls)
}

func TestEstimatorError(t *testing.T) {
	client := &mockClient{shouldError: true}
	e := NewEstimator(client, zaptest.NewLogger(t), time.Minute)

	_, err := e.GasPrice(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get latest header")
}

func TestCost(t *testing.T) {
	cost := Cost(250_000, big.NewInt(200_000_000))
	assert.True(t, cost.Equal(decimal.RequireFromString("0.00005")), cost.String())
	assert.True(t, Cost(21000, nil).IsZero())
}

func TestWithLimitBuffer(t *testing.T) {
	assert.Equal(t, uint64(300_000), WithLimitBuffer(250_000, 6, 5))
	assert.Equal(t, uint64(12), WithLimitBuffer(10, 6, 5))
	assert.Equal(t, uint64(2), WithLimitBuffer(1, 6, 5))
}
