package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/arbexec/types"
)

var (
	tokenA      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	tokenC      = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	routerA     = common.HexToAddress("0x0000000000000000000000000000000000001001")
	routerB     = common.HexToAddress("0x0000000000000000000000000000000000001002")
	executorAdr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

type mockBackend struct {
	mu          sync.Mutex
	estimate    uint64
	estimateErr error
	lastCall    ethereum.CallMsg
	nonce       uint64
	tip         *big.Int
	receipt     *ethtypes.Receipt
	notFoundFor int
	lookups     int
}

func (m *mockBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCall = msg
	return m.estimate, m.estimateErr
}

func (m *mockBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *mockBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return m.tip, nil
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.receipt == nil || m.lookups <= m.notFoundFor {
		return nil, ethereum.NotFound
	}
	return m.receipt, nil
}

type captureBroadcaster struct {
	txs []*ethtypes.Transaction
	err error
}

func (c *captureBroadcaster) Broadcast(ctx context.Context, tx *ethtypes.Transaction) error {
	if c.err != nil {
		return c.err
	}
	c.txs = append(c.txs, tx)
	return nil
}

func testPlan() *types.ExecutionPlan {
	return &types.ExecutionPlan{
		OpportunityID: "opp-1",
		Steps: []types.Step{
			{TokenIn: tokenA, TokenOut: tokenB, Dex: "dexA", AmountIn: decimal.NewFromInt(1), MinOutput: decimal.RequireFromString("0.995")},
			{TokenIn: tokenB, TokenOut: tokenC, Dex: "dexB", AmountIn: decimal.RequireFromString("0.995"), MinOutput: decimal.RequireFromString("0.990025")},
		},
		AmountIn:       decimal.NewFromInt(1),
		ExpectedProfit: decimal.RequireFromString("0.002"),
	}
}

func newTestSubmitter(t *testing.T, backend *mockBackend, bc Broadcaster) (*Submitter, *Contract, *KeySigner) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewKeySigner(key)

	contract, err := NewContract(executorAdr, map[common.Address]int32{tokenB: 6})
	require.NoError(t, err)

	sub := NewSubmitter(SubmitterConfig{
		ChainID:      big.NewInt(1),
		Routers:      map[string]common.Address{"dexA": routerA, "dexB": routerB},
		PollInterval: 5 * time.Millisecond,
	}, backend, bc, signer, contract, zaptest.NewLogger(t))
	return sub, contract, signer
}

func TestEstimateGasPacksPlan(t *testing.T) {
	backend := &mockBackend{estimate: 250_000}
	sub, contract, signer := newTestSubmitter(t, backend, &captureBroadcaster{})

	gas, err := sub.EstimateGas(context.Background(), testPlan(), big.NewInt(200_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000), gas)

	msg := backend.lastCall
	assert.Equal(t, signer.Address(), msg.From)
	require.NotNil(t, msg.To)
	assert.Equal(t, executorAdr, *msg.To)

	call, err := contract.UnpackExecute(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{tokenA, tokenB, tokenC}, call.Path)
	assert.Equal(t, []common.Address{routerA, routerB}, call.Routers)
	assert.Equal(t, "1000000000000000000", call.AmountIn.String())
	require.Len(t, call.MinOutputs, 2)
	assert.Equal(t, "995000", call.MinOutputs[0].String(), "tokenB has 6 decimals")
	assert.Equal(t, "990025000000000000", call.MinOutputs[1].String())
	assert.False(t, call.UseFlashLoan)
}

func TestEstimateGasFailure(t *testing.T) {
	backend := &mockBackend{estimateErr: errors.New("execution reverted")}
	sub, _, _ := newTestSubmitter(t, backend, &captureBroadcaster{})

	_, err := sub.EstimateGas(context.Background(), testPlan(), big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
}

func TestUnknownDex(t *testing.T) {
	sub, _, _ := newTestSubmitter(t, &mockBackend{}, &captureBroadcaster{})
	p := testPlan()
	p.Steps[1].Dex = "curve"

	_, err := sub.EstimateGas(context.Background(), p, big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no router configured for dex "curve"`)
}

func TestSignAndSubmit(t *testing.T) {
	backend := &mockBackend{nonce: 7, tip: big.NewInt(500_000_000)}
	bc := &captureBroadcaster{}
	sub, _, signer := newTestSubmitter(t, backend, bc)

	gasPrice := big.NewInt(200_000_000)
	hash, err := sub.SignAndSubmit(context.Background(), testPlan(), 300_000, gasPrice)
	require.NoError(t, err)
	require.Len(t, bc.txs, 1)

	tx := bc.txs[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(300_000), tx.Gas())
	assert.Equal(t, 0, tx.GasFeeCap().Cmp(gasPrice))
	assert.Equal(t, 0, tx.GasTipCap().Cmp(gasPrice), "tip is capped at the fee cap")
	assert.Equal(t, executorAdr, *tx.To())

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
}

func TestSignAndSubmitBroadcastFailure(t *testing.T) {
	backend := &mockBackend{tip: big.NewInt(1)}
	sub, _, _ := newTestSubmitter(t, backend, &captureBroadcaster{err: errors.New("nonce too low")})

	_, err := sub.SignAndSubmit(context.Background(), testPlan(), 300_000, big.NewInt(10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestWaitForReceipt(t *testing.T) {
	t.Run("DecodesProfit", func(t *testing.T) {
		backend := &mockBackend{notFoundFor: 2}
		sub, contract, _ := newTestSubmitter(t, backend, &captureBroadcaster{})

		event := contract.abi.Events[eventExecuted]
		data, err := event.Inputs.NonIndexed().Pack(
			big.NewInt(1_000_000_000_000_000_000),
			big.NewInt(1_001_900_000_000_000_000),
			big.NewInt(1_900_000_000_000_000),
		)
		require.NoError(t, err)

		backend.receipt = &ethtypes.Receipt{
			Status:            ethtypes.ReceiptStatusSuccessful,
			GasUsed:           240_000,
			EffectiveGasPrice: big.NewInt(200_000_000),
			Logs: []*ethtypes.Log{{
				Address: executorAdr,
				Topics:  []common.Hash{event.ID, common.BytesToHash(tokenA.Bytes())},
				Data:    data,
			}},
		}

		r, err := sub.WaitForReceipt(context.Background(), common.Hash{1}, time.Second)
		require.NoError(t, err)
		assert.True(t, r.Succeeded())
		assert.Equal(t, uint64(240_000), r.GasUsed)
		require.NotNil(t, r.Profit)
		assert.True(t, r.Profit.Equal(decimal.RequireFromString("0.0019")), r.Profit.String())
		assert.Equal(t, 3, backend.lookups)
	})

	t.Run("RevertedHasNoProfit", func(t *testing.T) {
		backend := &mockBackend{receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, GasUsed: 90_000}}
		sub, _, _ := newTestSubmitter(t, backend, &captureBroadcaster{})

		r, err := sub.WaitForReceipt(context.Background(), common.Hash{1}, time.Second)
		require.NoError(t, err)
		assert.False(t, r.Succeeded())
		assert.Nil(t, r.Profit)
	})

	t.Run("Timeout", func(t *testing.T) {
		sub, _, _ := newTestSubmitter(t, &mockBackend{}, &captureBroadcaster{})

		_, err := sub.WaitForReceipt(context.Background(), common.Hash{1}, 30*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrReceiptTimeout)
	})
}

func TestProfitFromLogsIgnoresForeignEvents(t *testing.T) {
	contract, err := NewContract(executorAdr, nil)
	require.NoError(t, err)

	event := contract.abi.Events[eventExecuted]
	profit, err := contract.ProfitFromLogs([]*ethtypes.Log{{
		Address: common.HexToAddress("0xdead"),
		Topics:  []common.Hash{event.ID, {}},
	}})
	require.NoError(t, err)
	assert.Nil(t, profit)
}
