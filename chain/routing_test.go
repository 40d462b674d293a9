package chain

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/feed"
	"github.com/michaelpento.lv/arbexec/plan"
	"github.com/michaelpento.lv/arbexec/utils/testutils"
)

func TestMixedCaseDexRoutesEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dexes = map[string]string{
		"UniswapV2": routerA.Hex(),
		"SushiSwap": routerB.Hex(),
	}
	rc, err := cfg.Risk()
	require.NoError(t, err)

	record := fmt.Sprintf(`{"id":"opp-1","path":["%s","%s","%s"],"dexes":["UniswapV2","SushiSwap"],"amount":"1","profit":"0.01"}`,
		tokenA.Hex(), tokenB.Hex(), tokenC.Hex())
	opp, err := feed.Decode([]byte(record))
	require.NoError(t, err)

	p, err := plan.NewBuilder(rc, zaptest.NewLogger(t), plan.WithRouters(cfg.DexRouters())).Build(opp)
	require.NoError(t, err)

	backend := &mockBackend{estimate: 250_000}
	key, _ := testutils.NewKey(t)
	contract, err := NewContract(executorAdr, nil)
	require.NoError(t, err)
	sub := NewSubmitter(SubmitterConfig{
		ChainID: big.NewInt(1),
		Routers: cfg.DexRouters(),
	}, backend, &captureBroadcaster{}, NewKeySigner(key), contract, zaptest.NewLogger(t))

	_, err = sub.EstimateGas(context.Background(), p, big.NewInt(1))
	require.NoError(t, err)

	call, err := contract.UnpackExecute(backend.lastCall.Data)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{routerA, routerB}, call.Routers)
}
