package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/mev"
	"github.com/michaelpento.lv/arbexec/types"
	"github.com/michaelpento.lv/arbexec/utils/metrics"
)

func newTestManager(t *testing.T, cfg config.RiskConfig, obs *mockObserver, clock *fakeClock) (*Manager, *metrics.RiskMetrics) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rm := metrics.NewRiskMetrics("test", prometheus.NewRegistry())
	detector := mev.NewDetector(cfg, obs, logger, mev.WithClock(clock.Now))
	return NewManager(cfg, detector, logger, WithManagerClock(clock.Now), WithMetrics(rm)), rm
}

func requireKind(t *testing.T, err error, kind types.RejectionKind) *types.Rejection {
	t.Helper()
	var rej *types.Rejection
	require.True(t, errors.As(err, &rej), "expected a rejection, got %v", err)
	assert.Equal(t, kind, rej.Kind)
	return rej
}

func TestManagerAdmitsAndReleases(t *testing.T) {
	clock := newFakeClock()
	m, rm := newTestManager(t, testRiskConfig(), &mockObserver{}, clock)

	res, err := m.Evaluate(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, mev.LevelNone, res.Assessment.Level)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.OpenTrades)
	assert.Equal(t, 1, snap.DailyTradeCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(rm.OpenTrades))

	res.Release(types.OutcomeConfirmed)
	snap = m.Snapshot()
	assert.Equal(t, 0, snap.OpenTrades)
	assert.Equal(t, 1, snap.DailyTradeCount, "daily count is not refunded")
}

func TestManagerValidationRejectsWithoutScan(t *testing.T) {
	obs := &mockObserver{}
	m, rm := newTestManager(t, testRiskConfig(), obs, newFakeClock())

	opp := testOpportunity()
	opp.Profit = decimal.Zero

	_, err := m.Evaluate(context.Background(), opp)
	requireKind(t, err, types.KindValidation)
	assert.Equal(t, int32(0), obs.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(rm.Rejections.WithLabelValues("validation")))
	assert.Equal(t, 0, m.Snapshot().OpenTrades)
}

func TestManagerConcurrencyCap(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxConcurrentTrades = 2

	barrier := &sync.WaitGroup{}
	barrier.Add(3)
	obs := &mockObserver{barrier: barrier}
	m, _ := newTestManager(t, cfg, obs, newFakeClock())

	paths := [][]common.Address{
		{tokenA, tokenB},
		{tokenB, tokenC},
		{tokenC, tokenD},
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []*Reservation
		rejected []error
	)
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path []common.Address) {
			defer wg.Done()
			opp := testOpportunity()
			opp.ID = string(rune('a' + i))
			opp.Path = path
			opp.Dexes = []string{"dexA"}

			res, err := m.Evaluate(context.Background(), opp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, err)
				return
			}
			admitted = append(admitted, res)
		}(i, path)
	}
	wg.Wait()

	// all three passed the first check before any slot was taken
	assert.Equal(t, int32(3), obs.calls.Load())
	assert.Len(t, admitted, 2)
	require.Len(t, rejected, 1)
	rej := requireKind(t, rejected[0], types.KindRisk)
	assert.Contains(t, rej.Reason, "max concurrent trades")
	assert.Equal(t, 2, m.Snapshot().OpenTrades)

	for _, r := range admitted {
		r.Release(types.OutcomeConfirmed)
	}
	assert.Equal(t, 0, m.Snapshot().OpenTrades)
}

func TestManagerReleaseIsIdempotent(t *testing.T) {
	cfg := testRiskConfig()
	m, _ := newTestManager(t, cfg, &mockObserver{}, newFakeClock())

	first, err := m.Evaluate(context.Background(), testOpportunity())
	require.NoError(t, err)

	other := testOpportunity()
	other.ID = "opp-2"
	other.Path = []common.Address{tokenC, tokenD}
	other.Dexes = []string{"dexA"}
	_, err = m.Evaluate(context.Background(), other)
	require.NoError(t, err)

	first.Release(types.OutcomeReverted)
	first.Release(types.OutcomeReverted)
	first.Release(types.OutcomeConfirmed)
	assert.Equal(t, 1, m.Snapshot().OpenTrades)
}

func TestManagerDailyRollover(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxDailyTrades = 2
	clock := newFakeClock()
	m, _ := newTestManager(t, cfg, &mockObserver{}, clock)

	admit := func() error {
		res, err := m.Evaluate(context.Background(), testOpportunity())
		if err == nil {
			res.Release(types.OutcomeRejectedPreSubmit)
		}
		return err
	}

	require.NoError(t, admit())
	require.NoError(t, admit())

	rej := requireKind(t, admit(), types.KindRisk)
	assert.Contains(t, rej.Reason, "max daily trades")

	clock.Advance(DailyWindow - time.Second)
	requireKind(t, admit(), types.KindRisk)

	clock.Advance(time.Second)
	require.NoError(t, admit())

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.DailyTradeCount)
	assert.Equal(t, clock.Now(), snap.WindowStart)
}

func TestManagerExposure(t *testing.T) {
	cfg := testRiskConfig()
	cfg.CapitalBase = decimal.NewFromInt(100)
	cfg.MaxExposurePercentage = decimal.RequireFromString("0.05")
	m, _ := newTestManager(t, cfg, &mockObserver{}, newFakeClock())

	opp := testOpportunity()
	opp.Amount = decimal.NewFromInt(6)
	rej := requireKind(t, func() error { _, err := m.Evaluate(context.Background(), opp); return err }(), types.KindRisk)
	assert.Contains(t, rej.Reason, "exposure")

	opp.Amount = decimal.NewFromInt(5)
	_, err := m.Evaluate(context.Background(), opp)
	require.NoError(t, err)
}

func TestManagerMEVTiers(t *testing.T) {
	tests := []struct {
		similar int
		allowed bool
		level   mev.Level
	}{
		{4, true, mev.LevelNone},
		{5, true, mev.LevelLow},
		{10, false, mev.LevelMedium},
		{20, false, mev.LevelHigh},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			obs := &mockObserver{}
			obs.setSimilar(tt.similar)
			m, rm := newTestManager(t, testRiskConfig(), obs, newFakeClock())

			res, err := m.Evaluate(context.Background(), testOpportunity())
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.level, res.Assessment.Level)
				return
			}
			requireKind(t, err, types.KindMEV)
			assert.Equal(t, 0, m.Snapshot().OpenTrades)
			assert.Equal(t, float64(1), testutil.ToFloat64(rm.MEVLevel.WithLabelValues(tt.level.String())))
		})
	}
}

func TestManagerObservationWindowPersists(t *testing.T) {
	clock := newFakeClock()
	obs := &mockObserver{}
	obs.setSimilar(10)
	m, _ := newTestManager(t, testRiskConfig(), obs, clock)

	_, err := m.Evaluate(context.Background(), testOpportunity())
	requireKind(t, err, types.KindMEV)

	// the pool drains but the window still remembers the crowd
	obs.setSimilar(0)
	_, err = m.Evaluate(context.Background(), testOpportunity())
	requireKind(t, err, types.KindMEV)

	clock.Advance(61 * time.Second)
	_, err = m.Evaluate(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Snapshot().Observations)
}

func TestManagerScanFailureDenies(t *testing.T) {
	obs := &mockObserver{shouldError: true}
	m, _ := newTestManager(t, testRiskConfig(), obs, newFakeClock())

	_, err := m.Evaluate(context.Background(), testOpportunity())
	rej := requireKind(t, err, types.KindMEV)
	assert.Contains(t, rej.Reason, "MEV scan failed")

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.OpenTrades)
	assert.Equal(t, 0, snap.DailyTradeCount)
}

func TestManagerPairCooldown(t *testing.T) {
	cfg := testRiskConfig()
	cfg.PairCooldown = 30 * time.Second
	clock := newFakeClock()
	m, _ := newTestManager(t, cfg, &mockObserver{}, clock)

	res, err := m.Evaluate(context.Background(), testOpportunity())
	require.NoError(t, err)

	// reversed path shares both pairs
	reversed := testOpportunity()
	reversed.ID = "opp-rev"
	reversed.Path = []common.Address{tokenC, tokenB, tokenA}
	_, err = m.Evaluate(context.Background(), reversed)
	rej := requireKind(t, err, types.KindRisk)
	assert.Contains(t, rej.Reason, "cooling down")

	// unrelated pair is unaffected
	unrelated := testOpportunity()
	unrelated.ID = "opp-other"
	unrelated.Path = []common.Address{tokenC, tokenD}
	unrelated.Dexes = []string{"dexA"}
	other, err := m.Evaluate(context.Background(), unrelated)
	require.NoError(t, err)
	other.Release(types.OutcomeRejectedPreSubmit)

	res.Release(types.OutcomeConfirmed)
	clock.Advance(29 * time.Second)
	_, err = m.Evaluate(context.Background(), testOpportunity())
	requireKind(t, err, types.KindRisk)

	clock.Advance(time.Second)
	res, err = m.Evaluate(context.Background(), testOpportunity())
	require.NoError(t, err)

	// a trade that never reached the chain frees its pairs at once
	res.Release(types.OutcomeRejectedPreSubmit)
	_, err = m.Evaluate(context.Background(), testOpportunity())
	require.NoError(t, err)
}

func TestPairKeys(t *testing.T) {
	forward := pairKeys([]common.Address{tokenA, tokenB, tokenC})
	backward := pairKeys([]common.Address{tokenC, tokenB, tokenA})
	assert.Equal(t, forward, backward)
	assert.Len(t, forward, 2)

	cyclic := pairKeys([]common.Address{tokenA, tokenB, tokenA})
	assert.Len(t, cyclic, 1)
	assert.Nil(t, pairKeys([]common.Address{tokenA}))
}
