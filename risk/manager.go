package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/mev"
	"github.com/michaelpento.lv/arbexec/types"
	"github.com/michaelpento.lv/arbexec/utils/metrics"
)

// Detector is the part of the MEV detector the manager depends on.
type Detector interface {
	Scan(ctx context.Context, opp types.TradeOpportunity) ([]mev.Observation, error)
	Merge(history, fresh []mev.Observation, now time.Time) []mev.Observation
	Classify(windowCount, fresh int) mev.Assessment
}

// Manager decides whether an opportunity may proceed to execution and keeps
// the concurrency, daily and cooldown accounting.
type Manager struct {
	cfg      config.RiskConfig
	detector Detector
	logger   *zap.Logger
	metrics  *metrics.RiskMetrics
	now      func() time.Time

	mu    sync.Mutex
	state *State
}

type ManagerOption func(*Manager)

// WithManagerClock replaces the wall clock.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(rm *metrics.RiskMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = rm }
}

func NewManager(cfg config.RiskConfig, detector Detector, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		detector: detector,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewRiskMetrics(metrics.Namespace, nil)
	}
	m.state = newState(m.now())
	return m
}

// Evaluate admits or rejects opp. An admitted opportunity holds one
// concurrency slot until the returned reservation is released.
func (m *Manager) Evaluate(ctx context.Context, opp types.TradeOpportunity) (*Reservation, error) {
	if err := Validate(opp, m.cfg); err != nil {
		return nil, m.reject(opp, err)
	}

	keys := pairKeys(opp.Path)

	m.mu.Lock()
	err := m.checkLimits(opp, keys, m.now())
	m.mu.Unlock()
	if err != nil {
		return nil, m.reject(opp, err)
	}

	// The pending pool is scanned without holding the lock.
	fresh, err := m.detector.Scan(ctx, opp)
	if err != nil {
		m.metrics.MEVLevel.WithLabelValues("scan_failed").Inc()
		return nil, m.reject(opp, types.RejectWithErr(types.KindMEV, err, "MEV scan failed"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.state.Observations = m.detector.Merge(m.state.Observations, fresh, now)
	assessment := m.detector.Classify(len(m.state.Observations), len(fresh))
	m.metrics.MEVObservations.Set(float64(len(m.state.Observations)))
	m.metrics.MEVLevel.WithLabelValues(assessment.Level.String()).Inc()

	if !assessment.Allowed {
		return nil, m.reject(opp, types.Reject(types.KindMEV, "%s (%d similar transactions)", assessment.Reason, assessment.Count))
	}
	if assessment.Level == mev.LevelLow {
		m.logger.Warn("Admitting opportunity with low MEV risk",
			zap.String("opportunity", opp.ID),
			zap.Int("observations", assessment.Count),
		)
	}

	// Limits may have moved while the scan was in flight.
	if err := m.checkLimits(opp, keys, now); err != nil {
		return nil, m.reject(opp, err)
	}

	m.state.OpenTrades++
	m.state.DailyTradeCount++
	if m.cfg.PairCooldown > 0 {
		// held until the trade settles; Release extends it
		m.state.armCooldown(keys, now.Add(m.cfg.ReceiptTimeout+m.cfg.PairCooldown))
	}
	m.metrics.OpenTrades.Set(float64(m.state.OpenTrades))
	m.metrics.DailyTrades.Set(float64(m.state.DailyTradeCount))
	m.metrics.Decisions.WithLabelValues("admitted").Inc()

	m.logger.Info("Opportunity admitted",
		zap.String("opportunity", opp.ID),
		zap.Int("open_trades", m.state.OpenTrades),
		zap.Int("daily_trades", m.state.DailyTradeCount),
		zap.String("mev_level", assessment.Level.String()),
	)

	return &Reservation{manager: m, opportunityID: opp.ID, keys: keys, Assessment: assessment}, nil
}

// checkLimits must be called with mu held.
func (m *Manager) checkLimits(opp types.TradeOpportunity, keys []uint64, now time.Time) error {
	if m.state.OpenTrades >= m.cfg.MaxConcurrentTrades {
		return types.Reject(types.KindRisk, "max concurrent trades reached (%d)", m.cfg.MaxConcurrentTrades)
	}

	m.state.rollWindow(now)
	if m.state.DailyTradeCount >= m.cfg.MaxDailyTrades {
		return types.Reject(types.KindRisk, "max daily trades reached (%d)", m.cfg.MaxDailyTrades)
	}

	exposure := opp.Amount.Div(m.cfg.CapitalBase)
	if exposure.GreaterThan(m.cfg.MaxExposurePercentage) {
		return types.Reject(types.KindRisk, "exposure %s exceeds max %s", exposure.StringFixed(4), m.cfg.MaxExposurePercentage)
	}

	if m.state.coolingDown(keys, now) {
		return types.Reject(types.KindRisk, "token pair is cooling down")
	}
	return nil
}

func (m *Manager) reject(opp types.TradeOpportunity, err error) error {
	kind := types.KindRisk
	var rej *types.Rejection
	if errors.As(err, &rej) {
		kind = rej.Kind
	}
	m.metrics.Rejections.WithLabelValues(kind.String()).Inc()
	m.metrics.Decisions.WithLabelValues("rejected").Inc()

	m.logger.Info("Opportunity rejected",
		zap.String("opportunity", opp.ID),
		zap.String("kind", kind.String()),
		zap.Error(err),
	)
	return err
}

func (m *Manager) release(r *Reservation, outcome types.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.OpenTrades > 0 {
		m.state.OpenTrades--
	}

	now := m.now()
	if outcome.Submitted() && m.cfg.PairCooldown > 0 {
		until := now.Add(m.cfg.PairCooldown)
		for _, k := range r.keys {
			m.state.cooldowns[k] = until
		}
	} else {
		// nothing reached the chain; free the pairs right away
		for _, k := range r.keys {
			delete(m.state.cooldowns, k)
		}
	}
	m.metrics.OpenTrades.Set(float64(m.state.OpenTrades))
}

// Snapshot returns a copy of the current counters.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.rollWindow(m.now())
	return Snapshot{
		OpenTrades:      m.state.OpenTrades,
		DailyTradeCount: m.state.DailyTradeCount,
		WindowStart:     m.state.WindowStart,
		Observations:    len(m.state.Observations),
		CoolingPairs:    len(m.state.cooldowns),
	}
}

// Reservation is a held concurrency slot.
type Reservation struct {
	manager       *Manager
	opportunityID string
	keys          []uint64
	once          sync.Once

	Assessment mev.Assessment
}

// Release frees the slot. Only the first call has an effect.
func (r *Reservation) Release(outcome types.Outcome) {
	r.once.Do(func() {
		r.manager.release(r, outcome)
	})
}
