// Package mev scores pending transactions against an intended trade and
// classifies how crowded the mempool is around it.
package mev

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/types"
)

const (
	tokenMatchWeight = 0.5
	valueWeight      = 0.3
	gasWeight        = 0.2
	valueTolerance   = 0.2
	gasTolerance     = 0.3
	baselineBias     = 0.01
)

var weiPerEther = decimal.NewFromBigInt(big.NewInt(params.Ether), 0)

// ChainObserver exposes the node's pending transaction pool.
type ChainObserver interface {
	PendingTransactions(ctx context.Context) ([]common.Hash, error)
	Transaction(ctx context.Context, hash common.Hash) (*types.PendingTx, error)
	CurrentGasPrice(ctx context.Context) (*big.Int, error)
}

// Observation is a pending transaction that resembled a trade.
type Observation struct {
	TxHash     common.Hash
	Similarity float64
	ObservedAt time.Time
}

type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return "none"
	}
}

// Assessment is the outcome of classifying the observation window.
type Assessment struct {
	Level   Level
	Count   int
	Allowed bool
	Reason  string
}

type Detector struct {
	cfg      config.RiskConfig
	observer ChainObserver
	logger   *zap.Logger
	maxScan  int
	now      func() time.Time
}

type Option func(*Detector)

// WithMaxScan bounds how many pending transactions one scan inspects.
func WithMaxScan(n int) Option {
	return func(d *Detector) { d.maxScan = n }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func NewDetector(cfg config.RiskConfig, observer ChainObserver, logger *zap.Logger, opts ...Option) *Detector {
	d := &Detector{
		cfg:      cfg,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan fetches the pending pool and returns every transaction whose
// similarity to opp reaches the configured threshold. It takes no locks.
func (d *Detector) Scan(ctx context.Context, opp types.TradeOpportunity) ([]Observation, error) {
	hashes, err := d.observer.PendingTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending transactions: %w", err)
	}
	if d.maxScan > 0 && len(hashes) > d.maxScan {
		hashes = hashes[:d.maxScan]
	}

	gasPrice, err := d.observer.CurrentGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	var found []Observation
	for _, hash := range hashes {
		tx, err := d.observer.Transaction(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			// mined or dropped since the listing
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transaction %s: %w", hash.Hex(), err)
		}

		score := Similarity(tx, opp, gasPrice)
		if score < d.cfg.MEVSimilarityThreshold {
			continue
		}
		found = append(found, Observation{
			TxHash:     tx.Hash,
			Similarity: score,
			ObservedAt: d.now(),
		})
	}

	d.logger.Debug("Scanned pending pool",
		zap.String("opportunity", opp.ID),
		zap.Int("pending", len(hashes)),
		zap.Int("similar", len(found)),
	)
	return found, nil
}

// Similarity scores how closely tx resembles the intended trade.
func Similarity(tx *types.PendingTx, opp types.TradeOpportunity, currentGasPrice *big.Int) float64 {
	score := baselineBias

	if tx.To != nil {
		for _, token := range opp.Path {
			if *tx.To == token {
				score += tokenMatchWeight
				break
			}
		}
	}

	if tx.Value != nil {
		value, _ := decimal.NewFromBigInt(tx.Value, 0).Div(weiPerEther).Float64()
		amount, _ := opp.Amount.Float64()
		if diff := math.Abs(value-amount) / math.Max(amount, 1); diff <= valueTolerance {
			score += valueWeight * (1 - diff/valueTolerance)
		}
	}

	if tx.GasPrice != nil && currentGasPrice != nil {
		price, _ := new(big.Float).SetInt(tx.GasPrice).Float64()
		current, _ := new(big.Float).SetInt(currentGasPrice).Float64()
		if diff := math.Abs(price-current) / math.Max(current, 1); diff <= gasTolerance {
			score += gasWeight * (1 - diff/gasTolerance)
		}
	}

	return score
}

// Merge adds fresh observations to history, keeps one entry per transaction
// and drops everything older than the window. The result is ordered by time.
func (d *Detector) Merge(history, fresh []Observation, now time.Time) []Observation {
	byHash := make(map[common.Hash]int, len(history)+len(fresh))
	merged := make([]Observation, 0, len(history)+len(fresh))

	for _, obs := range append(append([]Observation(nil), history...), fresh...) {
		if i, ok := byHash[obs.TxHash]; ok {
			if obs.ObservedAt.After(merged[i].ObservedAt) {
				merged[i].ObservedAt = obs.ObservedAt
			}
			merged[i].Similarity = math.Max(merged[i].Similarity, obs.Similarity)
			continue
		}
		byHash[obs.TxHash] = len(merged)
		merged = append(merged, obs)
	}

	merged = Purge(merged, now, d.cfg.MEVTimeWindow)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].ObservedAt.Before(merged[j].ObservedAt)
	})
	return merged
}

// Purge keeps observations no older than window relative to now.
func Purge(obs []Observation, now time.Time, window time.Duration) []Observation {
	cutoff := now.Add(-window)
	kept := obs[:0]
	for _, o := range obs {
		if o.ObservedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// Classify tiers the number of observations inside the window. fresh is the
// number found by the latest scan alone.
func (d *Detector) Classify(windowCount, fresh int) Assessment {
	levels := d.cfg.MEVRiskLevels
	a := Assessment{Count: windowCount}

	switch {
	case windowCount >= levels.High:
		a.Level, a.Reason = LevelHigh, "High MEV risk"
	case windowCount >= levels.Medium:
		a.Level, a.Reason = LevelMedium, "Medium MEV risk"
	case windowCount >= levels.Low:
		a.Level, a.Allowed, a.Reason = LevelLow, true, "Low MEV risk"
	default:
		a.Level, a.Allowed, a.Reason = LevelNone, true, "No MEV risk detected"
	}

	if a.Allowed && d.cfg.MaxSimilarPendingTrades > 0 && fresh > d.cfg.MaxSimilarPendingTrades {
		a.Allowed = false
		a.Reason = fmt.Sprintf("too many similar pending transactions: %d", fresh)
	}
	return a
}

// Assess scans, merges into history and classifies in one call. It returns
// the updated history. Any observer failure denies the trade.
func (d *Detector) Assess(ctx context.Context, opp types.TradeOpportunity, history []Observation) (Assessment, []Observation, error) {
	fresh, err := d.Scan(ctx, opp)
	if err != nil {
		d.logger.Warn("MEV scan failed, denying", zap.String("opportunity", opp.ID), zap.Error(err))
		return Assessment{Reason: "MEV scan failed: " + err.Error()}, history, err
	}

	merged := d.Merge(history, fresh, d.now())
	a := d.Classify(len(merged), len(fresh))
	if a.Level == LevelLow && a.Allowed {
		d.logger.Warn("Low MEV risk", zap.String("opportunity", opp.ID), zap.Int("observations", a.Count))
	}
	return a, merged, nil
}
