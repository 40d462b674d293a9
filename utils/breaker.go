package utils

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig configures an RPC circuit breaker.
type BreakerConfig struct {
	Name           string
	ErrorThreshold uint32
	ResetInterval  time.Duration
	CooldownPeriod time.Duration
}

// NewBreaker returns a breaker that opens after ErrorThreshold consecutive
// failures and probes again after CooldownPeriod. A "not found" answer from
// the node is a valid response and never counts as a failure. state may be
// nil.
func NewBreaker[T any](cfg BreakerConfig, logger *zap.Logger, state *prometheus.GaugeVec) *gobreaker.CircuitBreaker[T] {
	threshold := cfg.ErrorThreshold
	if threshold == 0 {
		threshold = 5
	}

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.ResetInterval,
		Timeout:     cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ethereum.NotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if state != nil {
				state.WithLabelValues(name).Set(float64(to))
			}
		},
	})
}
