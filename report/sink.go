// Package report publishes terminal trade results.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/types"
)

// Sink receives every TradeResult exactly once.
type Sink interface {
	Record(ctx context.Context, res types.TradeResult) error
}

// Entry is the serialized form of a TradeResult.
type Entry struct {
	OpportunityID   string          `json:"opportunity_id"`
	Outcome         string          `json:"outcome"`
	TxHash          string          `json:"tx_hash,omitempty"`
	GasUsed         uint64          `json:"gas_used,omitempty"`
	GasCost         decimal.Decimal `json:"gas_cost"`
	RealizedProfit  decimal.Decimal `json:"realized_profit"`
	RejectionKind   string          `json:"rejection_kind,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Error           string          `json:"error,omitempty"`
	CompletedAt     time.Time       `json:"completed_at"`
}

func NewEntry(res types.TradeResult) Entry {
	e := Entry{
		OpportunityID:   res.OpportunityID,
		Outcome:         res.Outcome.String(),
		GasUsed:         res.GasUsed,
		GasCost:         res.GasCost,
		RealizedProfit:  res.RealizedProfit,
		RejectionReason: res.RejectionReason,
		CompletedAt:     res.CompletedAt,
	}
	if res.TxHash != nil {
		e.TxHash = res.TxHash.Hex()
	}
	if res.RejectionKind != types.KindNone {
		e.RejectionKind = res.RejectionKind.String()
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}

// LogSink writes results to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("results")}
}

func (s *LogSink) Record(_ context.Context, res types.TradeResult) error {
	e := NewEntry(res)
	fields := []zap.Field{
		zap.String("opportunity", e.OpportunityID),
		zap.String("outcome", e.Outcome),
	}
	if e.TxHash != "" {
		fields = append(fields,
			zap.String("tx", e.TxHash),
			zap.Uint64("gas_used", e.GasUsed),
			zap.String("gas_cost", e.GasCost.String()),
			zap.String("profit", e.RealizedProfit.String()),
		)
	}
	if e.RejectionKind != "" {
		fields = append(fields, zap.String("kind", e.RejectionKind))
	}
	if e.RejectionReason != "" {
		fields = append(fields, zap.String("reason", e.RejectionReason))
	}

	switch res.Outcome {
	case types.OutcomeConfirmed:
		s.logger.Info("Trade confirmed", fields...)
	case types.OutcomeRejectedPreSubmit:
		s.logger.Debug("Trade rejected", fields...)
	default:
		s.logger.Warn("Trade failed", append(fields, zap.String("error", e.Error))...)
	}
	return nil
}

// Multi fans a result out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, res types.TradeResult) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
