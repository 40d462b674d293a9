package types

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// ErrReceiptTimeout is returned when no receipt arrives before the deadline.
// The transaction may still be mined later.
var ErrReceiptTimeout = errors.New("timed out waiting for receipt")

type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeReverted
	OutcomeRejectedPreSubmit
	OutcomeSubmissionFailed
	// OutcomeTimedOut means the transaction was broadcast but its final state is
	// indeterminate: either the receipt wait expired or the receipt lookup
	// failed. RejectionReason tells the two apart.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReverted:
		return "reverted"
	case OutcomeRejectedPreSubmit:
		return "rejected"
	case OutcomeSubmissionFailed:
		return "submission_failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Submitted reports whether the transaction left the process.
func (o Outcome) Submitted() bool {
	return o == OutcomeConfirmed || o == OutcomeReverted || o == OutcomeTimedOut
}

// Receipt is the mined status of a submitted trade.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	BlockNumber       *big.Int
	Logs              []*ethtypes.Log

	// Profit decoded from the executor contract's event, nil when the
	// receipt carried none.
	Profit *decimal.Decimal
}

// Succeeded reports whether the receipt carries a success status.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ethtypes.ReceiptStatusSuccessful
}

// TradeResult is the terminal record of one opportunity.
type TradeResult struct {
	OpportunityID   string
	Outcome         Outcome
	TxHash          *common.Hash
	GasUsed         uint64
	GasCost         decimal.Decimal
	RealizedProfit  decimal.Decimal
	RejectionKind   RejectionKind
	RejectionReason string
	Err             error
	CompletedAt     time.Time
}

// Rejected builds a pre-submit rejection result from err.
func Rejected(opportunityID string, err error) TradeResult {
	res := TradeResult{
		OpportunityID: opportunityID,
		Outcome:       OutcomeRejectedPreSubmit,
		Err:           err,
		CompletedAt:   time.Now(),
	}

	var rej *Rejection
	if errors.As(err, &rej) {
		res.RejectionKind = rej.Kind
		res.RejectionReason = rej.Reason
	} else if err != nil {
		res.RejectionReason = err.Error()
	}
	return res
}
