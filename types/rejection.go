package types

import "fmt"

type RejectionKind int

const (
	KindNone RejectionKind = iota
	KindValidation
	KindRisk
	KindMEV
	KindPlanBuild
	KindGasPrice
	KindGasEstimation
	KindProfitability
	KindSubmission
)

var rejectionKindNames = map[RejectionKind]string{
	KindNone:          "none",
	KindValidation:    "validation",
	KindRisk:          "risk",
	KindMEV:           "mev",
	KindPlanBuild:     "plan_build",
	KindGasPrice:      "gas_price",
	KindGasEstimation: "gas_estimation",
	KindProfitability: "profitability",
	KindSubmission:    "submission",
}

func (k RejectionKind) String() string {
	if name, ok := rejectionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Rejection explains why an opportunity was not executed.
type Rejection struct {
	Kind   RejectionKind
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Kind, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Reject returns a rejection of the given kind.
func Reject(kind RejectionKind, format string, args ...interface{}) *Rejection {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// RejectWithErr returns a rejection wrapping a lower-level cause.
func RejectWithErr(kind RejectionKind, err error, reason string) *Rejection {
	return &Rejection{Kind: kind, Reason: reason, Err: err}
}
