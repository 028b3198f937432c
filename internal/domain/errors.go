package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies pipeline failures and warnings
type ErrorKind string

const (
	// KindInputValidation covers malformed data, weights not summing to one,
	// and non-square or asymmetric matrices.
	KindInputValidation ErrorKind = "InputValidationError"
	// KindMatrixConditioning is non-fatal: a covariance was repaired.
	KindMatrixConditioning ErrorKind = "MatrixConditioningWarning"
	// KindNotConverged means the iteration budget ran out after the relaxed retry.
	KindNotConverged ErrorKind = "OptimizationNotConverged"
	// KindConstraintInfeasible means a constraint cannot hold at the anchor.
	KindConstraintInfeasible ErrorKind = "ConstraintInfeasible"
	// KindLiquidityModeMismatch means the liquidity mode needs a liquidity asset the data lacks.
	KindLiquidityModeMismatch ErrorKind = "LiquidityModeMismatch"
)

// Mitigation is a caller-selectable way out of a failure
type Mitigation struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Standard mitigations offered when the paper-form total-risk constraint is infeasible.
var (
	MitigationRaiseBudget = Mitigation{
		Code:        "raise_active_risk_budget",
		Description: "Increase the active risk budget so the anchor sits inside the tracking-error allowance",
	}
	MitigationRelaxedTotalRisk = Mitigation{
		Code:        "use_relaxed_total_risk",
		Description: "Measure the total-risk constraint with the equilibrium covariance instead of the active covariance",
	}
)

// Error is a structured pipeline error
type Error struct {
	Kind           ErrorKind          `json:"kind"`
	Stage          string             `json:"stage,omitempty"`
	Message        string             `json:"message"`
	Recommendation string             `json:"recommendation,omitempty"`
	Mitigations    []Mitigation       `json:"mitigations,omitempty"`
	Diagnostics    map[string]float64 `json:"diagnostics,omitempty"`
	Err            error              `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error
func NewError(kind ErrorKind, stage, message string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Recommendation: defaultRecommendation(kind)}
}

// Validationf creates an InputValidationError
func Validationf(format string, args ...interface{}) *Error {
	return NewError(KindInputValidation, "loader", fmt.Sprintf(format, args...))
}

// WithDiagnostic attaches a numeric diagnostic and returns the error
func (e *Error) WithDiagnostic(key string, value float64) *Error {
	if e.Diagnostics == nil {
		e.Diagnostics = make(map[string]float64)
	}
	e.Diagnostics[key] = value
	return e
}

// WithMitigations attaches mitigations and returns the error
func (e *Error) WithMitigations(m ...Mitigation) *Error {
	e.Mitigations = append(e.Mitigations, m...)
	return e
}

// WithRecommendation overrides the default recommendation
func (e *Error) WithRecommendation(r string) *Error {
	e.Recommendation = r
	return e
}

// Wrap sets the underlying cause
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// DiagnosticKeys returns the diagnostic names in stable order
func (e *Error) DiagnosticKeys() []string {
	keys := make([]string, 0, len(e.Diagnostics))
	for k := range e.Diagnostics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsError extracts a structured error from an error chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// Warning is a non-fatal diagnostic raised during a run
type Warning struct {
	Kind        ErrorKind          `json:"kind"`
	Stage       string             `json:"stage"`
	Message     string             `json:"message"`
	Diagnostics map[string]float64 `json:"diagnostics,omitempty"`
}

func defaultRecommendation(kind ErrorKind) string {
	switch kind {
	case KindInputValidation:
		return "Correct the input data and resubmit"
	case KindMatrixConditioning:
		return "Review the correlation inputs; the covariance was regularized by a diagonal shift"
	case KindNotConverged:
		return "Relax the solver tolerance, raise the iteration budget, or widen the risk band"
	case KindConstraintInfeasible:
		return "Choose one of the listed mitigations and resubmit"
	case KindLiquidityModeMismatch:
		return "Add a single asset in the Liquidity cluster or select liquidity mode 'none'"
	default:
		return ""
	}
}
