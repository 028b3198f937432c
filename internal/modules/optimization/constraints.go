// Package optimization provides the numerical core shared by every allocation layer:
// covariance repair, a constrained simplex solver, multi-start search and
// Black-Litterman blending.
package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rs/zerolog"
)

// Numerical constants
const (
	WeightSumTolerance  = 1e-6 // returned weights sum to one within this
	NegativeWeightFloor = -1e-9
	CheckTolerance      = 1e-6 // slack below -CheckTolerance fails a check
)

// QuadraticUpper returns g(x) = (x-c)'S(x-c) - bound <= 0.
// center may be nil for x'Sx.
func QuadraticUpper(name string, s mat.Symmetric, center []float64, bound float64) Constraint {
	return Constraint{
		Name:  name,
		Scale: math.Max(math.Abs(bound), 1e-12),
		Func: func(x []float64) float64 {
			return QuadForm(s, shifted(x, center)) - bound
		},
		Grad: func(grad, x []float64) {
			sx := SymMulVec(nil, s, shifted(x, center))
			for i := range grad {
				grad[i] = 2 * sx[i]
			}
		},
	}
}

// QuadraticLower returns g(x) = bound - (x-c)'S(x-c) <= 0
func QuadraticLower(name string, s mat.Symmetric, center []float64, bound float64) Constraint {
	upper := QuadraticUpper(name, s, center, bound)
	return Constraint{
		Name:  name,
		Scale: upper.Scale,
		Func: func(x []float64) float64 {
			return -upper.Func(x)
		},
		Grad: func(grad, x []float64) {
			upper.Grad(grad, x)
			for i := range grad {
				grad[i] = -grad[i]
			}
		},
	}
}

func shifted(x, center []float64) []float64 {
	if center == nil {
		return x
	}
	return Sub(x, center)
}

// CheckKind is the direction of a feasibility check
type CheckKind string

const (
	CheckUpper CheckKind = "upper"
	CheckLower CheckKind = "lower"
	CheckEqual CheckKind = "equal"
)

// Check is one evaluated constraint in a feasibility report
type Check struct {
	Stage  string    `json:"stage"`
	Name   string    `json:"name"`
	Kind   CheckKind `json:"kind"`
	Value  float64   `json:"value"`
	Bound  float64   `json:"bound"`
	Slack  float64   `json:"slack"`
	Passed bool      `json:"passed"`
}

// UpperCheck records value <= bound
func UpperCheck(stage, name string, value, bound, tol float64) Check {
	slack := bound - value
	return Check{Stage: stage, Name: name, Kind: CheckUpper, Value: value, Bound: bound, Slack: slack, Passed: slack >= -tol}
}

// LowerCheck records value >= bound
func LowerCheck(stage, name string, value, bound, tol float64) Check {
	slack := value - bound
	return Check{Stage: stage, Name: name, Kind: CheckLower, Value: value, Bound: bound, Slack: slack, Passed: slack >= -tol}
}

// boundaryEpsilon absorbs rounding when a value sits exactly on its tolerance edge
const boundaryEpsilon = 1e-9

// EqualCheck records |value - bound| <= tol; slack is the remaining tolerance
func EqualCheck(stage, name string, value, bound, tol float64) Check {
	slack := tol - math.Abs(value-bound)
	return Check{Stage: stage, Name: name, Kind: CheckEqual, Value: value, Bound: bound, Slack: slack, Passed: slack >= -boundaryEpsilon}
}

// WeightChecks records non-negativity and full investment of a weight vector
func WeightChecks(stage string, w []float64, budget float64) []Check {
	minW := math.Inf(1)
	var sum float64
	for _, v := range w {
		minW = math.Min(minW, v)
		sum += v
	}
	if len(w) == 0 {
		minW = 0
	}
	return []Check{
		LowerCheck(stage, "non_negative_weights", minW, NegativeWeightFloor, 0),
		EqualCheck(stage, "full_investment", sum, budget, WeightSumTolerance),
	}
}

// ConstraintsManager evaluates feasibility reports
type ConstraintsManager struct {
	log zerolog.Logger
}

// NewConstraintsManager creates a new constraints manager.
func NewConstraintsManager(log zerolog.Logger) *ConstraintsManager {
	return &ConstraintsManager{
		log: log.With().Str("component", "constraints").Logger(),
	}
}

// Failed returns the failing checks and logs each of them
func (cm *ConstraintsManager) Failed(checks []Check) []Check {
	var failed []Check
	for _, c := range checks {
		if c.Passed {
			continue
		}
		failed = append(failed, c)
		cm.log.Warn().
			Str("stage", c.Stage).
			Str("check", c.Name).
			Float64("value", c.Value).
			Float64("bound", c.Bound).
			Float64("slack", c.Slack).
			Msg("Constraint check failed")
	}
	return failed
}

// ValidateWeights rejects vectors with negative entries or a wrong total
func (cm *ConstraintsManager) ValidateWeights(stage string, w []float64, budget float64) error {
	if failed := cm.Failed(WeightChecks(stage, w, budget)); len(failed) > 0 {
		return fmt.Errorf("%s weights failed %s (value %.10f, bound %.10f)", stage, failed[0].Name, failed[0].Value, failed[0].Bound)
	}
	return nil
}
