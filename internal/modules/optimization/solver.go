package optimization

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Constraint is a smooth inequality g(x) <= 0 on the full decision vector.
type Constraint struct {
	Name  string
	Func  func(x []float64) float64
	Grad  func(grad, x []float64) // writes ∂g/∂x into grad
	Scale float64                 // g is divided by Scale before the feasibility test; 1 when zero
}

func (c Constraint) scale() float64 {
	if c.Scale > 0 {
		return c.Scale
	}
	return 1
}

// Problem is a smooth minimization over the scaled simplex
// {x >= 0, sum(x) = Budget} with optional coordinates fixed at zero and
// inequality constraints.
type Problem struct {
	Dim         int
	Budget      float64 // 1 when zero
	Fixed       []bool  // coordinates pinned at zero; nil for none
	Objective   func(x []float64) float64
	Gradient    func(grad, x []float64)
	Constraints []Constraint
}

func (p Problem) budget() float64 {
	if p.Budget > 0 {
		return p.Budget
	}
	return 1
}

func (p Problem) freeIndices() []int {
	free := make([]int, 0, p.Dim)
	for i := 0; i < p.Dim; i++ {
		if p.Fixed != nil && p.Fixed[i] {
			continue
		}
		free = append(free, i)
	}
	return free
}

// SolverSettings bounds one solve
type SolverSettings struct {
	MaxIterations        int     // major iterations per inner solve
	Tolerance            float64 // function and gradient convergence tolerance
	FeasibilityTolerance float64 // max scaled constraint violation accepted
	OuterIterations      int     // augmented Lagrangian rounds
}

func (s SolverSettings) withDefaults() SolverSettings {
	if s.MaxIterations <= 0 {
		s.MaxIterations = 500
	}
	if s.Tolerance <= 0 {
		s.Tolerance = 1e-8
	}
	if s.FeasibilityTolerance <= 0 {
		s.FeasibilityTolerance = 1e-7
	}
	if s.OuterIterations <= 0 {
		s.OuterIterations = 50
	}
	return s
}

// Solution is the outcome of one solve
type Solution struct {
	X            []float64          `json:"x"`
	Objective    float64            `json:"objective"`
	Converged    bool               `json:"converged"`
	Feasible     bool               `json:"feasible"`
	MaxViolation float64            `json:"max_violation"`
	Constraints  map[string]float64 `json:"constraints"` // raw g(x) per constraint
	Iterations   int                `json:"iterations"`
	Rounds       int                `json:"rounds"`
	Status       string             `json:"status"`
}

// Accept various successful convergence statuses
var acceptedStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
	optimize.StepConvergence:     true,
	optimize.MethodConverge:      true,
}

// stalled reports a line search that could not improve further; the best
// point found is still returned by gonum and is treated as stationary.
func stalled(err error) bool {
	return errors.Is(err, optimize.ErrNoProgress) || errors.Is(err, optimize.ErrLinesearcherFailure)
}

const (
	initialPenalty = 10.0
	maxPenalty     = 1e10
	zeroCutoff     = 1e-12
)

// Solve minimizes p from start.
//
// The simplex is handled by a softmax parametrization of the free
// coordinates; inequalities by a PHR augmented Lagrangian whose inner
// problems are solved with BFGS, falling back to Nelder-Mead when BFGS
// ends in an unaccepted state. Non-convergence is reported in the
// Solution, not as an error; errors mean the problem is malformed.
func Solve(p Problem, start []float64, s SolverSettings) (Solution, error) {
	if p.Dim <= 0 {
		return Solution{}, fmt.Errorf("problem dimension must be positive")
	}
	if len(start) != p.Dim {
		return Solution{}, fmt.Errorf("start has %d coordinates, expected %d", len(start), p.Dim)
	}
	if p.Fixed != nil && len(p.Fixed) != p.Dim {
		return Solution{}, fmt.Errorf("fixed mask has %d coordinates, expected %d", len(p.Fixed), p.Dim)
	}
	if p.Objective == nil || p.Gradient == nil {
		return Solution{}, fmt.Errorf("objective and gradient are required")
	}
	s = s.withDefaults()
	budget := p.budget()
	free := p.freeIndices()
	if len(free) == 0 {
		return Solution{}, fmt.Errorf("every coordinate is fixed")
	}

	if len(free) == 1 {
		x := make([]float64, p.Dim)
		x[free[0]] = budget
		return p.finish(x, optimize.Success, 0, 0, s), nil
	}

	toX := func(z []float64) []float64 {
		x := make([]float64, p.Dim)
		maxZ := math.Inf(-1)
		for _, v := range z {
			maxZ = math.Max(maxZ, v)
		}
		var sum float64
		for a, i := range free {
			x[i] = math.Exp(z[a] - maxZ)
			sum += x[i]
		}
		for _, i := range free {
			x[i] = x[i] / sum * budget
		}
		return x
	}

	x0 := NormalizeNonNegative(maskFixed(start, p.Fixed), budget)
	z := make([]float64, len(free))
	for a, i := range free {
		z[a] = math.Log(math.Max(x0[i]/budget, zeroCutoff))
	}

	objScale := math.Max(math.Abs(p.Objective(x0)), 1e-6)
	mu := make([]float64, len(p.Constraints))
	rho := initialPenalty

	lagrangian := optimize.Problem{
		Func: func(z []float64) float64 {
			x := toX(z)
			val := p.Objective(x) / objScale
			for k, c := range p.Constraints {
				g := c.Func(x) / c.scale()
				t := math.Max(0, mu[k]+rho*g)
				val += (t*t - mu[k]*mu[k]) / (2 * rho)
			}
			return val
		},
		Grad: func(grad, z []float64) {
			x := toX(z)
			gx := make([]float64, p.Dim)
			p.Gradient(gx, x)
			for i := range gx {
				gx[i] /= objScale
			}
			cg := make([]float64, p.Dim)
			for k, c := range p.Constraints {
				g := c.Func(x) / c.scale()
				t := math.Max(0, mu[k]+rho*g)
				if t == 0 {
					continue
				}
				for i := range cg {
					cg[i] = 0
				}
				c.Grad(cg, x)
				for i := range gx {
					gx[i] += t * cg[i] / c.scale()
				}
			}
			// Chain rule through the softmax
			var dot float64
			for _, i := range free {
				dot += gx[i] * x[i]
			}
			for a, i := range free {
				grad[a] = x[i] * (gx[i] - dot/budget)
			}
		},
	}

	var (
		iterations int
		rounds     int
		status     optimize.Status
		innerOK    bool
		prevViol   = math.Inf(1)
		prevF      = math.Inf(1)
	)
	for round := 0; round < s.OuterIterations; round++ {
		rounds = round + 1
		res, err := minimizeInner(lagrangian, z, s)
		if res == nil {
			return Solution{}, fmt.Errorf("inner solve failed: %w", err)
		}
		iterations += res.MajorIterations
		status = res.Status
		innerOK = acceptedStatuses[res.Status] || stalled(err)
		if finite(res.X) {
			copy(z, res.X)
		}

		x := toX(z)
		f := p.Objective(x)
		maxViol := 0.0
		complementary := true
		for k, c := range p.Constraints {
			g := c.Func(x) / c.scale()
			maxViol = math.Max(maxViol, g)
			next := math.Max(0, mu[k]+rho*g)
			if math.Abs(math.Min(-g, next)) > math.Sqrt(s.FeasibilityTolerance) {
				complementary = false
			}
			mu[k] = next
		}

		if len(p.Constraints) == 0 {
			break
		}
		if maxViol <= s.FeasibilityTolerance && complementary &&
			math.Abs(f-prevF) <= s.Tolerance*(1+math.Abs(f)) {
			break
		}
		if maxViol > 0.25*prevViol {
			rho = math.Min(rho*10, maxPenalty)
		}
		prevViol = maxViol
		prevF = f
	}

	sol := p.finish(toX(z), status, iterations, rounds, s)
	sol.Converged = sol.Converged && innerOK
	return sol, nil
}

// finish cleans the point and evaluates objective and constraints on it.
func (p Problem) finish(x []float64, status optimize.Status, iterations, rounds int, s SolverSettings) Solution {
	budget := p.budget()
	for i, v := range x {
		if v < zeroCutoff*budget {
			x[i] = 0
		}
	}
	x = NormalizeNonNegative(x, budget)

	sol := Solution{
		X:           x,
		Objective:   p.Objective(x),
		Constraints: make(map[string]float64, len(p.Constraints)),
		Iterations:  iterations,
		Rounds:      rounds,
		Status:      status.String(),
	}
	for _, c := range p.Constraints {
		g := c.Func(x)
		sol.Constraints[c.Name] = g
		sol.MaxViolation = math.Max(sol.MaxViolation, g/c.scale())
	}
	sol.Feasible = sol.MaxViolation <= s.FeasibilityTolerance
	sol.Converged = status != optimize.IterationLimit && !math.IsNaN(sol.Objective)
	return sol
}

func minimizeInner(prob optimize.Problem, z0 []float64, s SolverSettings) (*optimize.Result, error) {
	settings := &optimize.Settings{
		MajorIterations:   s.MaxIterations,
		GradientThreshold: s.Tolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.Tolerance * 1e-2,
			Relative:   s.Tolerance,
			Iterations: 20,
		},
	}
	result, err := optimize.Minimize(prob, z0, settings, &optimize.BFGS{})
	if result != nil && (acceptedStatuses[result.Status] || stalled(err)) {
		return result, err
	}

	// Try with different method
	from := z0
	if result != nil && finite(result.X) {
		from = result.X
	}
	fallback, fbErr := optimize.Minimize(prob, from, &optimize.Settings{
		MajorIterations: s.MaxIterations * 4,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.Tolerance * 1e-2,
			Relative:   s.Tolerance,
			Iterations: 50,
		},
	}, &optimize.NelderMead{})
	if fallback == nil {
		return result, err
	}
	if result == nil || !finite(result.X) || fallback.F <= result.F {
		return fallback, fbErr
	}
	return result, err
}

func maskFixed(x []float64, fixed []bool) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	for i := range out {
		if fixed != nil && fixed[i] {
			out[i] = 0
		}
	}
	return out
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return len(x) > 0
}
