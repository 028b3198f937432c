package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// distanceProblem minimizes |x - target|² on the simplex
func distanceProblem(target []float64) Problem {
	return Problem{
		Dim: len(target),
		Objective: func(x []float64) float64 {
			var f float64
			for i := range x {
				d := x[i] - target[i]
				f += d * d
			}
			return f
		},
		Gradient: func(grad, x []float64) {
			for i := range x {
				grad[i] = 2 * (x[i] - target[i])
			}
		},
	}
}

func assertOnSimplex(t *testing.T, x []float64, budget float64) {
	t.Helper()
	var sum float64
	for _, v := range x {
		assert.GreaterOrEqual(t, v, -1e-9)
		sum += v
	}
	assert.InDelta(t, budget, sum, 1e-6)
}

func TestSolve_InteriorOptimum(t *testing.T) {
	p := distanceProblem([]float64{0.2, 0.3, 0.5})
	sol, err := Solve(p, []float64{1, 1, 1}, SolverSettings{})
	require.NoError(t, err)

	assert.True(t, sol.Converged)
	assert.True(t, sol.Feasible)
	assertOnSimplex(t, sol.X, 1)
	assert.InDelta(t, 0.2, sol.X[0], 1e-4)
	assert.InDelta(t, 0.3, sol.X[1], 1e-4)
	assert.InDelta(t, 0.5, sol.X[2], 1e-4)
}

func TestSolve_InequalityBindsAtBound(t *testing.T) {
	p := Problem{
		Dim: 3,
		Objective: func(x []float64) float64 {
			return -x[0]
		},
		Gradient: func(grad, x []float64) {
			grad[0], grad[1], grad[2] = -1, 0, 0
		},
		Constraints: []Constraint{{
			Name:  "cap_first",
			Scale: 0.3,
			Func:  func(x []float64) float64 { return x[0] - 0.3 },
			Grad: func(grad, x []float64) {
				grad[0] = 1
			},
		}},
	}

	sol, err := Solve(p, []float64{0.1, 0.45, 0.45}, SolverSettings{})
	require.NoError(t, err)

	assert.True(t, sol.Converged)
	assert.True(t, sol.Feasible)
	assertOnSimplex(t, sol.X, 1)
	assert.InDelta(t, 0.3, sol.X[0], 1e-4)
	assert.LessOrEqual(t, sol.Constraints["cap_first"], 1e-6)
}

func TestSolve_BudgetAndFixedCoordinates(t *testing.T) {
	p := distanceProblem([]float64{0.1, 0.5, 0.4})
	p.Budget = 0.98
	p.Fixed = []bool{false, true, false}

	sol, err := Solve(p, []float64{0.3, 0.3, 0.3}, SolverSettings{})
	require.NoError(t, err)

	assert.Equal(t, 0.0, sol.X[1])
	assertOnSimplex(t, sol.X, 0.98)
}

func TestSolve_SingleFreeCoordinate(t *testing.T) {
	p := distanceProblem([]float64{0.5, 0.5})
	p.Fixed = []bool{true, false}

	sol, err := Solve(p, []float64{0.5, 0.5}, SolverSettings{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, sol.X)
	assert.True(t, sol.Converged)
}

func TestSolve_RejectsMalformedProblems(t *testing.T) {
	p := distanceProblem([]float64{0.5, 0.5})

	_, err := Solve(p, []float64{1}, SolverSettings{})
	assert.Error(t, err)

	p.Fixed = []bool{true, true}
	_, err = Solve(p, []float64{0.5, 0.5}, SolverSettings{})
	assert.Error(t, err)

	_, err = Solve(Problem{Dim: 2}, []float64{0.5, 0.5}, SolverSettings{})
	assert.Error(t, err)
}
