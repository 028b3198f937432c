package optimization

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiStart_DeterministicWinner(t *testing.T) {
	p := distanceProblem([]float64{0.2, 0.3, 0.5})
	starts := []Start{
		{Label: "equal", X: []float64{1, 1, 1}},
		{Label: "equal_again", X: []float64{1, 1, 1}},
		{Label: "skewed", X: []float64{0.7, 0.2, 0.1}},
	}

	ms := NewMultiStart(3, zerolog.Nop())
	best, all, err := ms.Run(context.Background(), p, starts, SolverSettings{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	for i, c := range all {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, starts[i].Label, c.Label)
	}
	// Identical starts produce identical objectives; the lower index wins
	assert.NotEqual(t, 1, best.Index)
	assert.InDelta(t, 0.5, best.Solution.X[2], 1e-4)

	again, _, err := ms.Run(context.Background(), p, starts, SolverSettings{})
	require.NoError(t, err)
	assert.Equal(t, best.Index, again.Index)
	assert.Equal(t, best.Solution.X, again.Solution.X)
}

func TestMultiStart_NoAcceptableStart(t *testing.T) {
	p := distanceProblem([]float64{0.5, 0.5})
	p.Constraints = []Constraint{{
		Name:  "impossible",
		Scale: 1,
		Func:  func(x []float64) float64 { return 2 - x[0] - x[1] },
		Grad: func(grad, x []float64) {
			grad[0], grad[1] = -1, -1
		},
	}}

	ms := NewMultiStart(2, zerolog.Nop())
	_, all, err := ms.Run(context.Background(), p, []Start{{X: []float64{0.5, 0.5}}}, SolverSettings{OuterIterations: 5})
	assert.ErrorIs(t, err, ErrNoAcceptableStart)
	require.Len(t, all, 1)
	assert.False(t, all[0].Solution.Feasible)
}

func TestMultiStart_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ms := NewMultiStart(1, zerolog.Nop())
	_, _, err := ms.Run(ctx, distanceProblem([]float64{0.5, 0.5}), []Start{{X: []float64{0.5, 0.5}}}, SolverSettings{})
	assert.ErrorIs(t, err, context.Canceled)
}
