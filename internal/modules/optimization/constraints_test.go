package optimization

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuadraticConstraints(t *testing.T) {
	cov, err := CovarianceFromCorrelation([]float64{0.2, 0.1}, [][]float64{{1, 0}, {0, 1}})
	require.NoError(t, err)

	upper := QuadraticUpper("risk", cov, nil, 0.01)
	lower := QuadraticLower("risk_floor", cov, nil, 0.01)
	x := []float64{0.5, 0.5}
	// x'Σx = 0.25·0.04 + 0.25·0.01 = 0.0125
	assert.InDelta(t, 0.0025, upper.Func(x), 1e-15)
	assert.InDelta(t, -0.0025, lower.Func(x), 1e-15)

	grad := make([]float64, 2)
	upper.Grad(grad, x)
	assert.InDelta(t, 0.04, grad[0], 1e-15)
	assert.InDelta(t, 0.01, grad[1], 1e-15)

	centered := QuadraticUpper("te", cov, []float64{0.5, 0.5}, 0.0)
	assert.InDelta(t, 0.0, centered.Func(x), 1e-15)
}

func TestConstraintsManager_ValidateWeights(t *testing.T) {
	cm := NewConstraintsManager(zerolog.Nop())
	assert.NoError(t, cm.ValidateWeights("test", []float64{0.25, 0.75}, 1))
	assert.Error(t, cm.ValidateWeights("test", []float64{0.25, 0.70}, 1))
	assert.Error(t, cm.ValidateWeights("test", []float64{-0.01, 1.01}, 1))
}

func TestChecks(t *testing.T) {
	up := UpperCheck("dynamic", "total_risk", 0.0101, 0.01, CheckTolerance)
	assert.False(t, up.Passed)
	assert.InDelta(t, -0.0001, up.Slack, 1e-15)

	low := LowerCheck("equilibrium", "risk_band_lower", 0.0081, 0.0080, CheckTolerance)
	assert.True(t, low.Passed)

	eq := EqualCheck("dynamic", "full_investment", 1.0000001, 1, WeightSumTolerance)
	assert.True(t, eq.Passed)
	assert.Equal(t, CheckEqual, eq.Kind)

	checks := WeightChecks("layer2", []float64{0.6, 0.4}, 1)
	require.Len(t, checks, 2)
	for _, c := range checks {
		assert.True(t, c.Passed, c.Name)
	}
}

func TestEqualCheck_ToleranceEdge(t *testing.T) {
	// A single-candidate sleeve lands exactly one tolerance away from its target
	edge := EqualCheck("manager_selection", "tracking_error_target:EM Equities", 0.05+0.01+1e-13, 0.05, 0.01)
	assert.True(t, edge.Passed)
	assert.InDelta(t, 0, edge.Slack, 1e-12)

	beyond := EqualCheck("manager_selection", "tracking_error_target:EM Equities", 0.0601, 0.05, 0.01)
	assert.False(t, beyond.Passed)
}

func TestConstraintsManager_Failed(t *testing.T) {
	cm := NewConstraintsManager(zerolog.Nop())
	checks := []Check{
		UpperCheck("s", "a", 1, 2, 0),
		UpperCheck("s", "b", 3, 2, 0),
	}
	failed := cm.Failed(checks)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Name)
}
