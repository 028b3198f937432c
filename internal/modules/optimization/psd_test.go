package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRepairPSD_ShiftsNegativeEigenvalue(t *testing.T) {
	// Eigenvalues 0.04 and -0.001
	cov := mat.NewSymDense(2, []float64{
		0.0195, 0.0205,
		0.0205, 0.0195,
	})

	repaired, rep, err := RepairPSD(cov, 1e-8)
	require.NoError(t, err)

	assert.True(t, rep.Applied())
	assert.GreaterOrEqual(t, rep.Shift, 0.001)
	assert.InDelta(t, -0.001, rep.MinEigenvalue, 1e-12)
	assert.InDelta(t, 0.0195+rep.Shift, repaired.At(0, 0), 1e-15)
	assert.Equal(t, 0.0205, repaired.At(0, 1))
	assert.Greater(t, rep.ConditionNumber, 1.0)

	// Input untouched
	assert.Equal(t, 0.0195, cov.At(0, 0))

	var eig mat.EigenSym
	require.True(t, eig.Factorize(repaired, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestRepairPSD_LeavesPositiveDefiniteAlone(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{
		0.04, 0.01,
		0.01, 0.09,
	})
	repaired, rep, err := RepairPSD(cov, 1e-8)
	require.NoError(t, err)
	assert.False(t, rep.Applied())
	assert.Equal(t, 0.0, rep.Shift)
	assert.True(t, mat.Equal(cov, repaired))
}

func TestCovarianceFromCorrelation(t *testing.T) {
	cov, err := CovarianceFromCorrelation([]float64{0.1, 0.2}, [][]float64{{1, 0.5}, {0.5, 1}})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cov.At(0, 0), 1e-15)
	assert.InDelta(t, 0.01, cov.At(0, 1), 1e-15)
	assert.InDelta(t, 0.04, cov.At(1, 1), 1e-15)

	_, err = CovarianceFromCorrelation([]float64{0.1, 0.2}, [][]float64{{1, 0.5}})
	assert.Error(t, err)
}
