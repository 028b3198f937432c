package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CovarianceFromCorrelation builds diag(vol)·corr·diag(vol).
func CovarianceFromCorrelation(vols []float64, corr [][]float64) (*mat.SymDense, error) {
	n := len(vols)
	if len(corr) != n {
		return nil, fmt.Errorf("correlation matrix has %d rows, expected %d", len(corr), n)
	}
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		if len(corr[i]) != n {
			return nil, fmt.Errorf("correlation row %d has %d columns, expected %d", i, len(corr[i]), n)
		}
		for j := i; j < n; j++ {
			cov.SetSym(i, j, corr[i][j]*vols[i]*vols[j])
		}
	}
	return cov, nil
}

// QuadForm returns x'Sx
func QuadForm(s mat.Symmetric, x []float64) float64 {
	n := s.SymmetricDim()
	var total float64
	for i := 0; i < n; i++ {
		if x[i] == 0 {
			continue
		}
		var row float64
		for j := 0; j < n; j++ {
			row += s.At(i, j) * x[j]
		}
		total += x[i] * row
	}
	return total
}

// SymMulVec writes S·x into dst and returns it; dst is allocated when nil
func SymMulVec(dst []float64, s mat.Symmetric, x []float64) []float64 {
	n := s.SymmetricDim()
	if dst == nil {
		dst = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		var row float64
		for j := 0; j < n; j++ {
			row += s.At(i, j) * x[j]
		}
		dst[i] = row
	}
	return dst
}

// Dot returns a·b
func Dot(a, b []float64) float64 {
	var total float64
	for i := range a {
		total += a[i] * b[i]
	}
	return total
}

// Sub returns a - b as a new slice
func Sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

// Volatility returns sqrt(max(x'Sx, 0))
func Volatility(s mat.Symmetric, x []float64) float64 {
	return math.Sqrt(math.Max(QuadForm(s, x), 0))
}

// SubsetSym extracts the principal submatrix on idx
func SubsetSym(s mat.Symmetric, idx []int) *mat.SymDense {
	out := mat.NewSymDense(len(idx), nil)
	for a, i := range idx {
		for b := a; b < len(idx); b++ {
			out.SetSym(a, b, s.At(i, idx[b]))
		}
	}
	return out
}

// ToRows converts a symmetric matrix to nested slices
func ToRows(s mat.Symmetric) [][]float64 {
	n := s.SymmetricDim()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			rows[i][j] = s.At(i, j)
		}
	}
	return rows
}

// NormalizeNonNegative clips negatives to zero and rescales to budget.
// A vector with no positive mass becomes uniform.
func NormalizeNonNegative(x []float64, budget float64) []float64 {
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		if v > 0 && !math.IsNaN(v) {
			out[i] = v
			sum += v
		}
	}
	if sum <= 0 {
		for i := range out {
			out[i] = budget / float64(len(out))
		}
		return out
	}
	for i := range out {
		out[i] = out[i] / sum * budget
	}
	return out
}
