package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Repair describes the diagonal shift applied to make a covariance positive definite
type Repair struct {
	Shift           float64 `json:"shift"`
	MinEigenvalue   float64 `json:"min_eigenvalue"`
	ConditionNumber float64 `json:"condition_number"`
}

// Applied reports whether the matrix was changed
func (r Repair) Applied() bool {
	return r.Shift > 0
}

// RepairPSD returns a copy of cov whose smallest eigenvalue is at least
// minEigenvalue, obtained by the smallest uniform diagonal shift. The input
// is never modified.
func RepairPSD(cov mat.Symmetric, minEigenvalue float64) (*mat.SymDense, Repair, error) {
	n := cov.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(cov)

	var eig mat.EigenSym
	if ok := eig.Factorize(out, false); !ok {
		return nil, Repair{}, fmt.Errorf("eigendecomposition failed")
	}
	values := eig.Values(nil)
	minEig, maxEig := values[0], values[0]
	for _, v := range values {
		minEig = math.Min(minEig, v)
		maxEig = math.Max(maxEig, v)
	}

	rep := Repair{MinEigenvalue: minEig}
	if minEig < minEigenvalue {
		rep.Shift = minEigenvalue - minEig
		for i := 0; i < n; i++ {
			out.SetSym(i, i, out.At(i, i)+rep.Shift)
		}
		minEig += rep.Shift
		maxEig += rep.Shift
	}

	if minEig > 0 {
		rep.ConditionNumber = maxEig / minEig
	} else {
		rep.ConditionNumber = math.Inf(1)
	}
	return out, rep, nil
}
