package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rs/zerolog"
)

// ActiveViews are absolute views on active (benchmark-relative) returns,
// one per asset: q_i = IR_i × TE_i with confidence c_i.
type ActiveViews struct {
	TrackingErrors    []float64
	InformationRatios []float64
	Confidences       []float64
	Correlation       [][]float64 // active-return correlation, ordered like the views
}

// Posterior is the Black-Litterman output for active returns
type Posterior struct {
	Views      []float64     `json:"views"`
	Returns    []float64     `json:"returns"`
	Covariance *mat.SymDense `json:"-"` // Corr ⊙ (TE TE')
	Pseudo     bool          `json:"pseudo_inverse"`
}

// BlackLitterman blends a zero active-return prior with conviction views
type BlackLitterman struct {
	tau           float64
	minConfidence float64
	log           zerolog.Logger
}

// NewBlackLitterman creates a Black-Litterman blender.
// tau scales the prior covariance; confidences below minConfidence are raised to it.
func NewBlackLitterman(tau, minConfidence float64, log zerolog.Logger) *BlackLitterman {
	return &BlackLitterman{
		tau:           tau,
		minConfidence: minConfidence,
		log:           log.With().Str("component", "black_litterman").Logger(),
	}
}

// Blend computes posterior active returns with P = I and a zero prior:
//
//	E[α] = τΣ (τΣ + Ω)^-1 q,   Ω = diag(Σ_ii / c_i²)
//
// A pseudo-inverse is used when τΣ + Ω is singular (e.g. zero tracking error).
func (bl *BlackLitterman) Blend(v ActiveViews) (*Posterior, error) {
	n := len(v.TrackingErrors)
	if n == 0 {
		return nil, fmt.Errorf("no views provided")
	}
	if len(v.InformationRatios) != n || len(v.Confidences) != n {
		return nil, fmt.Errorf("view vectors have mismatched lengths")
	}

	cov, err := CovarianceFromCorrelation(v.TrackingErrors, v.Correlation)
	if err != nil {
		return nil, fmt.Errorf("failed to build active covariance: %w", err)
	}

	q := mat.NewVecDense(n, nil)
	views := make([]float64, n)
	for i := 0; i < n; i++ {
		views[i] = v.InformationRatios[i] * v.TrackingErrors[i]
		q.SetVec(i, views[i])
	}

	// Calculate τΣ
	prior := mat.NewSymDense(n, nil)
	prior.ScaleSym(bl.tau, cov)

	// M = τΣ + Ω
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.Set(i, j, prior.At(i, j))
		}
		conf := math.Max(v.Confidences[i], bl.minConfidence)
		m.Set(i, i, m.At(i, i)+cov.At(i, i)/(conf*conf))
	}

	// y = M^-1 q
	var y mat.Dense
	pseudo := false
	if err := y.Solve(m, q); err != nil {
		bl.log.Debug().Err(err).Msg("Falling back to pseudo-inverse")
		pseudo = true
		var svd mat.SVD
		if ok := svd.Factorize(m, mat.SVDThin); !ok {
			return nil, fmt.Errorf("failed to factorize τΣ + Ω")
		}
		rank := svd.Rank(1e-12)
		if rank == 0 {
			y.ReuseAs(n, 1)
			y.Zero()
		} else {
			svd.SolveTo(&y, q, rank)
		}
	}

	var posterior mat.VecDense
	posterior.MulVec(prior, y.ColView(0))

	returns := make([]float64, n)
	for i := 0; i < n; i++ {
		returns[i] = posterior.AtVec(i)
	}

	return &Posterior{
		Views:      views,
		Returns:    returns,
		Covariance: cov,
		Pseudo:     pseudo,
	}, nil
}
