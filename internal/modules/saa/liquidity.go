package saa

import (
	"math"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/modules/optimization"
)

// liquidityPin maps a decision vector to the implemented portfolio.
//
// In rescale mode (fixed_post) the decision vector sums to one and the
// implemented portfolio sets p_L = L and p_j = x_j (1-L)/(1-x_L) elsewhere.
// Otherwise (exclude_then_add) the decision vector already sums to 1-L with
// x_L fixed at zero, and p_L = L is simply appended.
type liquidityPin struct {
	index   int
	target  float64
	rescale bool
}

const minFreeMass = 1e-9

func (m liquidityPin) scale(x []float64) float64 {
	return (1 - m.target) / math.Max(1-x[m.index], minFreeMass)
}

// apply returns the implemented portfolio for x
func (m liquidityPin) apply(x []float64) []float64 {
	p := make([]float64, len(x))
	s := 1.0
	if m.rescale {
		s = m.scale(x)
	}
	for j, v := range x {
		p[j] = v * s
	}
	p[m.index] = m.target
	return p
}

// pullback writes J(x)'v into dst, J being the Jacobian of apply
func (m liquidityPin) pullback(dst, x, v []float64) {
	if !m.rescale {
		copy(dst, v)
		dst[m.index] = 0
		return
	}
	s := m.scale(x)
	free := math.Max(1-x[m.index], minFreeMass)
	var chain float64
	for j := range x {
		if j == m.index {
			continue
		}
		dst[j] = s * v[j]
		chain += v[j] * x[j]
	}
	dst[m.index] = chain * (1 - m.target) / (free * free)
}

// constraint evaluates c on the implemented portfolio
func (m liquidityPin) constraint(c optimization.Constraint) optimization.Constraint {
	return optimization.Constraint{
		Name:  c.Name,
		Scale: c.Scale,
		Func: func(x []float64) float64 {
			return c.Func(m.apply(x))
		},
		Grad: func(grad, x []float64) {
			v := make([]float64, len(x))
			c.Grad(v, m.apply(x))
			m.pullback(grad, x, v)
		},
	}
}

// liquidityIndex resolves the distinguished liquidity asset for a mode.
// It returns -1 for mode none.
func liquidityIndex(md *domain.MarketData, mode config.LiquidityMode, stage string) (int, error) {
	if mode == config.LiquidityNone {
		return -1, nil
	}
	idx := md.LiquidityIndex()
	if idx < 0 {
		return -1, domain.NewError(domain.KindLiquidityModeMismatch, stage,
			"liquidity mode "+string(mode)+" requires exactly one asset in the "+domain.LiquidityCluster+" cluster")
	}
	return idx, nil
}
