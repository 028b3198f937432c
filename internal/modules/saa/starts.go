package saa

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/aristath/saa/internal/modules/optimization"
	"gonum.org/v1/gonum/stat/distuv"
)

// startSource returns the deterministic random source of start index i
func startSource(seed int64, i int) rand.Source {
	return rand.NewPCG(uint64(seed), uint64(i))
}

// randomSimplex draws a flat Dirichlet point of dimension n
func randomSimplex(n int, src rand.Source) []float64 {
	g := distuv.Gamma{Alpha: 1, Beta: 1, Src: src}
	x := make([]float64, n)
	for i := range x {
		x[i] = g.Rand()
	}
	return optimization.NormalizeNonNegative(x, 1)
}

// perturb adds N(0, sigma) noise to x, clips at zero and renormalizes
func perturb(x []float64, sigma float64, src rand.Source) []float64 {
	noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v + noise.Rand()
	}
	return optimization.NormalizeNonNegative(out, 1)
}

// tilt adds step·rank(r_i)/(n-1) to x and renormalizes, favouring high returns
func tilt(x, r []float64, step float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	copy(out, x)
	if n < 2 {
		return out
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return r[order[a]] < r[order[b]] })
	for rank, i := range order {
		out[i] += step * float64(rank) / float64(n-1)
	}
	return optimization.NormalizeNonNegative(out, 1)
}

func uniform(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = 1 / float64(n)
	}
	return x
}

func midpoint(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}

// StartDiagnostic summarizes one multi-start candidate
type StartDiagnostic struct {
	Index        int     `json:"index"`
	Label        string  `json:"label"`
	Objective    float64 `json:"objective"`
	Converged    bool    `json:"converged"`
	Feasible     bool    `json:"feasible"`
	MaxViolation float64 `json:"max_violation"`
	Iterations   int     `json:"iterations"`
	Status       string  `json:"status"`
	Selected     bool    `json:"selected"`
}

func diagnostics(all []optimization.Candidate, winner int) []StartDiagnostic {
	out := make([]StartDiagnostic, len(all))
	for i, c := range all {
		out[i] = StartDiagnostic{
			Index:        c.Index,
			Label:        c.Label,
			Objective:    finiteOrZero(c.Solution.Objective),
			Converged:    c.Solution.Converged,
			Feasible:     c.Solution.Feasible,
			MaxViolation: finiteOrZero(c.Solution.MaxViolation),
			Iterations:   c.Solution.Iterations,
			Status:       c.Solution.Status,
			Selected:     i == winner,
		}
		if c.Err != nil {
			out[i].Status = c.Err.Error()
		}
	}
	return out
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
