package saa

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// minClusterWeight floors cluster benchmark weights before renormalization
const minClusterWeight = 1e-4

// clusterSpace maps assets onto clusters by market-weight proportions.
//
//	Ω_ic = w_b,i / Σ_{j∈c} w_b,j   (equal split when the cluster weight is zero)
//	Π    = Ω'ΣΩ
type clusterSpace struct {
	names     []string
	members   [][]int
	omega     *mat.Dense
	pi        *mat.SymDense
	benchmark []float64 // ŵ_b
}

// clusterOrder returns cluster names in order of first appearance and the
// member indices of each
func clusterOrder(clusters []string) ([]string, [][]int) {
	var names []string
	var members [][]int
	pos := make(map[string]int)
	for i, c := range clusters {
		k, ok := pos[c]
		if !ok {
			k = len(names)
			pos[c] = k
			names = append(names, c)
			members = append(members, nil)
		}
		members[k] = append(members[k], i)
	}
	return names, members
}

func newClusterSpace(clusters []string, wb []float64, sigma mat.Symmetric) *clusterSpace {
	names, members := clusterOrder(clusters)
	n, k := len(clusters), len(names)

	omega := mat.NewDense(n, k, nil)
	raw := make([]float64, k)
	for c, idx := range members {
		var total float64
		for _, i := range idx {
			total += wb[i]
		}
		raw[c] = total
		for _, i := range idx {
			if total > 0 {
				omega.Set(i, c, wb[i]/total)
			} else {
				omega.Set(i, c, 1/float64(len(idx)))
			}
		}
	}

	var tmp, prod mat.Dense
	tmp.Mul(omega.T(), sigma)
	prod.Mul(&tmp, omega)
	pi := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			pi.SetSym(a, b, (prod.At(a, b)+prod.At(b, a))/2)
		}
	}

	benchmark := make([]float64, k)
	var sum float64
	for c, v := range raw {
		benchmark[c] = math.Max(minClusterWeight, v)
		sum += benchmark[c]
	}
	for c := range benchmark {
		benchmark[c] /= sum
	}

	return &clusterSpace{names: names, members: members, omega: omega, pi: pi, benchmark: benchmark}
}

// toAssets returns Ω·p
func (cs *clusterSpace) toAssets(p []float64) []float64 {
	n, _ := cs.omega.Dims()
	out := make([]float64, n)
	for c, idx := range cs.members {
		for _, i := range idx {
			out[i] = cs.omega.At(i, c) * p[c]
		}
	}
	return out
}

// aggregate sums asset weights per cluster
func aggregate(w []float64, members [][]int) []float64 {
	out := make([]float64, len(members))
	for c, idx := range members {
		for _, i := range idx {
			out[c] += w[i]
		}
	}
	return out
}

func (cs *clusterSpace) index(name string) int {
	for i, n := range cs.names {
		if n == name {
			return i
		}
	}
	return -1
}
