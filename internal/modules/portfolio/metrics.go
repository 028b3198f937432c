package portfolio

import (
	"math"

	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/modules/activerisk"
)

// ClassMetrics are the implemented return and risk of one asset class
type ClassMetrics struct {
	AssetClass     string  `json:"asset_class"`
	Weight         float64 `json:"weight"`
	Active         float64 `json:"active"`
	BaseReturn     float64 `json:"base_return"`
	ManagerAlpha   float64 `json:"manager_alpha"`
	ExpectedReturn float64 `json:"expected_return"` // r_i + a_i·Σ m·IR·TE
	SleeveTE       float64 `json:"sleeve_tracking_error"`
	Volatility     float64 `json:"volatility"`
}

// PortfolioMetrics are the portfolio-level figures derived from class metrics
type PortfolioMetrics struct {
	ExpectedReturn float64        `json:"expected_return"`
	Volatility     float64        `json:"volatility"`
	Classes        []ClassMetrics `json:"classes"`
}

// Metrics evaluates implemented portfolios against fixed market inputs and
// realized sleeve tracking errors
type Metrics struct {
	names       []string
	index       map[string]int
	returns     []float64
	passiveVols []float64
	correlation [][]float64
	sleeveTE    []float64
}

// NewMetrics binds the dataset and the realized tracking error of every
// active sleeve, keyed by asset class
func NewMetrics(ds *marketdata.Dataset, sleeveTE map[string]float64) *Metrics {
	md := ds.Data
	n := ds.N()
	m := &Metrics{
		names:       md.Names(),
		index:       make(map[string]int, n),
		returns:     md.ExpectedReturns(),
		passiveVols: make([]float64, n),
		correlation: md.ActiveCorrelation,
		sleeveTE:    make([]float64, n),
	}
	for i, ac := range md.AssetClasses {
		m.index[ac.Name] = i
		m.passiveVols[i] = ac.ForwardVolatility
		m.sleeveTE[i] = sleeveTE[ac.Name]
	}
	return m
}

// Compute returns portfolio metrics for class weights w, active proportions
// a and manager alphas (Σ m·IR·TE per sleeve), all ordered like the dataset
func (m *Metrics) Compute(w, a, alpha []float64) PortfolioMetrics {
	n := len(m.names)
	out := PortfolioMetrics{Classes: make([]ClassMetrics, n)}
	vols := make([]float64, n)
	for i := 0; i < n; i++ {
		c := ClassMetrics{
			AssetClass:   m.names[i],
			Weight:       w[i],
			Active:       a[i],
			BaseReturn:   m.returns[i],
			ManagerAlpha: alpha[i],
			SleeveTE:     m.sleeveTE[i],
		}
		c.ExpectedReturn = c.BaseReturn + c.Active*c.ManagerAlpha
		c.Volatility = activerisk.BlendedVolatility(m.passiveVols[i], c.SleeveTE, c.Active)
		vols[i] = c.Volatility
		out.ExpectedReturn += c.Weight * c.ExpectedReturn
		out.Classes[i] = c
	}

	var variance float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += w[i] * w[j] * vols[i] * vols[j] * m.correlation[i][j]
		}
	}
	out.Volatility = math.Sqrt(math.Max(variance, 0))
	return out
}

// Recompute derives class weights, active proportions and manager alphas
// from assembled vehicle rows and evaluates them. Applied to the rows of an
// assembled result it reproduces the reported figures.
func (m *Metrics) Recompute(rows []Row) PortfolioMetrics {
	n := len(m.names)
	w := make([]float64, n)
	active := make([]float64, n)
	weightedAlpha := make([]float64, n)
	for _, r := range rows {
		i, ok := m.index[r.AssetClass]
		if !ok {
			continue
		}
		w[i] += r.Weight
		if r.VehicleType == VehicleActive {
			active[i] += r.Weight
			weightedAlpha[i] += r.Weight * r.InformationRatio * r.TrackingError
		}
	}

	a := make([]float64, n)
	alpha := make([]float64, n)
	for i := range w {
		if w[i] > 0 {
			a[i] = active[i] / w[i]
		}
		if active[i] > 0 {
			alpha[i] = weightedAlpha[i] / active[i]
		}
	}
	return m.Compute(w, a, alpha)
}
