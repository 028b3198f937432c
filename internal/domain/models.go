// Package domain provides core domain models and types.
package domain

import (
	"strings"
)

// LiquidityCluster is the cluster name that marks the liquidity sleeve.
const LiquidityCluster = "Liquidity"

// IsLiquidityCluster reports whether a cluster name denotes the liquidity sleeve.
func IsLiquidityCluster(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), LiquidityCluster)
}

// AssetClass is one row of the capital market assumptions
type AssetClass struct {
	Name                  string  `json:"name" yaml:"name"`
	Cluster               string  `json:"cluster" yaml:"cluster"`
	MarketWeight          float64 `json:"market_weight" yaml:"market_weight"`
	ExpectedReturn        float64 `json:"expected_return" yaml:"expected_return"`
	ForwardVolatility     float64 `json:"forward_volatility" yaml:"forward_volatility"`
	EquilibriumVolatility float64 `json:"equilibrium_volatility" yaml:"equilibrium_volatility"`
}

// RiskProfile is a named volatility target with its naive benchmark split
type RiskProfile struct {
	Name             string  `json:"name" yaml:"name"`
	TargetVolatility float64 `json:"target_volatility" yaml:"target_volatility"`
	EquityShare      float64 `json:"equity_share" yaml:"equity_share"`
	FixedIncomeShare float64 `json:"fixed_income_share" yaml:"fixed_income_share"`
}

// ConvictionRecord carries the Layer 2 view for one asset class
type ConvictionRecord struct {
	AssetClass       string  `json:"asset_class" yaml:"asset_class"`
	TrackingError    float64 `json:"tracking_error" yaml:"tracking_error"`
	InformationRatio float64 `json:"information_ratio" yaml:"information_ratio"`
	Confidence       float64 `json:"confidence" yaml:"confidence"`
}

// ManagerRecord is a candidate security for an active sleeve
type ManagerRecord struct {
	Identifier       string  `json:"identifier" yaml:"identifier"`
	Name             string  `json:"name,omitempty" yaml:"name,omitempty"`
	AssetClass       string  `json:"asset_class" yaml:"asset_class"`
	TrackingError    float64 `json:"tracking_error" yaml:"tracking_error"`
	InformationRatio float64 `json:"information_ratio" yaml:"information_ratio"`
	Confidence       float64 `json:"confidence" yaml:"confidence"`
}

// ManagerCorrelation is the active-return correlation of two candidates
type ManagerCorrelation struct {
	A           string  `json:"a" yaml:"a"`
	B           string  `json:"b" yaml:"b"`
	Correlation float64 `json:"correlation" yaml:"correlation"`
}

// MarketData is the full input set of one pipeline run.
//
// Correlation matrices are ordered like AssetClasses. Covariances are
// derived from them and the volatility columns.
type MarketData struct {
	AssetClasses           []AssetClass         `json:"asset_classes" yaml:"asset_classes"`
	EquilibriumCorrelation [][]float64          `json:"equilibrium_correlation" yaml:"equilibrium_correlation"`
	ActiveCorrelation      [][]float64          `json:"active_correlation" yaml:"active_correlation"`
	RiskProfiles           []RiskProfile        `json:"risk_profiles" yaml:"risk_profiles"`
	Convictions            []ConvictionRecord   `json:"convictions" yaml:"convictions"`
	Managers               []ManagerRecord      `json:"managers" yaml:"managers"`
	ManagerCorrelations    []ManagerCorrelation `json:"manager_correlations" yaml:"manager_correlations"`
}

// Names returns asset class names in input order
func (m *MarketData) Names() []string {
	names := make([]string, len(m.AssetClasses))
	for i, ac := range m.AssetClasses {
		names[i] = ac.Name
	}
	return names
}

// Clusters returns the cluster label of every asset class
func (m *MarketData) Clusters() []string {
	clusters := make([]string, len(m.AssetClasses))
	for i, ac := range m.AssetClasses {
		clusters[i] = ac.Cluster
	}
	return clusters
}

// MarketWeights returns the market portfolio weights
func (m *MarketData) MarketWeights() []float64 {
	w := make([]float64, len(m.AssetClasses))
	for i, ac := range m.AssetClasses {
		w[i] = ac.MarketWeight
	}
	return w
}

// ExpectedReturns returns the base expected returns
func (m *MarketData) ExpectedReturns() []float64 {
	r := make([]float64, len(m.AssetClasses))
	for i, ac := range m.AssetClasses {
		r[i] = ac.ExpectedReturn
	}
	return r
}

// LiquidityIndex returns the index of the distinguished liquidity asset,
// or -1 when the liquidity cluster is missing or holds more than one asset.
func (m *MarketData) LiquidityIndex() int {
	idx := -1
	for i, ac := range m.AssetClasses {
		if !IsLiquidityCluster(ac.Cluster) {
			continue
		}
		if idx >= 0 {
			return -1
		}
		idx = i
	}
	return idx
}

// Profile looks up a risk profile by name (case-insensitive)
func (m *MarketData) Profile(name string) (RiskProfile, bool) {
	for _, p := range m.RiskProfiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return RiskProfile{}, false
}

// Conviction looks up the conviction record for an asset class
func (m *MarketData) Conviction(assetClass string) (ConvictionRecord, bool) {
	for _, c := range m.Convictions {
		if c.AssetClass == assetClass {
			return c, true
		}
	}
	return ConvictionRecord{}, false
}

// ManagersFor returns the candidates of one asset class in input order
func (m *MarketData) ManagersFor(assetClass string) []ManagerRecord {
	var out []ManagerRecord
	for _, mgr := range m.Managers {
		if mgr.AssetClass == assetClass {
			out = append(out, mgr)
		}
	}
	return out
}

// Weights is an ordered weight vector. Stages emit new vectors and never
// write into a vector they received.
type Weights struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

// NewWeights copies values into a new vector
func NewWeights(names []string, values []float64) Weights {
	n := make([]string, len(names))
	copy(n, names)
	v := make([]float64, len(values))
	copy(v, values)
	return Weights{Names: n, Values: v}
}

// Clone returns a deep copy
func (w Weights) Clone() Weights {
	return NewWeights(w.Names, w.Values)
}

// Sum returns the total weight
func (w Weights) Sum() float64 {
	var s float64
	for _, v := range w.Values {
		s += v
	}
	return s
}

// Get returns the weight for a name, zero when absent
func (w Weights) Get(name string) float64 {
	for i, n := range w.Names {
		if n == name {
			return w.Values[i]
		}
	}
	return 0
}

// Map returns the weights keyed by name
func (w Weights) Map() map[string]float64 {
	m := make(map[string]float64, len(w.Names))
	for i, n := range w.Names {
		m[n] = w.Values[i]
	}
	return m
}
