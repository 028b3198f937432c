// Package marketdata loads, validates and prepares the capital market
// assumptions consumed by the allocation layers.
package marketdata

import (
	"math"
	"strings"

	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/modules/optimization"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Validation tolerances
const (
	MarketWeightTolerance = 1e-3 // market weights are renormalized inside this band
	SymmetryTolerance     = 1e-8
	UnitDiagonalTolerance = 1e-6
)

// Dataset is validated market data with its derived covariances.
// It is read-only once prepared.
type Dataset struct {
	Data         *domain.MarketData
	Sigma        *mat.SymDense // equilibrium covariance D_eq·C_eq·D_eq
	ActiveSigma  *mat.SymDense // forward covariance D_fwd·C_act·D_fwd
	SigmaRepair  optimization.Repair
	ActiveRepair optimization.Repair
	Warnings     []domain.Warning
}

// N returns the number of asset classes
func (d *Dataset) N() int {
	return len(d.Data.AssetClasses)
}

// Preparer validates market data and builds covariances
type Preparer struct {
	minEigenvalue float64
	log           zerolog.Logger
}

// NewPreparer creates a preparer that repairs covariances to minEigenvalue
func NewPreparer(minEigenvalue float64, log zerolog.Logger) *Preparer {
	return &Preparer{
		minEigenvalue: minEigenvalue,
		log:           log.With().Str("component", "marketdata").Logger(),
	}
}

// Prepare validates md and returns a dataset built on a normalized copy.
// md itself is never modified.
func (p *Preparer) Prepare(md *domain.MarketData) (*Dataset, error) {
	if md == nil {
		return nil, domain.Validationf("market data is required")
	}
	data := clone(md)

	if err := validateAssetClasses(data); err != nil {
		return nil, err
	}
	if err := normalizeMarketWeights(data); err != nil {
		return nil, err
	}
	n := len(data.AssetClasses)
	if err := validateCorrelation("equilibrium correlation", data.EquilibriumCorrelation, n); err != nil {
		return nil, err
	}
	if err := validateCorrelation("active correlation", data.ActiveCorrelation, n); err != nil {
		return nil, err
	}
	if err := validateProfiles(data); err != nil {
		return nil, err
	}
	if err := validateConvictions(data); err != nil {
		return nil, err
	}
	if err := validateManagers(data); err != nil {
		return nil, err
	}

	ds := &Dataset{Data: data}

	eqVols := make([]float64, n)
	fwdVols := make([]float64, n)
	for i, ac := range data.AssetClasses {
		eqVols[i] = ac.EquilibriumVolatility
		fwdVols[i] = ac.ForwardVolatility
	}

	var err error
	ds.Sigma, ds.SigmaRepair, err = p.covariance("equilibrium", eqVols, data.EquilibriumCorrelation, &ds.Warnings)
	if err != nil {
		return nil, err
	}
	ds.ActiveSigma, ds.ActiveRepair, err = p.covariance("active", fwdVols, data.ActiveCorrelation, &ds.Warnings)
	if err != nil {
		return nil, err
	}

	p.log.Debug().
		Int("asset_classes", n).
		Int("managers", len(data.Managers)).
		Int("warnings", len(ds.Warnings)).
		Msg("Market data prepared")

	return ds, nil
}

func (p *Preparer) covariance(name string, vols []float64, corr [][]float64, warnings *[]domain.Warning) (*mat.SymDense, optimization.Repair, error) {
	raw, err := optimization.CovarianceFromCorrelation(vols, corr)
	if err != nil {
		return nil, optimization.Repair{}, domain.Validationf("%s covariance: %v", name, err)
	}
	repaired, rep, err := optimization.RepairPSD(raw, p.minEigenvalue)
	if err != nil {
		return nil, optimization.Repair{}, domain.NewError(domain.KindInputValidation, "loader", name+" covariance could not be factorized").Wrap(err)
	}
	if rep.Applied() {
		p.log.Warn().
			Str("matrix", name).
			Float64("shift", rep.Shift).
			Float64("min_eigenvalue", rep.MinEigenvalue).
			Float64("condition_number", rep.ConditionNumber).
			Msg("Covariance regularized")
		*warnings = append(*warnings, domain.Warning{
			Kind:    domain.KindMatrixConditioning,
			Stage:   "loader",
			Message: name + " covariance was not positive definite and was shifted on the diagonal",
			Diagnostics: map[string]float64{
				"shift":            rep.Shift,
				"min_eigenvalue":   rep.MinEigenvalue,
				"condition_number": finiteOr(rep.ConditionNumber, math.MaxFloat64),
			},
		})
	}
	return repaired, rep, nil
}

func validateAssetClasses(md *domain.MarketData) error {
	if len(md.AssetClasses) == 0 {
		return domain.Validationf("no asset classes provided")
	}
	seen := make(map[string]bool, len(md.AssetClasses))
	for i, ac := range md.AssetClasses {
		name := strings.TrimSpace(ac.Name)
		if name == "" {
			return domain.Validationf("asset class %d has no name", i+1)
		}
		if seen[name] {
			return domain.Validationf("duplicate asset class %q", name)
		}
		seen[name] = true
		if strings.TrimSpace(ac.Cluster) == "" {
			return domain.Validationf("asset class %q has no cluster", name)
		}
		if !finite(ac.MarketWeight, ac.ExpectedReturn, ac.ForwardVolatility, ac.EquilibriumVolatility) {
			return domain.Validationf("asset class %q has a non-finite value", name)
		}
		if ac.MarketWeight < 0 {
			return domain.Validationf("asset class %q has negative market weight %v", name, ac.MarketWeight)
		}
		if ac.ForwardVolatility < 0 || ac.EquilibriumVolatility < 0 {
			return domain.Validationf("asset class %q has negative volatility", name)
		}
	}
	return nil
}

func normalizeMarketWeights(md *domain.MarketData) error {
	var sum float64
	for _, ac := range md.AssetClasses {
		sum += ac.MarketWeight
	}
	if math.Abs(sum-1) > MarketWeightTolerance {
		return domain.Validationf("market weights sum to %.6f, expected 1", sum).
			WithDiagnostic("market_weight_sum", sum)
	}
	for i := range md.AssetClasses {
		md.AssetClasses[i].MarketWeight /= sum
	}
	return nil
}

func validateCorrelation(name string, corr [][]float64, n int) error {
	if len(corr) != n {
		return domain.Validationf("%s has %d rows, expected %d", name, len(corr), n)
	}
	for i := range corr {
		if len(corr[i]) != n {
			return domain.Validationf("%s row %d has %d columns, expected %d (matrix must be square)", name, i+1, len(corr[i]), n)
		}
	}
	for i := 0; i < n; i++ {
		if !finite(corr[i]...) {
			return domain.Validationf("%s row %d has a non-finite entry", name, i+1)
		}
		if math.Abs(corr[i][i]-1) > UnitDiagonalTolerance {
			return domain.Validationf("%s diagonal entry %d is %v, expected 1", name, i+1, corr[i][i])
		}
		for j := i + 1; j < n; j++ {
			if math.Abs(corr[i][j]-corr[j][i]) > SymmetryTolerance {
				return domain.Validationf("%s is not symmetric at (%d, %d)", name, i+1, j+1).
					WithDiagnostic("asymmetry", math.Abs(corr[i][j]-corr[j][i]))
			}
			if corr[i][j] < -1 || corr[i][j] > 1 {
				return domain.Validationf("%s entry (%d, %d) = %v is outside [-1, 1]", name, i+1, j+1, corr[i][j])
			}
		}
	}
	return nil
}

func validateProfiles(md *domain.MarketData) error {
	for _, rp := range md.RiskProfiles {
		if strings.TrimSpace(rp.Name) == "" {
			return domain.Validationf("risk profile without a name")
		}
		if !finite(rp.TargetVolatility) || rp.TargetVolatility <= 0 {
			return domain.Validationf("risk profile %s has invalid target volatility %v", rp.Name, rp.TargetVolatility)
		}
	}
	return nil
}

func validateConvictions(md *domain.MarketData) error {
	known := knownClasses(md)
	for _, c := range md.Convictions {
		if !known[c.AssetClass] {
			return domain.Validationf("conviction for unknown asset class %q", c.AssetClass)
		}
		if !finite(c.TrackingError, c.InformationRatio, c.Confidence) {
			return domain.Validationf("conviction for %q has a non-finite value", c.AssetClass)
		}
		if c.TrackingError < 0 {
			return domain.Validationf("conviction for %q has negative tracking error", c.AssetClass)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return domain.Validationf("conviction for %q has confidence %v outside [0, 1]", c.AssetClass, c.Confidence)
		}
	}
	return nil
}

func validateManagers(md *domain.MarketData) error {
	known := knownClasses(md)
	ids := make(map[string]bool, len(md.Managers))
	for _, m := range md.Managers {
		if strings.TrimSpace(m.Identifier) == "" {
			return domain.Validationf("manager without an identifier")
		}
		if ids[m.Identifier] {
			return domain.Validationf("duplicate manager %q", m.Identifier)
		}
		ids[m.Identifier] = true
		if !known[m.AssetClass] {
			return domain.Validationf("manager %q references unknown asset class %q", m.Identifier, m.AssetClass)
		}
		if !finite(m.TrackingError, m.InformationRatio, m.Confidence) || m.TrackingError < 0 {
			return domain.Validationf("manager %q has an invalid tracking error or information ratio", m.Identifier)
		}
		if m.Confidence < 0 || m.Confidence > 1 {
			return domain.Validationf("manager %q has confidence %v outside [0, 1]", m.Identifier, m.Confidence)
		}
	}
	for _, c := range md.ManagerCorrelations {
		if !ids[c.A] || !ids[c.B] {
			return domain.Validationf("manager correlation references unknown manager (%q, %q)", c.A, c.B)
		}
		if !finite(c.Correlation) || c.Correlation < -1 || c.Correlation > 1 {
			return domain.Validationf("manager correlation (%q, %q) = %v is outside [-1, 1]", c.A, c.B, c.Correlation)
		}
	}
	return nil
}

func knownClasses(md *domain.MarketData) map[string]bool {
	known := make(map[string]bool, len(md.AssetClasses))
	for _, ac := range md.AssetClasses {
		known[ac.Name] = true
	}
	return known
}

func clone(md *domain.MarketData) *domain.MarketData {
	out := &domain.MarketData{
		AssetClasses:           append([]domain.AssetClass(nil), md.AssetClasses...),
		EquilibriumCorrelation: cloneRows(md.EquilibriumCorrelation),
		ActiveCorrelation:      cloneRows(md.ActiveCorrelation),
		RiskProfiles:           append([]domain.RiskProfile(nil), md.RiskProfiles...),
		Convictions:            append([]domain.ConvictionRecord(nil), md.Convictions...),
		Managers:               append([]domain.ManagerRecord(nil), md.Managers...),
		ManagerCorrelations:    append([]domain.ManagerCorrelation(nil), md.ManagerCorrelations...),
	}
	for i := range out.AssetClasses {
		out.AssetClasses[i].Name = strings.TrimSpace(out.AssetClasses[i].Name)
		out.AssetClasses[i].Cluster = strings.TrimSpace(out.AssetClasses[i].Cluster)
	}
	return out
}

func cloneRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteOr(v, fallback float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}
