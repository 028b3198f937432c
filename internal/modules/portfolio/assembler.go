// Package portfolio assembles the layer outputs into the implementable
// vehicle-level portfolio with its metrics and feasibility report.
package portfolio

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/modules/activerisk"
	"github.com/aristath/saa/internal/modules/managers"
	"github.com/aristath/saa/internal/modules/optimization"
	"github.com/aristath/saa/internal/modules/saa"
	"github.com/rs/zerolog"
)

const stage = "assembly"

// VehicleType distinguishes active managers from passive vehicles
type VehicleType string

const (
	VehicleActive  VehicleType = "Active"
	VehiclePassive VehicleType = "Passive"
)

// PassiveIdentifier names the passive vehicle of an asset class
func PassiveIdentifier(assetClass string) string {
	return assetClass + " Passive"
}

// Row is one vehicle of the implemented portfolio
type Row struct {
	AssetClass       string      `json:"asset_class"`
	Cluster          string      `json:"cluster"`
	Equilibrium      float64     `json:"equilibrium_weight"`
	Dynamic          float64     `json:"dynamic_weight"`
	Active           float64     `json:"active"`
	Passive          float64     `json:"passive"`
	Weight           float64     `json:"final_weight"`
	VehicleType      VehicleType `json:"vehicle_type"`
	Identifier       string      `json:"identifier"`
	Name             string      `json:"name,omitempty"`
	ManagerWeight    float64     `json:"manager_weight,omitempty"`
	TrackingError    float64     `json:"tracking_error,omitempty"`
	InformationRatio float64     `json:"information_ratio,omitempty"`
}

// Summary is the headline of an optimization result
type Summary struct {
	TargetVolatility         float64 `json:"target_volatility"`
	TotalVolatility          float64 `json:"total_volatility"`
	TotalTrackingError       float64 `json:"total_tracking_error"`
	ExpectedReturn           float64 `json:"expected_return"`
	ManagerCount             int     `json:"manager_count"`
	AssetClassCount          int     `json:"asset_class_count"`
	AchievedVolatilityLayer2 float64 `json:"achieved_volatility_layer2"`
	ActiveRiskBudget         float64 `json:"active_risk_budget"`
	ActiveRisk               float64 `json:"active_risk"`
	InvestmentAmount         float64 `json:"investment_amount,omitempty"`
}

// Security is one line of the securities list
type Security struct {
	Identifier  string      `json:"identifier"`
	Name        string      `json:"name,omitempty"`
	AssetClass  string      `json:"asset_class"`
	VehicleType VehicleType `json:"vehicle_type"`
	Weight      float64     `json:"weight"`
	Amount      float64     `json:"amount,omitempty"`
}

// Feasibility lists every constraint check of the run
type Feasibility struct {
	Checks []optimization.Check `json:"checks"`
	Passed bool                 `json:"passed"`
	Failed int                  `json:"failed"`
}

// Result is the assembled optimization result
type Result struct {
	Rows        []Row            `json:"rows"`
	Summary     Summary          `json:"summary"`
	Metrics     PortfolioMetrics `json:"metrics"`
	Securities  []Security       `json:"securities"`
	Feasibility Feasibility      `json:"feasibility"`
	Warnings    []domain.Warning `json:"warnings"`
}

// Inputs are the stage outputs consumed by the assembler
type Inputs struct {
	Data             *marketdata.Dataset
	Equilibrium      *saa.EquilibriumResult
	Dynamic          *saa.DynamicResult
	ActiveRisk       *activerisk.Result
	Managers         *managers.Result
	InvestmentAmount float64
	Warnings         []domain.Warning
}

// Assembler merges layer outputs into the vehicle table
type Assembler struct {
	log zerolog.Logger
}

// NewAssembler creates a results assembler
func NewAssembler(log zerolog.Logger) *Assembler {
	return &Assembler{log: log.With().Str("service", "portfolio").Logger()}
}

// Assemble builds rows, metrics, securities and the feasibility report.
// The class weights are those fed to Layer 2.
func (a *Assembler) Assemble(in Inputs) (*Result, error) {
	if in.Data == nil || in.Equilibrium == nil || in.Dynamic == nil || in.ActiveRisk == nil || in.Managers == nil {
		return nil, fmt.Errorf("assembler inputs are incomplete")
	}
	md := in.Data.Data
	n := in.Data.N()
	if len(in.ActiveRisk.Classes) != n {
		return nil, fmt.Errorf("active risk result has %d classes, expected %d", len(in.ActiveRisk.Classes), n)
	}

	eq := in.Equilibrium.Weights.Values
	dyn := in.Dynamic.Weights.Values
	w := make([]float64, n)
	active := make([]float64, n)
	alpha := make([]float64, n)
	sleeveTE := make(map[string]float64)

	var rows []Row
	for i, ac := range md.AssetClasses {
		c := in.ActiveRisk.Classes[i]
		w[i] = c.Weight
		active[i] = c.Active
		base := Row{
			AssetClass:  ac.Name,
			Cluster:     ac.Cluster,
			Equilibrium: eq[i],
			Dynamic:     dyn[i],
			Active:      c.Active,
			Passive:     c.Passive,
		}

		if sel, ok := in.Managers.Selection(ac.Name); ok {
			alpha[i] = sel.ExpectedAlpha
			sleeveTE[ac.Name] = sel.RealizedTrackingError
			for _, m := range sel.Managers {
				if m.Weight <= 0 {
					continue
				}
				r := base
				r.VehicleType = VehicleActive
				r.Identifier = m.Identifier
				r.Name = m.Name
				r.ManagerWeight = m.Weight
				r.Weight = c.Weight * c.Active * m.Weight
				r.TrackingError = m.TrackingError
				r.InformationRatio = m.InformationRatio
				rows = append(rows, r)
			}
		} else if c.Active > 0 {
			return nil, fmt.Errorf("asset class %q is active but has no manager selection", ac.Name)
		}

		if passive := c.Weight * c.Passive; passive > 0 {
			r := base
			r.VehicleType = VehiclePassive
			r.Identifier = PassiveIdentifier(ac.Name)
			r.Weight = passive
			rows = append(rows, r)
		}
	}
	sortRows(rows)

	metrics := NewMetrics(in.Data, sleeveTE)
	pm := metrics.Compute(w, active, alpha)

	res := &Result{
		Rows:       rows,
		Metrics:    pm,
		Securities: Securities(rows, in.InvestmentAmount),
	}
	res.Summary = Summary{
		TargetVolatility:         in.Equilibrium.TargetVolatility,
		TotalVolatility:          pm.Volatility,
		TotalTrackingError:       optimization.Volatility(in.Data.ActiveSigma, optimization.Sub(w, eq)),
		ExpectedReturn:           pm.ExpectedReturn,
		AchievedVolatilityLayer2: in.ActiveRisk.AchievedVolatility,
		ActiveRiskBudget:         in.ActiveRisk.Budget,
		ActiveRisk:               in.ActiveRisk.ActiveRisk,
		InvestmentAmount:         in.InvestmentAmount,
	}
	for _, r := range rows {
		if r.VehicleType == VehicleActive {
			res.Summary.ManagerCount++
		}
	}
	for _, v := range w {
		if v > 0 {
			res.Summary.AssetClassCount++
		}
	}

	rowWeights := make([]float64, len(rows))
	for k, r := range rows {
		rowWeights[k] = r.Weight
	}
	var checks []optimization.Check
	checks = append(checks, in.Equilibrium.Checks...)
	checks = append(checks, in.Dynamic.Checks...)
	checks = append(checks, in.ActiveRisk.Checks...)
	checks = append(checks, in.Managers.Checks...)
	checks = append(checks, optimization.WeightChecks(stage, rowWeights, 1)...)
	res.Feasibility = NewFeasibility(checks)

	res.Warnings = append(res.Warnings, in.Warnings...)
	res.Warnings = append(res.Warnings, in.Managers.Warnings...)

	a.log.Info().
		Int("vehicles", len(rows)).
		Int("managers", res.Summary.ManagerCount).
		Float64("expected_return", pm.ExpectedReturn).
		Float64("volatility", pm.Volatility).
		Bool("feasible", res.Feasibility.Passed).
		Msg("Portfolio assembled")

	return res, nil
}

// NewFeasibility summarizes a list of checks
func NewFeasibility(checks []optimization.Check) Feasibility {
	f := Feasibility{Checks: checks, Passed: true}
	for _, c := range checks {
		if !c.Passed {
			f.Passed = false
			f.Failed++
		}
	}
	return f
}

// sortRows orders by asset class, Active before Passive, then weight descending
func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.AssetClass != b.AssetClass {
			return a.AssetClass < b.AssetClass
		}
		if a.VehicleType != b.VehicleType {
			return a.VehicleType == VehicleActive
		}
		return a.Weight > b.Weight
	})
}

// Securities lists vehicles by weight descending. Amounts are filled when
// investment is positive.
func Securities(rows []Row, investment float64) []Security {
	out := make([]Security, 0, len(rows))
	for _, r := range rows {
		s := Security{
			Identifier:  r.Identifier,
			Name:        r.Name,
			AssetClass:  r.AssetClass,
			VehicleType: r.VehicleType,
			Weight:      r.Weight,
		}
		if investment > 0 {
			s.Amount = math.Round(r.Weight*investment*100) / 100
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}
