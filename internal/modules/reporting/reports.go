package reporting

import (
	"errors"

	"github.com/aristath/saa/internal/modules/optimization"
	"github.com/aristath/saa/internal/modules/pipeline"
	"github.com/aristath/saa/internal/modules/saa"
	"github.com/rs/zerolog"
	"github.com/tealeg/xlsx/v3"
)

// Workbook file names
const (
	SAAResultsFile       = "SAA_Results.xlsx"
	PortfolioResultsFile = "Portfolio_Construction_Results.xlsx"
)

// SAA results sheets
const (
	SheetSummary                = "Summary"
	SheetAssetAllocations       = "Asset_Allocations"
	SheetClusterSummary         = "Cluster_Summary"
	SheetDiagnosticsEquilibrium = "Diagnostics_Equilibrium"
	SheetDiagnosticsDynamic     = "Diagnostics_Dynamic"
	SheetConstraintFeasibility  = "Constraint_Feasibility"
)

// Portfolio construction sheets
const (
	SheetAssetAllocation  = "Asset_Allocation"
	SheetPortfolioSummary = "Portfolio_Summary"
	SheetSecurities       = "Securities"
	SheetFeasibility      = "Feasibility"
)

// Writer renders pipeline results as workbooks
type Writer struct {
	log zerolog.Logger
}

// NewWriter creates a workbook writer
func NewWriter(log zerolog.Logger) *Writer {
	return &Writer{log: log.With().Str("component", "reporting").Logger()}
}

// SAAWorkbook renders the Layer 1 results
func (w *Writer) SAAWorkbook(res *pipeline.Result) ([]byte, error) {
	if err := complete(res); err != nil {
		return nil, err
	}
	wb := xlsx.NewFile()
	eq, dyn := res.Equilibrium, res.Dynamic

	s, err := addSheet(wb, SheetSummary, "Metric", "Value")
	if err != nil {
		return nil, err
	}
	s.keyValue("Run ID", res.RunID)
	s.keyValue("Risk Profile", res.RiskProfile)
	s.keyValue("Target Volatility", percent(res.TargetVolatility))
	s.keyValue("Liquidity Mode", string(res.LiquidityMode))
	s.keyValue("Total Risk Formulation", string(res.TotalRiskFormulation))
	s.keyValue("Equilibrium Volatility", percent(eq.Volatility))
	s.keyValue("Volatility Band Lower", percent(eq.BandLower))
	s.keyValue("Volatility Band Upper", percent(eq.BandUpper))
	s.keyValue("Equilibrium Tracking Error", percent(eq.TrackingError))
	s.keyValue("Equilibrium Expected Return", percent(eq.ExpectedReturn))
	s.keyValue("Dynamic Volatility", percent(dyn.Volatility))
	s.keyValue("Dynamic Total Risk", percent(dyn.TotalRisk))
	s.keyValue("Dynamic Total Risk Bound", percent(dyn.TotalRiskBound))
	s.keyValue("Dynamic Tracking Error", percent(dyn.TrackingError))
	s.keyValue("Tracking Error Budget", percent(dyn.TrackingErrorBudget))
	s.keyValue("Dynamic Expected Return", percent(dyn.ExpectedReturn))

	s, err = addSheet(wb, SheetAssetAllocations,
		"Asset Class", "Cluster", "Market Weight", "Equilibrium Weight", "Dynamic Weight", "Active Weight", "Expected Return")
	if err != nil {
		return nil, err
	}
	for i, ac := range res.AssetClasses {
		e, d := eq.Weights.Values[i], dyn.Weights.Values[i]
		s.row(ac.Name, ac.Cluster, percent(ac.MarketWeight), percent(e), percent(d), percent(d-e), percent(ac.ExpectedReturn))
	}

	s, err = addSheet(wb, SheetClusterSummary,
		"Cluster", "Market Weight", "Equilibrium Weight", "Dynamic Weight", "Tracking Error", "Budget", "Constrained")
	if err != nil {
		return nil, err
	}
	risks := make(map[string]saa.ClusterRisk, len(dyn.Clusters))
	for _, c := range dyn.Clusters {
		risks[c.Name] = c
	}
	for _, c := range eq.Clusters {
		r := risks[c.Name]
		s.row(c.Name, percent(c.MarketWeight), percent(c.Weight), percent(r.Weight), percent(r.TrackingError), percent(r.Budget), r.Constrained)
	}

	if err := startsSheet(wb, SheetDiagnosticsEquilibrium, eq.Starts); err != nil {
		return nil, err
	}
	if err := startsSheet(wb, SheetDiagnosticsDynamic, dyn.Starts); err != nil {
		return nil, err
	}

	s, err = addSheet(wb, SheetConstraintFeasibility, checkHeader...)
	if err != nil {
		return nil, err
	}
	s.checks(layerOneChecks(res))

	w.log.Debug().Str("run_id", res.RunID).Msg("Rendered SAA workbook")
	return encode(wb)
}

// PortfolioWorkbook renders the implemented portfolio
func (w *Writer) PortfolioWorkbook(res *pipeline.Result) ([]byte, error) {
	if err := complete(res); err != nil {
		return nil, err
	}
	wb := xlsx.NewFile()
	p := res.Portfolio

	s, err := addSheet(wb, SheetAssetAllocation,
		"Asset Class", "Cluster", "Equilibrium Weight", "Dynamic Weight", "Active", "Passive",
		"Final Weight", "Vehicle Type", "Identifier", "Name", "Tracking Error", "Information Ratio")
	if err != nil {
		return nil, err
	}
	for _, r := range p.Rows {
		s.row(r.AssetClass, r.Cluster, percent(r.Equilibrium), percent(r.Dynamic), percent(r.Active), percent(r.Passive),
			percent(r.Weight), string(r.VehicleType), r.Identifier, r.Name, percent(r.TrackingError), r.InformationRatio)
	}

	s, err = addSheet(wb, SheetPortfolioSummary, "Metric", "Value")
	if err != nil {
		return nil, err
	}
	sum := p.Summary
	s.keyValue("Run ID", res.RunID)
	s.keyValue("Risk Profile", res.RiskProfile)
	s.keyValue("Weight Type", string(res.WeightType))
	s.keyValue("Target Volatility", percent(sum.TargetVolatility))
	s.keyValue("Total Volatility", percent(sum.TotalVolatility))
	s.keyValue("Total Tracking Error", percent(sum.TotalTrackingError))
	s.keyValue("Expected Return", percent(sum.ExpectedReturn))
	s.keyValue("Active Risk Percentage", percent(res.ActiveRiskPercentage))
	s.keyValue("Active Risk Budget", percent(sum.ActiveRiskBudget))
	s.keyValue("Active Risk", percent(sum.ActiveRisk))
	s.keyValue("Achieved Volatility (Layer 2)", percent(sum.AchievedVolatilityLayer2))
	s.keyValue("Manager Count", sum.ManagerCount)
	s.keyValue("Asset Class Count", sum.AssetClassCount)
	if sum.InvestmentAmount > 0 {
		s.keyValue("Investment Amount", amount(sum.InvestmentAmount))
	}
	for _, warn := range p.Warnings {
		s.keyValue("Warning", string(warn.Kind)+" ("+warn.Stage+"): "+warn.Message)
	}

	s, err = addSheet(wb, SheetSecurities, "Identifier", "Name", "Asset Class", "Vehicle Type", "Weight", "Amount")
	if err != nil {
		return nil, err
	}
	for _, sec := range p.Securities {
		s.row(sec.Identifier, sec.Name, sec.AssetClass, string(sec.VehicleType), percent(sec.Weight), amount(sec.Amount))
	}

	s, err = addSheet(wb, SheetFeasibility, checkHeader...)
	if err != nil {
		return nil, err
	}
	s.checks(p.Feasibility.Checks)

	w.log.Debug().Str("run_id", res.RunID).Int("rows", len(p.Rows)).Msg("Rendered portfolio workbook")
	return encode(wb)
}

func startsSheet(wb *xlsx.File, name string, starts []saa.StartDiagnostic) error {
	s, err := addSheet(wb, name, "Start", "Label", "Objective", "Converged", "Feasible", "Max Violation", "Iterations", "Status", "Selected")
	if err != nil {
		return err
	}
	for _, st := range starts {
		s.row(st.Index, st.Label, st.Objective, st.Converged, st.Feasible, st.MaxViolation, st.Iterations, st.Status, st.Selected)
	}
	return nil
}

func complete(res *pipeline.Result) error {
	if res == nil || res.Equilibrium == nil || res.Dynamic == nil || res.Portfolio == nil {
		return errors.New("cannot render an incomplete optimization result")
	}
	return nil
}

func layerOneChecks(res *pipeline.Result) []optimization.Check {
	out := make([]optimization.Check, 0, len(res.Equilibrium.Checks)+len(res.Dynamic.Checks))
	out = append(out, res.Equilibrium.Checks...)
	return append(out, res.Dynamic.Checks...)
}
