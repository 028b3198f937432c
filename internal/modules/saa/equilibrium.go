// Package saa implements Layer 1 of the allocation: the equilibrium
// portfolio anchored to market weights and the dynamic portfolio that tilts
// it towards expected returns under risk constraints.
package saa

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/modules/optimization"
	"github.com/rs/zerolog"
)

const (
	stageEquilibrium = "equilibrium"
	stageDynamic     = "dynamic"

	// LiquidityTolerance bounds the distance of the pinned liquidity weight from its target
	LiquidityTolerance = 1e-9
)

// ClusterWeight is the aggregate weight of one cluster
type ClusterWeight struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	MarketWeight float64 `json:"market_weight"`
}

// EquilibriumResult is the no-view Layer 1 allocation
type EquilibriumResult struct {
	Mode             config.LiquidityMode `json:"liquidity_mode"`
	Weights          domain.Weights       `json:"weights"`
	Clusters         []ClusterWeight      `json:"clusters"`
	TargetVolatility float64              `json:"target_volatility"`
	Volatility       float64              `json:"volatility"`
	BandLower        float64              `json:"band_lower"`
	BandUpper        float64              `json:"band_upper"`
	TrackingError    float64              `json:"tracking_error"`
	ExpectedReturn   float64              `json:"expected_return"`
	Objective        float64              `json:"objective"`
	Starts           []StartDiagnostic    `json:"starts"`
	Checks           []optimization.Check `json:"checks"`
}

// Optimizer runs both Layer 1 stages
type Optimizer struct {
	multiStart  *optimization.MultiStart
	constraints *optimization.ConstraintsManager
	log         zerolog.Logger
}

// NewOptimizer creates a Layer 1 optimizer whose multi-start searches use
// the given number of workers
func NewOptimizer(workers int, log zerolog.Logger) *Optimizer {
	l := log.With().Str("service", "saa").Logger()
	return &Optimizer{
		multiStart:  optimization.NewMultiStart(workers, l),
		constraints: optimization.NewConstraintsManager(l),
		log:         l,
	}
}

// Equilibrium computes the equilibrium portfolio for a target volatility.
//
// It minimizes (ŵ - γŵ_b)'Π(ŵ - γŵ_b) over cluster weights ŵ on the simplex
// subject to (σ_t - tol)² <= ŵ'Πŵ <= (σ_t + tol)², then maps to assets
// with w_e = Ωŵ. Liquidity follows eng.LiquidityMode.
func (o *Optimizer) Equilibrium(ctx context.Context, ds *marketdata.Dataset, targetVol float64, eng config.Engine) (*EquilibriumResult, error) {
	if targetVol <= 0 || math.IsNaN(targetVol) {
		return nil, domain.NewError(domain.KindInputValidation, stageEquilibrium, fmt.Sprintf("target volatility must be positive, got %v", targetVol))
	}
	md := ds.Data
	liq, err := liquidityIndex(md, eng.LiquidityMode, stageEquilibrium)
	if err != nil {
		return nil, err
	}
	L := eng.LiquidityTarget
	n := ds.N()
	wb := md.MarketWeights()
	clusters := md.Clusters()

	// Decision space: all assets, or all but liquidity under exclude_then_add
	assets := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if eng.LiquidityMode == config.LiquidityExcludeThenAdd && i == liq {
			continue
		}
		assets = append(assets, i)
	}
	subClusters := make([]string, len(assets))
	subWeights := make([]float64, len(assets))
	for a, i := range assets {
		subClusters[a] = clusters[i]
		subWeights[a] = wb[i]
	}
	subWeights = optimization.NormalizeNonNegative(subWeights, 1)
	cs := newClusterSpace(subClusters, subWeights, optimization.SubsetSym(ds.Sigma, assets))

	spaceTarget := targetVol
	if eng.LiquidityMode == config.LiquidityExcludeThenAdd {
		spaceTarget = targetVol / (1 - L)
	}
	lower := math.Max(spaceTarget-eng.RiskTolerance, 0)
	upper := spaceTarget + eng.RiskTolerance

	constraints := []optimization.Constraint{
		optimization.QuadraticUpper("risk_band_upper", cs.pi, nil, upper*upper),
	}
	if lower > 0 {
		constraints = append(constraints, optimization.QuadraticLower("risk_band_lower", cs.pi, nil, lower*lower))
	}

	// fixed_post: the band holds on the portfolio after liquidity is pinned
	var pin *liquidityPin
	if eng.LiquidityMode == config.LiquidityFixedPost {
		pin = &liquidityPin{index: cs.index(clusters[liq]), target: L, rescale: true}
		for k := range constraints {
			constraints[k] = pin.constraint(constraints[k])
		}
	}

	gamma := eng.AnchorStrength
	anchor := make([]float64, len(cs.benchmark))
	for c, v := range cs.benchmark {
		anchor[c] = gamma * v
	}
	problem := optimization.Problem{
		Dim: len(cs.names),
		Objective: func(x []float64) float64 {
			return optimization.QuadForm(cs.pi, optimization.Sub(x, anchor))
		},
		Gradient: func(grad, x []float64) {
			optimization.SymMulVec(grad, cs.pi, optimization.Sub(x, anchor))
			for i := range grad {
				grad[i] *= 2
			}
		},
		Constraints: constraints,
	}

	k := len(cs.names)
	market := append([]float64(nil), cs.benchmark...)
	equal := uniform(k)
	starts := []optimization.Start{
		{Label: "market", X: market},
		{Label: "equal", X: equal},
		{Label: "random", X: randomSimplex(k, startSource(eng.RandomSeed, 2))},
		{Label: "midpoint", X: midpoint(market, equal), Tolerance: eng.TightTolerance},
	}
	starts = withExtraStarts(starts, eng, func(i int) []float64 {
		return randomSimplex(k, startSource(eng.RandomSeed, i))
	})

	o.log.Debug().
		Str("liquidity_mode", string(eng.LiquidityMode)).
		Float64("target_volatility", targetVol).
		Int("clusters", k).
		Int("starts", len(starts)).
		Msg("Solving equilibrium")

	best, all, err := o.multiStart.Run(ctx, problem, starts, settings(eng))
	if err != nil {
		if !errors.Is(err, optimization.ErrNoAcceptableStart) {
			return nil, err
		}
		return nil, failure(stageEquilibrium, all, "achieved_volatility", func(x []float64) float64 {
			p := x
			if pin != nil {
				p = pin.apply(x)
			}
			return optimization.Volatility(cs.pi, p)
		}).
			WithDiagnostic("target_volatility", targetVol).
			WithDiagnostic("band_lower", lower).
			WithDiagnostic("band_upper", upper)
	}

	// Map the winning cluster weights to the implemented asset portfolio
	p := best.Solution.X
	if pin != nil {
		p = pin.apply(p)
	}
	sub := cs.toAssets(p)
	w := make([]float64, n)
	scale := 1.0
	if eng.LiquidityMode == config.LiquidityExcludeThenAdd {
		scale = 1 - L
	}
	for a, i := range assets {
		w[i] = sub[a] * scale
	}
	if eng.LiquidityMode == config.LiquidityExcludeThenAdd {
		w[liq] = L
	}

	res := &EquilibriumResult{
		Mode:             eng.LiquidityMode,
		Weights:          domain.NewWeights(md.Names(), w),
		TargetVolatility: targetVol,
		Volatility:       optimization.Volatility(ds.Sigma, w),
		BandLower:        math.Max(targetVol-eng.RiskTolerance, 0),
		BandUpper:        targetVol + eng.RiskTolerance,
		TrackingError:    optimization.Volatility(ds.Sigma, optimization.Sub(w, wb)),
		ExpectedReturn:   optimization.Dot(w, md.ExpectedReturns()),
		Objective:        best.Solution.Objective,
		Starts:           diagnostics(all, best.Index),
	}

	names, members := clusterOrder(clusters)
	cw := aggregate(w, members)
	mw := aggregate(wb, members)
	for c, name := range names {
		res.Clusters = append(res.Clusters, ClusterWeight{Name: name, Weight: cw[c], MarketWeight: mw[c]})
	}

	res.Checks = optimization.WeightChecks(stageEquilibrium, w, 1)
	res.Checks = append(res.Checks,
		optimization.LowerCheck(stageEquilibrium, "volatility_band_lower", res.Volatility, res.BandLower, optimization.CheckTolerance),
		optimization.UpperCheck(stageEquilibrium, "volatility_band_upper", res.Volatility, res.BandUpper, optimization.CheckTolerance),
	)
	if liq >= 0 {
		res.Checks = append(res.Checks, optimization.EqualCheck(stageEquilibrium, "liquidity_weight", w[liq], L, LiquidityTolerance))
	}
	o.constraints.Failed(res.Checks)

	o.log.Info().
		Float64("target_volatility", targetVol).
		Float64("volatility", res.Volatility).
		Float64("tracking_error", res.TrackingError).
		Int("winning_start", best.Index).
		Msg("Equilibrium portfolio computed")

	return res, nil
}

// settings converts engine configuration to solver settings
func settings(eng config.Engine) optimization.SolverSettings {
	return optimization.SolverSettings{
		MaxIterations:        eng.MaxIterations,
		Tolerance:            eng.Tolerance,
		FeasibilityTolerance: eng.FeasibilityTolerance,
	}
}

// withExtraStarts appends seeded starts beyond the four standard ones
func withExtraStarts(starts []optimization.Start, eng config.Engine, gen func(i int) []float64) []optimization.Start {
	for i := len(starts); i < eng.Starts; i++ {
		starts = append(starts, optimization.Start{Label: fmt.Sprintf("random_%d", i), X: gen(i)})
	}
	if eng.Starts < len(starts) {
		starts = starts[:eng.Starts]
	}
	return starts
}

// failure classifies a search in which no start was acceptable. Starts that
// converged onto an infeasible point mean the constraints cannot be met;
// otherwise the iteration budget ran out.
func failure(stage string, all []optimization.Candidate, key string, achieved func(x []float64) float64) *domain.Error {
	converged := false
	closest := -1
	for i, c := range all {
		if c.Err != nil || c.Solution.X == nil {
			continue
		}
		if c.Solution.Converged {
			converged = true
		}
		if closest < 0 || c.Solution.MaxViolation < all[closest].Solution.MaxViolation {
			closest = i
		}
	}

	var e *domain.Error
	if converged {
		e = domain.NewError(domain.KindConstraintInfeasible, stage, "no start satisfied the risk constraints")
	} else {
		e = domain.NewError(domain.KindNotConverged, stage, "no start converged within the iteration budget")
	}
	e.WithDiagnostic("starts", float64(len(all)))
	if closest >= 0 {
		e.WithDiagnostic("max_violation", all[closest].Solution.MaxViolation)
		e.WithDiagnostic(key, achieved(all[closest].Solution.X))
	}
	return e
}
