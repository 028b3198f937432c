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
	"gonum.org/v1/gonum/mat"
)

// Dynamic start perturbations
const (
	noiseSigma       = 0.02
	tiltStep         = 0.05
	tightTilt        = 0.03
	minBenchmarkMass = 1e-10
)

// ClusterRisk is the tracking error of one cluster against its benchmark
type ClusterRisk struct {
	Name          string  `json:"name"`
	Weight        float64 `json:"weight"`
	ActiveWeight  float64 `json:"active_weight"`
	TrackingError float64 `json:"tracking_error"`
	Budget        float64 `json:"budget"`
	Constrained   bool    `json:"constrained"`
}

// DynamicResult is the view-adjusted Layer 1 allocation
type DynamicResult struct {
	Mode                config.LiquidityMode        `json:"liquidity_mode"`
	Formulation         config.TotalRiskFormulation `json:"total_risk_formulation"`
	Weights             domain.Weights              `json:"weights"`
	ActiveWeights       []float64                   `json:"active_weights"`
	Clusters            []ClusterRisk               `json:"clusters"`
	EquilibriumVariance float64                     `json:"equilibrium_variance"`
	Volatility          float64                     `json:"volatility"`
	ActiveVolatility    float64                     `json:"active_volatility"`
	TotalRisk           float64                     `json:"total_risk"`
	TotalRiskBound      float64                     `json:"total_risk_bound"`
	TrackingError       float64                     `json:"tracking_error"`
	TrackingErrorBudget float64                     `json:"tracking_error_budget"`
	ExpectedReturn      float64                     `json:"expected_return"`
	EquilibriumReturn   float64                     `json:"equilibrium_return"`
	Objective           float64                     `json:"objective"`
	Starts              []StartDiagnostic           `json:"starts"`
	Checks              []optimization.Check        `json:"checks"`
}

// Dynamic tilts the equilibrium portfolio towards expected returns.
//
// It maximizes w'r - (λ/2)(w-w_e)'Σ̃(w-w_e) subject to a total-risk bound,
// a tracking-error bound β²σ² around w_e and per-cluster tracking-error
// bounds, with σ² = w_e'Σw_e. Under the paper formulation the anchor itself
// must satisfy the total-risk bound; when it does not, ConstraintInfeasible
// is returned with both mitigations and no substitution takes place.
func (o *Optimizer) Dynamic(ctx context.Context, ds *marketdata.Dataset, eq *EquilibriumResult, eng config.Engine) (*DynamicResult, error) {
	if eq == nil {
		return nil, fmt.Errorf("equilibrium result is required")
	}
	if eq.Mode != eng.LiquidityMode {
		return nil, domain.NewError(domain.KindLiquidityModeMismatch, stageDynamic,
			fmt.Sprintf("equilibrium was solved with liquidity mode %s, dynamic requested %s", eq.Mode, eng.LiquidityMode))
	}
	md := ds.Data
	liq, err := liquidityIndex(md, eng.LiquidityMode, stageDynamic)
	if err != nil {
		return nil, err
	}
	n := ds.N()
	we := append([]float64(nil), eq.Weights.Values...)
	if len(we) != n {
		return nil, fmt.Errorf("equilibrium has %d weights, expected %d", len(we), n)
	}
	r := md.ExpectedReturns()
	wb := md.MarketWeights()
	active := ds.ActiveSigma
	beta := eng.ActiveRiskBudget
	lambda := eng.DynamicRiskAversion

	variance := optimization.QuadForm(ds.Sigma, we)
	sigma := math.Sqrt(math.Max(variance, 0))
	bound := (sigma + eng.DynamicRiskTolerance) * (sigma + eng.DynamicRiskTolerance)

	totalRiskCov := mat.Symmetric(active)
	if eng.TotalRiskFormulation == config.TotalRiskRelaxed {
		totalRiskCov = ds.Sigma
	}

	// The anchor must fit under σ² itself; the tolerance only widens the solver bound
	if eng.TotalRiskFormulation == config.TotalRiskPaper {
		anchorActive := optimization.QuadForm(active, we)
		if anchorActive > variance {
			o.log.Warn().
				Float64("anchor_active_variance", anchorActive).
				Float64("equilibrium_variance", variance).
				Float64("total_risk_bound", bound).
				Msg("Paper-form total risk constraint infeasible at the anchor")
			return nil, domain.NewError(domain.KindConstraintInfeasible, stageDynamic,
				fmt.Sprintf("anchor active variance %.6f exceeds the equilibrium variance %.6f", anchorActive, variance)).
				WithMitigations(domain.MitigationRaiseBudget, domain.MitigationRelaxedTotalRisk).
				WithDiagnostic("anchor_active_variance", anchorActive).
				WithDiagnostic("equilibrium_variance", variance).
				WithDiagnostic("total_risk_bound", bound).
				WithDiagnostic("ratio", anchorActive/math.Max(variance, 1e-16))
		}
	}

	constraints := []optimization.Constraint{
		optimization.QuadraticUpper("total_risk", totalRiskCov, nil, bound),
		optimization.QuadraticUpper("tracking_error", active, we, beta*beta*variance),
	}

	names, members := clusterOrder(md.Clusters())
	budgets := make([]float64, len(names))
	constrained := make([]bool, len(names))
	for c, idx := range members {
		if len(idx) < 2 {
			continue
		}
		if eng.LiquidityMode == config.LiquidityExcludeThenAdd && domain.IsLiquidityCluster(names[c]) {
			continue
		}
		wec := make([]float64, n)
		for _, i := range idx {
			wec[i] = we[i]
		}
		vc := optimization.QuadForm(ds.Sigma, wec)
		if vc <= 0 {
			continue
		}
		budgets[c] = beta * math.Sqrt(vc)
		constrained[c] = true
		constraints = append(constraints, clusterTrackingError("cluster_tracking_error:"+names[c], idx, wb, active, beta*beta*vc))
	}

	utility := func(w []float64) float64 {
		d := optimization.Sub(w, we)
		return -optimization.Dot(w, r) + lambda/2*optimization.QuadForm(active, d)
	}
	utilityGrad := func(grad, w []float64) {
		optimization.SymMulVec(grad, active, optimization.Sub(w, we))
		for i := range grad {
			grad[i] = lambda*grad[i] - r[i]
		}
	}

	problem := optimization.Problem{Dim: n, Objective: utility, Gradient: utilityGrad}
	var pin *liquidityPin
	switch eng.LiquidityMode {
	case config.LiquidityFixedPost:
		pin = &liquidityPin{index: liq, target: eng.LiquidityTarget, rescale: true}
	case config.LiquidityExcludeThenAdd:
		pin = &liquidityPin{index: liq, target: eng.LiquidityTarget}
		problem.Budget = 1 - eng.LiquidityTarget
		problem.Fixed = make([]bool, n)
		problem.Fixed[liq] = true
		problem.Objective = func(x []float64) float64 {
			return utility(pin.apply(x))
		}
		problem.Gradient = func(grad, x []float64) {
			v := make([]float64, n)
			utilityGrad(v, pin.apply(x))
			pin.pullback(grad, x, v)
		}
	}
	if pin != nil {
		for k := range constraints {
			constraints[k] = pin.constraint(constraints[k])
		}
	}
	problem.Constraints = constraints

	starts := []optimization.Start{
		{Label: "equilibrium", X: we},
		{Label: "noise", X: perturb(we, noiseSigma, startSource(eng.RandomSeed, 1))},
		{Label: "return_tilt", X: tilt(we, r, tiltStep)},
		{Label: "return_tilt_tight", X: tilt(we, r, tightTilt), Tolerance: eng.TightTolerance},
	}
	starts = withExtraStarts(starts, eng, func(i int) []float64 {
		return perturb(we, noiseSigma, startSource(eng.RandomSeed, i))
	})

	o.log.Debug().
		Str("liquidity_mode", string(eng.LiquidityMode)).
		Str("total_risk_formulation", string(eng.TotalRiskFormulation)).
		Float64("sigma", sigma).
		Float64("beta", beta).
		Int("constraints", len(constraints)).
		Msg("Solving dynamic")

	best, all, err := o.multiStart.Run(ctx, problem, starts, settings(eng))
	if err != nil {
		if !errors.Is(err, optimization.ErrNoAcceptableStart) {
			return nil, err
		}
		return nil, failure(stageDynamic, all, "achieved_tracking_error", func(x []float64) float64 {
			w := x
			if pin != nil {
				w = pin.apply(x)
			}
			return optimization.Volatility(active, optimization.Sub(w, we))
		}).
			WithDiagnostic("equilibrium_variance", variance).
			WithDiagnostic("total_risk_bound", bound).
			WithDiagnostic("tracking_error_budget", beta*sigma)
	}

	w := best.Solution.X
	if pin != nil {
		w = pin.apply(w)
	}
	diff := optimization.Sub(w, we)

	res := &DynamicResult{
		Mode:                eng.LiquidityMode,
		Formulation:         eng.TotalRiskFormulation,
		Weights:             domain.NewWeights(md.Names(), w),
		ActiveWeights:       diff,
		EquilibriumVariance: variance,
		Volatility:          optimization.Volatility(ds.Sigma, w),
		ActiveVolatility:    optimization.Volatility(active, w),
		TotalRisk:           optimization.QuadForm(totalRiskCov, w),
		TotalRiskBound:      bound,
		TrackingError:       optimization.Volatility(active, diff),
		TrackingErrorBudget: beta * sigma,
		ExpectedReturn:      optimization.Dot(w, r),
		EquilibriumReturn:   optimization.Dot(we, r),
		Objective:           utility(w),
		Starts:              diagnostics(all, best.Index),
	}

	res.Checks = optimization.WeightChecks(stageDynamic, w, 1)
	res.Checks = append(res.Checks,
		optimization.UpperCheck(stageDynamic, "total_risk", res.TotalRisk, bound, optimization.CheckTolerance),
		optimization.UpperCheck(stageDynamic, "tracking_error", res.TrackingError, res.TrackingErrorBudget, optimization.CheckTolerance),
	)

	cw := aggregate(w, members)
	cwe := aggregate(we, members)
	for c, name := range names {
		cr := ClusterRisk{
			Name:          name,
			Weight:        cw[c],
			ActiveWeight:  cw[c] - cwe[c],
			TrackingError: math.Sqrt(math.Max(clusterActiveVariance(w, members[c], wb, active), 0)),
			Budget:        budgets[c],
			Constrained:   constrained[c],
		}
		res.Clusters = append(res.Clusters, cr)
		if cr.Constrained {
			res.Checks = append(res.Checks, optimization.UpperCheck(stageDynamic, "cluster_tracking_error:"+name, cr.TrackingError, cr.Budget, optimization.CheckTolerance))
		}
	}
	if liq >= 0 {
		res.Checks = append(res.Checks, optimization.EqualCheck(stageDynamic, "liquidity_weight", w[liq], eng.LiquidityTarget, LiquidityTolerance))
	}
	o.constraints.Failed(res.Checks)

	o.log.Info().
		Float64("expected_return", res.ExpectedReturn).
		Float64("volatility", res.Volatility).
		Float64("tracking_error", res.TrackingError).
		Float64("tracking_error_budget", res.TrackingErrorBudget).
		Int("winning_start", best.Index).
		Msg("Dynamic portfolio computed")

	return res, nil
}

// clusterActive returns a = e_c⊙(w - φw_b) with φ = Σ_c w / Σ_c w_b, and Σ_c w_b
func clusterActive(w []float64, members []int, wb []float64) ([]float64, float64) {
	var sw, sb float64
	for _, i := range members {
		sw += w[i]
		sb += wb[i]
	}
	phi := 1.0
	if sb > minBenchmarkMass {
		phi = sw / sb
	}
	a := make([]float64, len(w))
	for _, i := range members {
		a[i] = w[i] - phi*wb[i]
	}
	return a, sb
}

func clusterActiveVariance(w []float64, members []int, wb []float64, active mat.Symmetric) float64 {
	a, _ := clusterActive(w, members, wb)
	return optimization.QuadForm(active, a)
}

// clusterTrackingError returns g(w) = a'Σ̃a - bound with a from clusterActive
func clusterTrackingError(name string, members []int, wb []float64, active mat.Symmetric, bound float64) optimization.Constraint {
	return optimization.Constraint{
		Name:  name,
		Scale: math.Max(bound, 1e-12),
		Func: func(w []float64) float64 {
			return clusterActiveVariance(w, members, wb, active) - bound
		},
		Grad: func(grad, w []float64) {
			a, sb := clusterActive(w, members, wb)
			sa := optimization.SymMulVec(nil, active, a)
			var spill float64
			if sb > minBenchmarkMass {
				for _, i := range members {
					spill += sa[i] * wb[i]
				}
				spill /= sb
			}
			for i := range grad {
				grad[i] = 0
			}
			for _, j := range members {
				grad[j] = 2 * (sa[j] - spill)
			}
		},
	}
}
