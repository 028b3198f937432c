// Package activerisk implements Layer 2: the split of each asset class
// between passive and active vehicles under a portfolio active risk budget.
package activerisk

import (
	"fmt"
	"math"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/modules/optimization"
	"github.com/rs/zerolog"
)

const stage = "active_risk"

// ClassAllocation is the Layer 2 outcome for one asset class
type ClassAllocation struct {
	AssetClass          string  `json:"asset_class"`
	Weight              float64 `json:"weight"`
	Eligible            bool    `json:"eligible"`
	TrackingError       float64 `json:"tracking_error"`
	InformationRatio    float64 `json:"information_ratio"`
	Confidence          float64 `json:"confidence"`
	View                float64 `json:"view"`
	PosteriorAlpha      float64 `json:"posterior_alpha"`
	RiskShare           float64 `json:"risk_share"`
	AllocatedRisk       float64 `json:"allocated_risk"`
	Active              float64 `json:"active"`
	Passive             float64 `json:"passive"`
	TargetTrackingError float64 `json:"target_tracking_error"`
	PassiveVolatility   float64 `json:"passive_volatility"`
	BlendedVolatility   float64 `json:"blended_volatility"`
}

// Result is the Layer 2 allocation of the active risk budget
type Result struct {
	TargetVolatility   float64              `json:"target_volatility"`
	ActivePercentage   float64              `json:"active_percentage"`
	PassivePercentage  float64              `json:"passive_percentage"`
	Budget             float64              `json:"active_risk_budget"`
	ActiveRisk         float64              `json:"active_risk"`
	AchievedVolatility float64              `json:"achieved_volatility"`
	Utility            float64              `json:"utility"`
	Iterations         int                  `json:"iterations"`
	PseudoInverse      bool                 `json:"pseudo_inverse"`
	Classes            []ClassAllocation    `json:"classes"`
	Checks             []optimization.Check `json:"checks"`
}

// Class returns the allocation of one asset class
func (r *Result) Class(name string) (ClassAllocation, bool) {
	for _, c := range r.Classes {
		if c.AssetClass == name {
			return c, true
		}
	}
	return ClassAllocation{}, false
}

// ActiveProportions returns a_i keyed by asset class
func (r *Result) ActiveProportions() map[string]float64 {
	out := make(map[string]float64, len(r.Classes))
	for _, c := range r.Classes {
		out[c.AssetClass] = c.Active
	}
	return out
}

// Allocator runs Layer 2
type Allocator struct {
	constraints *optimization.ConstraintsManager
	log         zerolog.Logger
}

// NewAllocator creates a Layer 2 allocator
func NewAllocator(log zerolog.Logger) *Allocator {
	l := log.With().Str("service", "activerisk").Logger()
	return &Allocator{
		constraints: optimization.NewConstraintsManager(l),
		log:         l,
	}
}

// Allocate splits the active risk budget activePct × targetVol across the
// asset classes of weights.
//
// Classes with a positive conviction tracking error and a positive weight
// are eligible. Black-Litterman posterior alphas over the eligible classes
// feed the utility s'α - (ra/2)s'Cs, maximized over budget shares s on the
// simplex. The active proportion of class i is then
//
//	a_i = clamp(s_i·budget / (TE_i·w_i), 0, 1)
func (a *Allocator) Allocate(ds *marketdata.Dataset, weights domain.Weights, targetVol, activePct float64, eng config.Engine) (*Result, error) {
	md := ds.Data
	n := ds.N()
	if len(weights.Values) != n {
		return nil, domain.NewError(domain.KindInputValidation, stage,
			fmt.Sprintf("weights have %d entries, expected %d", len(weights.Values), n))
	}
	if targetVol <= 0 || math.IsNaN(targetVol) {
		return nil, domain.NewError(domain.KindInputValidation, stage, fmt.Sprintf("target volatility must be positive, got %v", targetVol))
	}
	if activePct < 0 || activePct > 1 || math.IsNaN(activePct) {
		return nil, domain.NewError(domain.KindInputValidation, stage, fmt.Sprintf("active risk percentage must be in [0, 1], got %v", activePct))
	}

	budget := activePct * targetVol
	res := &Result{
		TargetVolatility:  targetVol,
		ActivePercentage:  activePct,
		PassivePercentage: 1 - activePct,
		Budget:            budget,
		Classes:           make([]ClassAllocation, n),
	}

	var eligible []int
	for i, ac := range md.AssetClasses {
		c := ClassAllocation{
			AssetClass:        ac.Name,
			Weight:            weights.Values[i],
			Passive:           1,
			PassiveVolatility: ac.ForwardVolatility,
		}
		if conv, ok := md.Conviction(ac.Name); ok {
			c.TrackingError = conv.TrackingError
			c.InformationRatio = conv.InformationRatio
			c.Confidence = conv.Confidence
		}
		c.Eligible = c.TrackingError > 0 && c.Weight > 0
		if c.Eligible {
			eligible = append(eligible, i)
		}
		res.Classes[i] = c
	}

	if len(eligible) > 0 {
		if err := a.allocate(ds, res, eligible, eng); err != nil {
			return nil, err
		}
	}

	// Blended class volatilities aggregated with the active correlation, as the
	// assembler does
	vols := make([]float64, n)
	for i := range res.Classes {
		c := &res.Classes[i]
		c.BlendedVolatility = BlendedVolatility(c.PassiveVolatility, c.TrackingError, c.Active)
		vols[i] = c.BlendedVolatility
		res.ActiveRisk += c.AllocatedRisk
	}
	cov, err := optimization.CovarianceFromCorrelation(vols, md.ActiveCorrelation)
	if err != nil {
		return nil, domain.NewError(domain.KindInputValidation, stage, "active correlation does not match asset classes").Wrap(err)
	}
	res.AchievedVolatility = optimization.Volatility(cov, weights.Values)

	for _, c := range res.Classes {
		res.Checks = append(res.Checks, optimization.EqualCheck(stage, "active_passive_split:"+c.AssetClass, c.Active+c.Passive, 1, optimization.WeightSumTolerance))
	}
	res.Checks = append(res.Checks, optimization.UpperCheck(stage, "active_risk_budget", res.ActiveRisk, budget, optimization.CheckTolerance))
	a.constraints.Failed(res.Checks)

	a.log.Info().
		Float64("active_risk_budget", budget).
		Float64("active_risk", res.ActiveRisk).
		Float64("achieved_volatility", res.AchievedVolatility).
		Int("eligible_classes", len(eligible)).
		Msg("Active risk budget allocated")

	return res, nil
}

// allocate solves for budget shares over the eligible classes and fills
// the active proportions of res
func (a *Allocator) allocate(ds *marketdata.Dataset, res *Result, eligible []int, eng config.Engine) error {
	m := len(eligible)
	views := optimization.ActiveViews{
		TrackingErrors:    make([]float64, m),
		InformationRatios: make([]float64, m),
		Confidences:       make([]float64, m),
		Correlation:       make([][]float64, m),
	}
	corr := ds.Data.ActiveCorrelation
	for k, i := range eligible {
		c := res.Classes[i]
		views.TrackingErrors[k] = c.TrackingError
		views.InformationRatios[k] = c.InformationRatio
		views.Confidences[k] = c.Confidence
		views.Correlation[k] = make([]float64, m)
		for l, j := range eligible {
			views.Correlation[k][l] = corr[i][j]
		}
	}

	bl := optimization.NewBlackLitterman(eng.Tau, eng.MinConfidence, a.log)
	post, err := bl.Blend(views)
	if err != nil {
		return domain.NewError(domain.KindInputValidation, stage, "failed to blend conviction views").Wrap(err)
	}
	res.PseudoInverse = post.Pseudo

	ra := eng.Layer2RiskAversion
	problem := optimization.Problem{
		Dim: m,
		Objective: func(s []float64) float64 {
			return -(optimization.Dot(s, post.Returns) - ra/2*optimization.QuadForm(post.Covariance, s))
		},
		Gradient: func(grad, s []float64) {
			optimization.SymMulVec(grad, post.Covariance, s)
			for k := range grad {
				grad[k] = ra*grad[k] - post.Returns[k]
			}
		},
	}

	sol, err := optimization.Solve(problem, uniformShares(m), optimization.SolverSettings{
		MaxIterations:        eng.Layer2MaxIterations,
		Tolerance:            eng.Layer2Tolerance,
		FeasibilityTolerance: eng.FeasibilityTolerance,
	})
	if err != nil {
		return fmt.Errorf("failed to solve risk budget shares: %w", err)
	}
	if !sol.Converged {
		return domain.NewError(domain.KindNotConverged, stage, "risk budget optimization did not converge").
			WithDiagnostic("iterations", float64(sol.Iterations)).
			WithDiagnostic("utility", -sol.Objective)
	}
	res.Utility = -sol.Objective
	res.Iterations = sol.Iterations

	for k, i := range eligible {
		c := &res.Classes[i]
		c.View = post.Views[k]
		c.PosteriorAlpha = post.Returns[k]
		c.RiskShare = sol.X[k]
		c.Active = clamp(c.RiskShare*res.Budget/(c.TrackingError*c.Weight), 0, 1)
		c.Passive = 1 - c.Active
		c.AllocatedRisk = c.Active * c.TrackingError * c.Weight
		if c.Active > 0 {
			c.TargetTrackingError = c.AllocatedRisk / (c.Active * c.Weight)
		}
	}
	res.Checks = append(res.Checks, optimization.WeightChecks(stage, sol.X, 1)...)
	return nil
}

// BlendedVolatility is the volatility of a class held a in an active
// vehicle and 1-a in its passive vehicle:
//
//	σ = √(a²σ_a² + (1-a)²σ_p² + 2a(1-a)σ_aσ_pρ),  σ_a = σ_p + TE,  ρ = √(1 - (TE/σ_a)²)
func BlendedVolatility(passiveVol, trackingError, a float64) float64 {
	activeVol := passiveVol + trackingError
	if activeVol <= 0 {
		return passiveVol
	}
	ratio := trackingError / activeVol
	rho := clamp(math.Sqrt(math.Max(0, 1-ratio*ratio)), 0, 1)
	v := a*a*activeVol*activeVol + (1-a)*(1-a)*passiveVol*passiveVol + 2*a*(1-a)*activeVol*passiveVol*rho
	return math.Sqrt(math.Max(v, 0))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func uniformShares(m int) []float64 {
	s := make([]float64, m)
	for i := range s {
		s[i] = 1 / float64(m)
	}
	return s
}
