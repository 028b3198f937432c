// Package managers implements Layer 3: the choice of candidate securities
// inside each active sleeve.
package managers

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/modules/activerisk"
	"github.com/aristath/saa/internal/modules/optimization"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

const stage = "manager_selection"

// ManagerWeight is one selected candidate
type ManagerWeight struct {
	Identifier       string  `json:"identifier"`
	Name             string  `json:"name,omitempty"`
	TrackingError    float64 `json:"tracking_error"`
	InformationRatio float64 `json:"information_ratio"`
	Confidence       float64 `json:"confidence"`
	View             float64 `json:"view"`
	PosteriorAlpha   float64 `json:"posterior_alpha"`
	Weight           float64 `json:"weight"`           // share of the active sleeve
	PortfolioWeight  float64 `json:"portfolio_weight"` // w_i × a_i × m
}

// Selection is the Layer 3 outcome for one asset class
type Selection struct {
	AssetClass            string          `json:"asset_class"`
	ClassWeight           float64         `json:"class_weight"`
	Active                float64         `json:"active"`
	SleeveWeight          float64         `json:"sleeve_weight"`
	TargetTrackingError   float64         `json:"target_tracking_error"`
	RealizedTrackingError float64         `json:"realized_tracking_error"`
	BlendedTrackingError  float64         `json:"blended_tracking_error"`
	Deviation             float64         `json:"deviation"`
	WithinTolerance       bool            `json:"within_tolerance"`
	ExpectedAlpha         float64         `json:"expected_alpha"` // Σ m·IR·TE
	Utility               float64         `json:"utility"`
	Iterations            int             `json:"iterations"`
	DefaultCorrelations   int             `json:"default_correlations"`
	Managers              []ManagerWeight `json:"managers"`
	Covariance            *mat.SymDense   `json:"-"`
}

// Result holds the selections of every active asset class in input order
type Result struct {
	Selections []Selection          `json:"selections"`
	Checks     []optimization.Check `json:"checks"`
	Warnings   []domain.Warning     `json:"warnings,omitempty"`
	index      map[string]int
}

// Selection returns the selection of one asset class
func (r *Result) Selection(assetClass string) (*Selection, bool) {
	k, ok := r.index[assetClass]
	if !ok {
		return nil, false
	}
	return &r.Selections[k], true
}

// Selector runs Layer 3
type Selector struct {
	constraints *optimization.ConstraintsManager
	log         zerolog.Logger
}

// NewSelector creates a Layer 3 selector
func NewSelector(log zerolog.Logger) *Selector {
	l := log.With().Str("service", "managers").Logger()
	return &Selector{
		constraints: optimization.NewConstraintsManager(l),
		log:         l,
	}
}

// Select weights the candidates of every class with a positive active
// proportion. Classes are solved concurrently; each writes only its own slot.
func (s *Selector) Select(ctx context.Context, ds *marketdata.Dataset, l2 *activerisk.Result, eng config.Engine) (*Result, error) {
	var classes []activerisk.ClassAllocation
	for _, c := range l2.Classes {
		if c.Active <= 0 {
			continue
		}
		if len(ds.Data.ManagersFor(c.AssetClass)) == 0 {
			return nil, domain.NewError(domain.KindInputValidation, stage,
				fmt.Sprintf("asset class %q has an active allocation but no candidate managers", c.AssetClass)).
				WithRecommendation("Add candidate managers for the asset class or remove its conviction record")
		}
		classes = append(classes, c)
	}

	res := &Result{
		Selections: make([]Selection, len(classes)),
		index:      make(map[string]int, len(classes)),
	}
	warnings := make([][]domain.Warning, len(classes))

	g, gctx := errgroup.WithContext(ctx)
	for k, c := range classes {
		k, c := k, c
		res.index[c.AssetClass] = k
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sel, warns, err := s.selectClass(ds, c, eng)
			if err != nil {
				return err
			}
			res.Selections[k] = *sel
			warnings[k] = warns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for k, sel := range res.Selections {
		res.Warnings = append(res.Warnings, warnings[k]...)
		w := make([]float64, len(sel.Managers))
		for i, m := range sel.Managers {
			w[i] = m.Weight
		}
		for _, c := range optimization.WeightChecks(stage, w, 1) {
			c.Name = c.Name + ":" + sel.AssetClass
			res.Checks = append(res.Checks, c)
		}
		if sel.TargetTrackingError > 0 {
			res.Checks = append(res.Checks, optimization.EqualCheck(stage, "tracking_error_target:"+sel.AssetClass,
				sel.RealizedTrackingError, sel.TargetTrackingError, eng.TrackingErrorTolerance))
		}
	}
	s.constraints.Failed(res.Checks)

	s.log.Info().
		Int("active_classes", len(res.Selections)).
		Msg("Managers selected")

	return res, nil
}

// selectClass maximizes
//
//	w'α - (ra/2)w'Cw - κ(√(w'Cw) - TE_target)²
//
// over the candidates of one class, with C = Corr ⊙ (TE TE').
func (s *Selector) selectClass(ds *marketdata.Dataset, c activerisk.ClassAllocation, eng config.Engine) (*Selection, []domain.Warning, error) {
	candidates := ds.Data.ManagersFor(c.AssetClass)
	n := len(candidates)
	corr, defaults := correlationMatrix(ds.Data, candidates, eng.DefaultManagerCorrelation)

	views := optimization.ActiveViews{
		TrackingErrors:    make([]float64, n),
		InformationRatios: make([]float64, n),
		Confidences:       make([]float64, n),
		Correlation:       corr,
	}
	for i, m := range candidates {
		views.TrackingErrors[i] = m.TrackingError
		views.InformationRatios[i] = m.InformationRatio
		views.Confidences[i] = m.Confidence
	}
	post, err := optimization.NewBlackLitterman(eng.Tau, eng.MinConfidence, s.log).Blend(views)
	if err != nil {
		return nil, nil, domain.NewError(domain.KindInputValidation, stage, "failed to blend manager views for "+c.AssetClass).Wrap(err)
	}

	var warnings []domain.Warning
	cov, rep, err := optimization.RepairPSD(post.Covariance, eng.MinEigenvalue)
	if err != nil {
		return nil, nil, domain.NewError(domain.KindInputValidation, stage, "manager covariance could not be factorized for "+c.AssetClass).Wrap(err)
	}
	if rep.Applied() {
		s.log.Warn().
			Str("asset_class", c.AssetClass).
			Float64("shift", rep.Shift).
			Msg("Manager covariance repaired")
		warnings = append(warnings, domain.Warning{
			Kind:    domain.KindMatrixConditioning,
			Stage:   stage,
			Message: fmt.Sprintf("manager covariance for %s was not positive definite and was shifted", c.AssetClass),
			Diagnostics: map[string]float64{
				"shift":            rep.Shift,
				"min_eigenvalue":   rep.MinEigenvalue,
				"condition_number": rep.ConditionNumber,
			},
		})
	}
	if defaults > 0 {
		s.log.Debug().
			Str("asset_class", c.AssetClass).
			Int("pairs", defaults).
			Float64("correlation", eng.DefaultManagerCorrelation).
			Msg("Using default correlation for missing manager pairs")
	}

	sel := &Selection{
		AssetClass:          c.AssetClass,
		ClassWeight:         c.Weight,
		Active:              c.Active,
		SleeveWeight:        c.Weight * c.Active,
		TargetTrackingError: c.TargetTrackingError,
		DefaultCorrelations: defaults,
		Covariance:          cov,
	}

	var w []float64
	if n == 1 {
		w = []float64{1}
	} else {
		problem := penalizedProblem(post.Returns, cov, eng.ManagerRiskAversion, eng.TrackingErrorPenalty, c.TargetTrackingError)
		sol, err := optimization.Solve(problem, uniform(n), optimization.SolverSettings{
			MaxIterations:        eng.Layer2MaxIterations,
			Tolerance:            eng.Layer2Tolerance,
			FeasibilityTolerance: eng.FeasibilityTolerance,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to solve manager weights for %s: %w", c.AssetClass, err)
		}
		if !sol.Converged {
			return nil, nil, domain.NewError(domain.KindNotConverged, stage, "manager selection did not converge for "+c.AssetClass).
				WithDiagnostic("iterations", float64(sol.Iterations))
		}
		w = sol.X
		sel.Utility = -sol.Objective
		sel.Iterations = sol.Iterations
	}

	sel.RealizedTrackingError = math.Sqrt(math.Max(optimization.QuadForm(cov, w), 0))
	sel.Deviation = math.Abs(sel.RealizedTrackingError - sel.TargetTrackingError)
	sel.WithinTolerance = sel.TargetTrackingError <= 0 ||
		optimization.EqualCheck(stage, "tracking_error_target", sel.RealizedTrackingError, sel.TargetTrackingError, eng.TrackingErrorTolerance).Passed
	for i, m := range candidates {
		sel.Managers = append(sel.Managers, ManagerWeight{
			Identifier:       m.Identifier,
			Name:             m.Name,
			TrackingError:    m.TrackingError,
			InformationRatio: m.InformationRatio,
			Confidence:       m.Confidence,
			View:             post.Views[i],
			PosteriorAlpha:   post.Returns[i],
			Weight:           w[i],
			PortfolioWeight:  sel.SleeveWeight * w[i],
		})
		sel.BlendedTrackingError += w[i] * m.TrackingError
		sel.ExpectedAlpha += w[i] * m.InformationRatio * m.TrackingError
	}

	s.log.Debug().
		Str("asset_class", c.AssetClass).
		Float64("target_te", sel.TargetTrackingError).
		Float64("realized_te", sel.RealizedTrackingError).
		Int("candidates", n).
		Msg("Sleeve selected")

	return sel, warnings, nil
}

// penalizedProblem builds the negated Layer 3 utility. The tracking-error
// penalty is dropped when target is not positive.
func penalizedProblem(alpha []float64, cov mat.Symmetric, ra, kappa, target float64) optimization.Problem {
	return optimization.Problem{
		Dim: len(alpha),
		Objective: func(w []float64) float64 {
			v := optimization.QuadForm(cov, w)
			f := -optimization.Dot(w, alpha) + ra/2*v
			if target > 0 {
				d := math.Sqrt(math.Max(v, 0)) - target
				f += kappa * d * d
			}
			return f
		},
		Gradient: func(grad, w []float64) {
			cw := optimization.SymMulVec(nil, cov, w)
			v := optimization.Dot(w, cw)
			scale := ra
			if target > 0 && v > 0 {
				te := math.Sqrt(v)
				scale += 2 * kappa * (te - target) / te
			}
			for i := range grad {
				grad[i] = scale*cw[i] - alpha[i]
			}
		},
	}
}

// correlationMatrix builds the candidate correlation matrix from the
// pairwise table, filling missing pairs with def. It returns the number of
// defaulted pairs.
func correlationMatrix(md *domain.MarketData, candidates []domain.ManagerRecord, def float64) ([][]float64, int) {
	type pair struct{ a, b string }
	table := make(map[pair]float64, len(md.ManagerCorrelations))
	for _, mc := range md.ManagerCorrelations {
		table[pair{mc.A, mc.B}] = mc.Correlation
		table[pair{mc.B, mc.A}] = mc.Correlation
	}

	n := len(candidates)
	corr := make([][]float64, n)
	defaults := 0
	for i := range corr {
		corr[i] = make([]float64, n)
		corr[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v, ok := table[pair{candidates[i].Identifier, candidates[j].Identifier}]
			if !ok {
				v = def
				defaults++
			}
			corr[i][j] = v
			corr[j][i] = v
		}
	}
	return corr, defaults
}

func uniform(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = 1 / float64(n)
	}
	return x
}
