// Package pipeline runs the allocation layers for one request, from market
// data to the assembled portfolio.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/metrics"
	"github.com/aristath/saa/internal/modules/activerisk"
	"github.com/aristath/saa/internal/modules/managers"
	"github.com/aristath/saa/internal/modules/portfolio"
	"github.com/aristath/saa/internal/modules/saa"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stage names
const (
	StageLoad        = "load"
	StageEquilibrium = "equilibrium"
	StageDynamic     = "dynamic"
	StageActiveRisk  = "active_risk"
	StageManagers    = "manager_selection"
	StageAssembly    = "assembly"
)

// StageReport records how one stage ran
type StageReport struct {
	Name       string  `json:"name"`
	DurationMs float64 `json:"duration_ms"`
	Retried    bool    `json:"retried"`
}

// Result is the full output of one run
type Result struct {
	RunID                string                      `json:"run_id"`
	RiskProfile          string                      `json:"risk_profile"`
	TargetVolatility     float64                     `json:"target_volatility"`
	ActiveRiskPercentage float64                     `json:"active_risk_percentage"`
	WeightType           WeightType                  `json:"weight_type"`
	LiquidityMode        config.LiquidityMode        `json:"liquidity_mode"`
	TotalRiskFormulation config.TotalRiskFormulation `json:"total_risk_formulation"`
	AssetClasses         []domain.AssetClass         `json:"asset_classes"`
	Equilibrium          *saa.EquilibriumResult      `json:"equilibrium"`
	Dynamic              *saa.DynamicResult          `json:"dynamic"`
	ActiveRisk           *activerisk.Result          `json:"active_risk"`
	Managers             *managers.Result            `json:"managers"`
	Portfolio            *portfolio.Result           `json:"portfolio"`
	Warnings             []domain.Warning            `json:"warnings"`
	Stages               []StageReport               `json:"stages"`
}

// Service runs the pipeline. It holds only read-only shared state.
type Service struct {
	data      *marketdata.Dataset
	engine    config.Engine
	preparer  *marketdata.Preparer
	optimizer *saa.Optimizer
	allocator *activerisk.Allocator
	selector  *managers.Selector
	assembler *portfolio.Assembler
	metrics   *metrics.Registry
	log       zerolog.Logger
}

// NewService creates a pipeline over a default dataset, which may be nil when
// every request carries its own market data
func NewService(data *marketdata.Dataset, engine config.Engine, workers int, m *metrics.Registry, log zerolog.Logger) *Service {
	return &Service{
		data:      data,
		engine:    engine,
		preparer:  marketdata.NewPreparer(engine.MinEigenvalue, log),
		optimizer: saa.NewOptimizer(workers, log),
		allocator: activerisk.NewAllocator(log),
		selector:  managers.NewSelector(log),
		assembler: portfolio.NewAssembler(log),
		metrics:   m,
		log:       log.With().Str("service", "pipeline").Logger(),
	}
}

// Engine returns the default engine settings
func (s *Service) Engine() config.Engine {
	return s.engine
}

// Run executes every stage for req. Stages run sequentially; a stage whose
// solver does not converge is retried once with relaxed settings.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	run := &runState{service: s, result: &Result{RunID: uuid.NewString()}}
	res := run.result

	ds, err := stage(ctx, run, StageLoad, s.engine, func(config.Engine) (*marketdata.Dataset, error) {
		return s.dataset(req)
	})
	if err != nil {
		return nil, err
	}
	run.warnings = append(run.warnings, ds.Warnings...)

	profile, ok := ds.Data.Profile(req.RiskProfile)
	if !ok {
		return nil, domain.NewError(domain.KindInputValidation, "request", fmt.Sprintf("risk profile %s is not defined in the market data", req.RiskProfile))
	}
	targetVol := profile.TargetVolatility
	if req.TargetVolatility != nil {
		targetVol = *req.TargetVolatility
	}

	eng := req.Engine(s.engine)
	if err := eng.Validate(); err != nil {
		return nil, domain.NewError(domain.KindInputValidation, "request", "invalid engine overrides").Wrap(err)
	}

	res.RiskProfile = profile.Name
	res.AssetClasses = ds.Data.AssetClasses
	res.TargetVolatility = targetVol
	res.ActiveRiskPercentage = eng.ActiveRiskPercentage
	res.WeightType = req.WeightType
	res.LiquidityMode = eng.LiquidityMode
	res.TotalRiskFormulation = eng.TotalRiskFormulation

	s.log.Info().
		Str("run_id", res.RunID).
		Str("risk_profile", res.RiskProfile).
		Float64("target_volatility", targetVol).
		Str("liquidity_mode", string(eng.LiquidityMode)).
		Str("weight_type", string(req.WeightType)).
		Msg("Starting optimization run")

	res.Equilibrium, err = stage(ctx, run, StageEquilibrium, eng, func(e config.Engine) (*saa.EquilibriumResult, error) {
		return s.optimizer.Equilibrium(ctx, ds, targetVol, e)
	})
	if err != nil {
		return nil, err
	}

	res.Dynamic, err = stage(ctx, run, StageDynamic, eng, func(e config.Engine) (*saa.DynamicResult, error) {
		return s.optimizer.Dynamic(ctx, ds, res.Equilibrium, e)
	})
	if err != nil {
		return nil, err
	}

	weights := res.Dynamic.Weights
	if req.WeightType == WeightEquilibrium {
		weights = res.Equilibrium.Weights
	}

	res.ActiveRisk, err = stage(ctx, run, StageActiveRisk, eng, func(e config.Engine) (*activerisk.Result, error) {
		return s.allocator.Allocate(ds, weights.Clone(), targetVol, e.ActiveRiskPercentage, e)
	})
	if err != nil {
		return nil, err
	}

	res.Managers, err = stage(ctx, run, StageManagers, eng, func(e config.Engine) (*managers.Result, error) {
		return s.selector.Select(ctx, ds, res.ActiveRisk, e)
	})
	if err != nil {
		return nil, err
	}

	var amount float64
	if req.InvestmentAmount != nil {
		amount = *req.InvestmentAmount
	}
	res.Portfolio, err = stage(ctx, run, StageAssembly, eng, func(config.Engine) (*portfolio.Result, error) {
		return s.assembler.Assemble(portfolio.Inputs{
			Data:             ds,
			Equilibrium:      res.Equilibrium,
			Dynamic:          res.Dynamic,
			ActiveRisk:       res.ActiveRisk,
			Managers:         res.Managers,
			InvestmentAmount: amount,
			Warnings:         run.warnings,
		})
	})
	if err != nil {
		return nil, err
	}
	res.Warnings = res.Portfolio.Warnings

	s.log.Info().
		Str("run_id", res.RunID).
		Float64("expected_return", res.Portfolio.Summary.ExpectedReturn).
		Float64("volatility", res.Portfolio.Summary.TotalVolatility).
		Bool("feasible", res.Portfolio.Feasibility.Passed).
		Int("warnings", len(res.Warnings)).
		Msg("Optimization run completed")

	return res, nil
}

// dataset returns the market data of a request: its own when supplied,
// otherwise the service default
func (s *Service) dataset(req Request) (*marketdata.Dataset, error) {
	if req.MarketData != nil {
		return s.preparer.Prepare(req.MarketData)
	}
	if s.data == nil {
		return nil, domain.NewError(domain.KindInputValidation, StageLoad, "no market data loaded and none supplied with the request")
	}
	return s.data, nil
}

type runState struct {
	service  *Service
	result   *Result
	warnings []domain.Warning
}

// stage runs fn, retrying once with eng.Relaxed() when it reports
// OptimizationNotConverged. The context is checked before the stage starts.
func stage[T any](ctx context.Context, run *runState, name string, eng config.Engine, fn func(config.Engine) (T, error)) (T, error) {
	var zero T
	s := run.service
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	start := time.Now()
	var timer *metrics.StepTimer
	if s.metrics != nil {
		timer = s.metrics.StartStage(name)
	}

	out, err := fn(eng)
	retried := false
	if err != nil && domain.IsKind(err, domain.KindNotConverged) && ctx.Err() == nil {
		s.log.Warn().Err(err).Str("stage", name).Msg("Retrying with relaxed solver settings")
		if s.metrics != nil {
			s.metrics.RecordRetry(name)
		}
		retried = true
		out, err = fn(eng.Relaxed())
		if err == nil {
			run.warnings = append(run.warnings, domain.Warning{
				Kind:    domain.KindNotConverged,
				Stage:   name,
				Message: "solver did not converge with default settings; result comes from the relaxed retry",
			})
		}
	}

	if timer != nil {
		timer.Stop(stageResult(err))
	}
	run.result.Stages = append(run.result.Stages, StageReport{
		Name:       name,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
		Retried:    retried,
	})
	if err != nil {
		return zero, fmt.Errorf("%s stage failed: %w", name, err)
	}
	return out, nil
}

func stageResult(err error) string {
	if err == nil {
		return metrics.ResultSuccess
	}
	if e, ok := domain.AsError(err); ok {
		return string(e.Kind)
	}
	return metrics.ResultError
}
