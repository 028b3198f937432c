package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/metrics"
	testutil "github.com/aristath/saa/internal/testing"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, withData bool) (*Service, *metrics.Registry) {
	t.Helper()
	eng := config.DefaultEngine()
	log := zerolog.Nop()
	m := metrics.NewRegistry(log)

	var ds *marketdata.Dataset
	if withData {
		var err error
		ds, err = marketdata.NewPreparer(eng.MinEigenvalue, log).Prepare(testutil.NewMarketDataFixture())
		require.NoError(t, err)
	}
	return NewService(ds, eng, 2, m, log), m
}

func ptr[T any](v T) *T { return &v }

func TestService_RunDefaults(t *testing.T) {
	svc, m := newService(t, true)

	res, err := svc.Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "RP3", res.RiskProfile)
	assert.InDelta(t, 0.10, res.TargetVolatility, 1e-12)
	assert.Equal(t, WeightDynamic, res.WeightType)
	assert.InDelta(t, config.DefaultEngine().ActiveRiskPercentage, res.ActiveRiskPercentage, 1e-12)

	require.NotNil(t, res.Portfolio)
	var total float64
	for _, r := range res.Portfolio.Rows {
		total += r.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-6)

	for _, c := range res.ActiveRisk.Classes {
		assert.InDelta(t, res.Dynamic.Weights.Get(c.AssetClass), c.Weight, 1e-12, c.AssetClass)
	}

	names := make([]string, 0, len(res.Stages))
	for _, s := range res.Stages {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{StageLoad, StageEquilibrium, StageDynamic, StageActiveRisk, StageManagers, StageAssembly}, names)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.StageResults.WithLabelValues(StageAssembly, metrics.ResultSuccess)))
}

func TestService_RunEquilibriumWeights(t *testing.T) {
	svc, _ := newService(t, true)

	res, err := svc.Run(context.Background(), Request{
		RiskProfile: "rp3",
		WeightType:  WeightEquilibrium,
	})
	require.NoError(t, err)

	assert.Equal(t, WeightEquilibrium, res.WeightType)
	for _, c := range res.ActiveRisk.Classes {
		assert.InDelta(t, res.Equilibrium.Weights.Get(c.AssetClass), c.Weight, 1e-12, c.AssetClass)
	}
}

func TestService_RunIsDeterministic(t *testing.T) {
	svc, _ := newService(t, true)
	req := Request{Seed: ptr(int64(7)), InvestmentAmount: ptr(1_000_000.0)}

	a, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	b, err := svc.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, a.RunID, b.RunID)
	require.Len(t, b.Portfolio.Rows, len(a.Portfolio.Rows))
	for k := range a.Portfolio.Rows {
		assert.Equal(t, a.Portfolio.Rows[k].Identifier, b.Portfolio.Rows[k].Identifier)
		assert.Equal(t, a.Portfolio.Rows[k].Weight, b.Portfolio.Rows[k].Weight)
	}
	assert.Len(t, a.Portfolio.Securities, len(a.Portfolio.Rows))
}

func TestService_InlineMarketData(t *testing.T) {
	svc, _ := newService(t, false)

	_, err := svc.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInputValidation))

	res, err := svc.Run(context.Background(), Request{
		RiskProfile: "RP2",
		MarketData:  testutil.NewMarketDataFixture(),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.075, res.TargetVolatility, 1e-12)
}

func TestService_UnknownProfile(t *testing.T) {
	svc, _ := newService(t, false)
	md := testutil.NewMarketDataFixture()
	md.RiskProfiles = md.RiskProfiles[:3]

	_, err := svc.Run(context.Background(), Request{RiskProfile: "RP5", MarketData: md})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInputValidation))
}

func TestService_ModeMismatch(t *testing.T) {
	svc, _ := newService(t, false)
	mode := config.LiquidityExcludeThenAdd

	_, err := svc.Run(context.Background(), Request{
		LiquidityMode: &mode,
		MarketData:    testutil.NewMarketDataWithoutLiquidity(),
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindLiquidityModeMismatch))
}

func TestService_CancelledContext(t *testing.T) {
	svc, _ := newService(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Run(ctx, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRequest_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		field   string
		wantPct float64
	}{
		{name: "percentage points", req: Request{ActiveRiskPercentage: ptr(50.0)}, wantPct: 0.5},
		{name: "fraction", req: Request{ActiveRiskPercentage: ptr(0.25)}, wantPct: 0.25},
		{name: "target too high", req: Request{TargetVolatility: ptr(0.30)}, field: "target_volatility"},
		{name: "target too low", req: Request{TargetVolatility: ptr(0.01)}, field: "target_volatility"},
		{name: "percentage out of range", req: Request{ActiveRiskPercentage: ptr(150.0)}, field: "active_risk_percentage"},
		{name: "unknown profile", req: Request{RiskProfile: "RP9"}, field: "risk_profile"},
		{name: "unknown weight type", req: Request{WeightType: "market"}, field: "weight_type"},
		{name: "negative investment", req: Request{InvestmentAmount: ptr(-1.0)}, field: "investment_amount"},
		{name: "zero budget", req: Request{ActiveRiskBudget: ptr(0.0)}, field: "active_risk_budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.req.Normalize()
			if tt.field != "" {
				require.Error(t, err)
				assert.True(t, domain.IsKind(err, domain.KindInputValidation))
				var fe FieldError
				require.True(t, errors.As(err, &fe))
				assert.Equal(t, tt.field, fe.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultRiskProfile, out.RiskProfile)
			assert.Equal(t, WeightDynamic, out.WeightType)
			require.NotNil(t, out.ActiveRiskPercentage)
			assert.InDelta(t, tt.wantPct, *out.ActiveRiskPercentage, 1e-12)
		})
	}
}

func TestRequest_EngineOverrides(t *testing.T) {
	base := config.DefaultEngine()
	mode := config.LiquidityNone
	req := Request{
		LiquidityMode:        &mode,
		ActiveRiskBudget:     ptr(0.02),
		Seed:                 ptr(int64(99)),
		ActiveRiskPercentage: ptr(0.4),
	}

	eng := req.Engine(base)
	assert.Equal(t, mode, eng.LiquidityMode)
	assert.InDelta(t, 0.02, eng.ActiveRiskBudget, 1e-12)
	assert.Equal(t, int64(99), eng.RandomSeed)
	assert.InDelta(t, 0.4, eng.ActiveRiskPercentage, 1e-12)

	// The base settings are untouched
	assert.Equal(t, config.DefaultEngine(), base)
}

func newRunState(t *testing.T) (*runState, *metrics.Registry) {
	t.Helper()
	svc, m := newService(t, false)
	return &runState{service: svc, result: &Result{}}, m
}

func TestStage_RetriesOnceWithRelaxedEngine(t *testing.T) {
	run, m := newRunState(t)
	eng := config.DefaultEngine()

	var tolerances []float64
	out, err := stage(context.Background(), run, StageDynamic, eng, func(e config.Engine) (int, error) {
		tolerances = append(tolerances, e.Tolerance)
		if len(tolerances) == 1 {
			return 0, domain.NewError(domain.KindNotConverged, StageDynamic, "iteration budget exhausted")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out)

	require.Len(t, tolerances, 2)
	assert.Equal(t, eng.Tolerance, tolerances[0])
	assert.Equal(t, eng.Relaxed().Tolerance, tolerances[1])

	require.Len(t, run.result.Stages, 1)
	assert.True(t, run.result.Stages[0].Retried)
	require.Len(t, run.warnings, 1)
	assert.Equal(t, domain.KindNotConverged, run.warnings[0].Kind)
	assert.Equal(t, StageDynamic, run.warnings[0].Stage)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.StageRetries.WithLabelValues(StageDynamic)))
}

func TestStage_SecondNonConvergenceIsFatal(t *testing.T) {
	run, m := newRunState(t)

	calls := 0
	_, err := stage(context.Background(), run, StageEquilibrium, config.DefaultEngine(), func(config.Engine) (int, error) {
		calls++
		return 0, domain.NewError(domain.KindNotConverged, StageEquilibrium, "iteration budget exhausted")
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotConverged))
	assert.Equal(t, 2, calls)
	assert.Empty(t, run.warnings)
	assert.True(t, run.result.Stages[0].Retried)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.StageRetries.WithLabelValues(StageEquilibrium)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.StageResults.WithLabelValues(StageEquilibrium, string(domain.KindNotConverged))))
}

func TestStage_OtherErrorsAreNotRetried(t *testing.T) {
	run, _ := newRunState(t)

	calls := 0
	_, err := stage(context.Background(), run, StageDynamic, config.DefaultEngine(), func(config.Engine) (int, error) {
		calls++
		return 0, domain.NewError(domain.KindConstraintInfeasible, StageDynamic, "anchor violates bound")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, run.result.Stages[0].Retried)
}
