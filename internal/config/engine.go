package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LiquidityMode selects how the liquidity asset is handled by Layer 1
type LiquidityMode string

const (
	// LiquidityFixedPost optimizes with liquidity included, then pins it to the target.
	LiquidityFixedPost LiquidityMode = "fixed_post"
	// LiquidityExcludeThenAdd removes liquidity from the decision vector and appends it at the target.
	LiquidityExcludeThenAdd LiquidityMode = "exclude_then_add"
	// LiquidityNone leaves the liquidity asset, if any, as an ordinary decision variable.
	LiquidityNone LiquidityMode = "none"
)

// Valid reports whether the mode is known
func (m LiquidityMode) Valid() bool {
	switch m {
	case LiquidityFixedPost, LiquidityExcludeThenAdd, LiquidityNone:
		return true
	}
	return false
}

// TotalRiskFormulation selects the covariance on the left-hand side of the
// dynamic total-risk constraint.
type TotalRiskFormulation string

const (
	// TotalRiskPaper measures total risk with the active covariance.
	TotalRiskPaper TotalRiskFormulation = "paper"
	// TotalRiskRelaxed measures total risk with the equilibrium covariance.
	TotalRiskRelaxed TotalRiskFormulation = "relaxed"
)

// Valid reports whether the formulation is known
func (f TotalRiskFormulation) Valid() bool {
	return f == TotalRiskPaper || f == TotalRiskRelaxed
}

// Engine is the immutable optimizer configuration of one pipeline run.
// It is passed by value; With* helpers return modified copies.
type Engine struct {
	LiquidityMode        LiquidityMode        `yaml:"liquidity_mode"`
	LiquidityTarget      float64              `yaml:"liquidity_target"`
	TotalRiskFormulation TotalRiskFormulation `yaml:"total_risk_formulation"`

	AnchorStrength       float64 `yaml:"anchor_strength"`        // γ in the equilibrium objective
	RiskTolerance        float64 `yaml:"risk_tolerance"`         // equilibrium volatility band half-width
	DynamicRiskTolerance float64 `yaml:"dynamic_risk_tolerance"` // slack on the dynamic total-risk bound
	ActiveRiskBudget     float64 `yaml:"active_risk_budget"`     // β, tracking error as a fraction of σ
	DynamicRiskAversion  float64 `yaml:"dynamic_risk_aversion"`  // λ

	Starts               int     `yaml:"starts"`
	MaxIterations        int     `yaml:"max_iterations"`
	Tolerance            float64 `yaml:"tolerance"`
	TightTolerance       float64 `yaml:"tight_tolerance"`
	FeasibilityTolerance float64 `yaml:"feasibility_tolerance"`
	RelaxFactor          float64 `yaml:"relax_factor"`
	RandomSeed           int64   `yaml:"random_seed"`
	MinEigenvalue        float64 `yaml:"min_eigenvalue"`

	Tau                       float64 `yaml:"tau"`
	MinConfidence             float64 `yaml:"min_confidence"`
	ActiveRiskPercentage      float64 `yaml:"active_risk_percentage"`
	Layer2RiskAversion        float64 `yaml:"layer2_risk_aversion"`
	Layer2Tolerance           float64 `yaml:"layer2_tolerance"`
	Layer2MaxIterations       int     `yaml:"layer2_max_iterations"`
	ManagerRiskAversion       float64 `yaml:"manager_risk_aversion"`
	TrackingErrorPenalty      float64 `yaml:"tracking_error_penalty"`
	TrackingErrorTolerance    float64 `yaml:"tracking_error_tolerance"`
	DefaultManagerCorrelation float64 `yaml:"default_manager_correlation"`
}

// DefaultEngine returns the standard optimizer settings
func DefaultEngine() Engine {
	return Engine{
		LiquidityMode:        LiquidityFixedPost,
		LiquidityTarget:      0.02,
		TotalRiskFormulation: TotalRiskPaper,

		AnchorStrength:       100,
		RiskTolerance:        0.008,
		DynamicRiskTolerance: 0.0005,
		ActiveRiskBudget:     0.2,
		DynamicRiskAversion:  2.0,

		Starts:               4,
		MaxIterations:        500,
		Tolerance:            1e-8,
		TightTolerance:       1e-10,
		FeasibilityTolerance: 1e-7,
		RelaxFactor:          100,
		RandomSeed:           42,
		MinEigenvalue:        1e-8,

		Tau:                       0.05,
		MinConfidence:             0.1,
		ActiveRiskPercentage:      0.1,
		Layer2RiskAversion:        2.5,
		Layer2Tolerance:           1e-9,
		Layer2MaxIterations:       1000,
		ManagerRiskAversion:       2.5,
		TrackingErrorPenalty:      10.0,
		TrackingErrorTolerance:    0.01,
		DefaultManagerCorrelation: 0.5,
	}
}

// Validate checks ranges of every setting
func (e Engine) Validate() error {
	if !e.LiquidityMode.Valid() {
		return fmt.Errorf("unknown liquidity mode %q", e.LiquidityMode)
	}
	if !e.TotalRiskFormulation.Valid() {
		return fmt.Errorf("unknown total risk formulation %q", e.TotalRiskFormulation)
	}
	if e.LiquidityTarget < 0 || e.LiquidityTarget >= 1 {
		return fmt.Errorf("liquidity target must be in [0, 1), got %v", e.LiquidityTarget)
	}
	if e.ActiveRiskBudget <= 0 {
		return fmt.Errorf("active risk budget must be positive, got %v", e.ActiveRiskBudget)
	}
	if e.ActiveRiskPercentage < 0 || e.ActiveRiskPercentage > 1 {
		return fmt.Errorf("active risk percentage must be in [0, 1], got %v", e.ActiveRiskPercentage)
	}
	if e.Starts < 1 {
		return fmt.Errorf("starts must be at least 1, got %d", e.Starts)
	}
	if e.MaxIterations < 1 || e.Layer2MaxIterations < 1 {
		return fmt.Errorf("iteration budgets must be positive")
	}
	if e.Tolerance <= 0 || e.TightTolerance <= 0 || e.Layer2Tolerance <= 0 || e.FeasibilityTolerance <= 0 {
		return fmt.Errorf("tolerances must be positive")
	}
	if e.RiskTolerance < 0 || e.DynamicRiskTolerance < 0 {
		return fmt.Errorf("risk tolerances must be non-negative")
	}
	if e.RelaxFactor < 1 {
		return fmt.Errorf("relax factor must be at least 1, got %v", e.RelaxFactor)
	}
	if e.Tau <= 0 {
		return fmt.Errorf("tau must be positive, got %v", e.Tau)
	}
	if e.MinConfidence <= 0 || e.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in (0, 1], got %v", e.MinConfidence)
	}
	if e.DefaultManagerCorrelation < -1 || e.DefaultManagerCorrelation > 1 {
		return fmt.Errorf("default manager correlation must be in [-1, 1]")
	}
	return nil
}

// Relaxed returns the settings used for the single retry after a
// non-converged solve: looser tolerances and a doubled iteration budget.
func (e Engine) Relaxed() Engine {
	e.Tolerance *= e.RelaxFactor
	e.TightTolerance *= e.RelaxFactor
	e.Layer2Tolerance *= e.RelaxFactor
	e.MaxIterations *= 2
	e.Layer2MaxIterations *= 2
	return e
}

// WithLiquidityMode returns a copy with a different liquidity mode
func (e Engine) WithLiquidityMode(m LiquidityMode) Engine {
	e.LiquidityMode = m
	return e
}

// WithTotalRiskFormulation returns a copy with a different total-risk formulation
func (e Engine) WithTotalRiskFormulation(f TotalRiskFormulation) Engine {
	e.TotalRiskFormulation = f
	return e
}

// WithActiveRiskBudget returns a copy with a different β
func (e Engine) WithActiveRiskBudget(beta float64) Engine {
	e.ActiveRiskBudget = beta
	return e
}

// WithSeed returns a copy with a different multi-start seed
func (e Engine) WithSeed(seed int64) Engine {
	e.RandomSeed = seed
	return e
}

// LoadEngineFile overlays YAML settings from path onto base
func LoadEngineFile(path string, base Engine) (Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseEngineYAML(data, base)
}

// ParseEngineYAML overlays YAML settings onto base; absent keys keep base values
func ParseEngineYAML(data []byte, base Engine) (Engine, error) {
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("failed to parse engine config: %w", err)
	}
	if err := out.Validate(); err != nil {
		return base, fmt.Errorf("invalid engine config: %w", err)
	}
	return out, nil
}
