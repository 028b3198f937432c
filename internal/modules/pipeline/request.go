package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
)

// WeightType selects the Layer 1 vector fed to Layers 2 and 3
type WeightType string

const (
	WeightDynamic     WeightType = "dynamic"
	WeightEquilibrium WeightType = "equilibrium"
)

// Request bounds
const (
	DefaultRiskProfile  = "RP3"
	MinTargetVolatility = 0.05
	MaxTargetVolatility = 0.20
)

// Request is one optimization run. Pointer fields are optional overrides.
type Request struct {
	RiskProfile          string                       `json:"risk_profile"`
	TargetVolatility     *float64                     `json:"target_volatility,omitempty"`
	ActiveRiskPercentage *float64                     `json:"active_risk_percentage,omitempty"`
	WeightType           WeightType                   `json:"weight_type,omitempty"`
	InvestmentAmount     *float64                     `json:"investment_amount,omitempty"`
	LiquidityMode        *config.LiquidityMode        `json:"liquidity_mode,omitempty"`
	TotalRiskFormulation *config.TotalRiskFormulation `json:"total_risk_formulation,omitempty"`
	ActiveRiskBudget     *float64                     `json:"active_risk_budget,omitempty"`
	Seed                 *int64                       `json:"seed,omitempty"`
	MarketData           *domain.MarketData           `json:"market_data,omitempty"`
}

// FieldError names the request field that failed validation. It is wrapped
// by the InputValidationError returned from Normalize.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + " " + e.Code
}

// Normalize applies defaults and validates the request, returning a copy.
// An active risk percentage in (1, 100] is read as a percentage.
func (r Request) Normalize() (Request, error) {
	out := r
	out.RiskProfile = strings.ToUpper(strings.TrimSpace(out.RiskProfile))
	if out.RiskProfile == "" {
		out.RiskProfile = DefaultRiskProfile
	}
	if !validProfileName(out.RiskProfile) {
		return r, invalid("risk_profile", "INVALID", fmt.Sprintf("risk profile must be one of RP1..RP5, got %q", r.RiskProfile))
	}

	if out.TargetVolatility != nil {
		v := *out.TargetVolatility
		if math.IsNaN(v) || v < MinTargetVolatility || v > MaxTargetVolatility {
			return r, invalid("target_volatility", "OUT_OF_RANGE",
				fmt.Sprintf("target volatility must be in [%.2f, %.2f], got %v", MinTargetVolatility, MaxTargetVolatility, v))
		}
	}

	if out.ActiveRiskPercentage != nil {
		v := *out.ActiveRiskPercentage
		if v > 1 && v <= 100 {
			v /= 100
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			return r, invalid("active_risk_percentage", "OUT_OF_RANGE",
				fmt.Sprintf("active risk percentage must be in [0, 1] or (1, 100], got %v", *r.ActiveRiskPercentage))
		}
		out.ActiveRiskPercentage = &v
	}

	if out.WeightType == "" {
		out.WeightType = WeightDynamic
	}
	if out.WeightType != WeightDynamic && out.WeightType != WeightEquilibrium {
		return r, invalid("weight_type", "INVALID", fmt.Sprintf("weight type must be dynamic or equilibrium, got %q", out.WeightType))
	}

	if out.InvestmentAmount != nil && !(*out.InvestmentAmount > 0) {
		return r, invalid("investment_amount", "OUT_OF_RANGE", "investment amount must be positive")
	}
	if out.LiquidityMode != nil && !out.LiquidityMode.Valid() {
		return r, invalid("liquidity_mode", "INVALID", fmt.Sprintf("unknown liquidity mode %q", *out.LiquidityMode))
	}
	if out.TotalRiskFormulation != nil && !out.TotalRiskFormulation.Valid() {
		return r, invalid("total_risk_formulation", "INVALID", fmt.Sprintf("unknown total risk formulation %q", *out.TotalRiskFormulation))
	}
	if out.ActiveRiskBudget != nil && !(*out.ActiveRiskBudget > 0) {
		return r, invalid("active_risk_budget", "OUT_OF_RANGE", "active risk budget must be positive")
	}
	return out, nil
}

// Engine returns base with the request overrides applied
func (r Request) Engine(base config.Engine) config.Engine {
	eng := base
	if r.LiquidityMode != nil {
		eng = eng.WithLiquidityMode(*r.LiquidityMode)
	}
	if r.TotalRiskFormulation != nil {
		eng = eng.WithTotalRiskFormulation(*r.TotalRiskFormulation)
	}
	if r.ActiveRiskBudget != nil {
		eng = eng.WithActiveRiskBudget(*r.ActiveRiskBudget)
	}
	if r.Seed != nil {
		eng = eng.WithSeed(*r.Seed)
	}
	if r.ActiveRiskPercentage != nil {
		eng.ActiveRiskPercentage = *r.ActiveRiskPercentage
	}
	return eng
}

func validProfileName(name string) bool {
	switch name {
	case "RP1", "RP2", "RP3", "RP4", "RP5":
		return true
	}
	return false
}

func invalid(field, code, message string) error {
	return domain.NewError(domain.KindInputValidation, "request", message).
		Wrap(FieldError{Field: field, Code: code, Message: message})
}
