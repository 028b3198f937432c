package testing

import (
	"github.com/aristath/saa/internal/domain"
)

// Fixture asset class names
const (
	GlobalEquities  = "Global Equities"
	EMEquities      = "EM Equities"
	GovernmentBonds = "Government Bonds"
	Credit          = "Credit"
	Cash            = "Cash"
)

// NewAssetClassFixtures returns five asset classes in three clusters with
// market weights [0.5, 0.2, 0.15, 0.1, 0.05] and the liquidity asset last.
func NewAssetClassFixtures() []domain.AssetClass {
	return []domain.AssetClass{
		{Name: GlobalEquities, Cluster: "Equities", MarketWeight: 0.5, ExpectedReturn: 0.07, ForwardVolatility: 0.15, EquilibriumVolatility: 0.16},
		{Name: EMEquities, Cluster: "Equities", MarketWeight: 0.2, ExpectedReturn: 0.085, ForwardVolatility: 0.17, EquilibriumVolatility: 0.18},
		{Name: GovernmentBonds, Cluster: "Fixed Income", MarketWeight: 0.15, ExpectedReturn: 0.03, ForwardVolatility: 0.05, EquilibriumVolatility: 0.05},
		{Name: Credit, Cluster: "Fixed Income", MarketWeight: 0.10, ExpectedReturn: 0.04, ForwardVolatility: 0.06, EquilibriumVolatility: 0.06},
		{Name: Cash, Cluster: domain.LiquidityCluster, MarketWeight: 0.05, ExpectedReturn: 0.02, ForwardVolatility: 0.01, EquilibriumVolatility: 0.01},
	}
}

// NewEquilibriumCorrelationFixture returns the correlation matching NewAssetClassFixtures
func NewEquilibriumCorrelationFixture() [][]float64 {
	return [][]float64{
		{1.0, 0.8, 0.2, 0.3, 0.0},
		{0.8, 1.0, 0.2, 0.3, 0.0},
		{0.2, 0.2, 1.0, 0.7, 0.0},
		{0.3, 0.3, 0.7, 1.0, 0.0},
		{0.0, 0.0, 0.0, 0.0, 1.0},
	}
}

// NewActiveCorrelationFixture returns the forward-looking correlation
func NewActiveCorrelationFixture() [][]float64 {
	return [][]float64{
		{1.0, 0.75, 0.2, 0.3, 0.0},
		{0.75, 1.0, 0.2, 0.3, 0.0},
		{0.2, 0.2, 1.0, 0.7, 0.0},
		{0.3, 0.3, 0.7, 1.0, 0.0},
		{0.0, 0.0, 0.0, 0.0, 1.0},
	}
}

// NewRiskProfileFixtures returns RP1..RP5
func NewRiskProfileFixtures() []domain.RiskProfile {
	return []domain.RiskProfile{
		{Name: "RP1", TargetVolatility: 0.05, EquityShare: 0.2, FixedIncomeShare: 0.8},
		{Name: "RP2", TargetVolatility: 0.075, EquityShare: 0.4, FixedIncomeShare: 0.6},
		{Name: "RP3", TargetVolatility: 0.10, EquityShare: 0.6, FixedIncomeShare: 0.4},
		{Name: "RP4", TargetVolatility: 0.125, EquityShare: 0.75, FixedIncomeShare: 0.25},
		{Name: "RP5", TargetVolatility: 0.15, EquityShare: 0.9, FixedIncomeShare: 0.1},
	}
}

// NewConvictionFixtures returns views for every class except Cash
func NewConvictionFixtures() []domain.ConvictionRecord {
	return []domain.ConvictionRecord{
		{AssetClass: GlobalEquities, TrackingError: 0.03, InformationRatio: 0.4, Confidence: 0.7},
		{AssetClass: EMEquities, TrackingError: 0.05, InformationRatio: 0.5, Confidence: 0.6},
		{AssetClass: GovernmentBonds, TrackingError: 0.01, InformationRatio: 0.3, Confidence: 0.5},
		{AssetClass: Credit, TrackingError: 0.02, InformationRatio: 0.45, Confidence: 0.6},
	}
}

// NewManagerFixtures returns candidate securities for the active sleeves
func NewManagerFixtures() []domain.ManagerRecord {
	return []domain.ManagerRecord{
		{Identifier: "GE-A", Name: "Global Quality Fund", AssetClass: GlobalEquities, TrackingError: 0.04, InformationRatio: 0.5, Confidence: 0.7},
		{Identifier: "GE-B", Name: "Global Value Fund", AssetClass: GlobalEquities, TrackingError: 0.06, InformationRatio: 0.35, Confidence: 0.6},
		{Identifier: "GE-C", Name: "Global Core Fund", AssetClass: GlobalEquities, TrackingError: 0.03, InformationRatio: 0.4, Confidence: 0.8},
		{Identifier: "EM-A", Name: "Emerging Leaders Fund", AssetClass: EMEquities, TrackingError: 0.06, InformationRatio: 0.5, Confidence: 0.6},
		{Identifier: "GB-A", Name: "Sovereign Duration Fund", AssetClass: GovernmentBonds, TrackingError: 0.012, InformationRatio: 0.3, Confidence: 0.5},
		{Identifier: "GB-B", Name: "Inflation Linked Fund", AssetClass: GovernmentBonds, TrackingError: 0.015, InformationRatio: 0.25, Confidence: 0.5},
		{Identifier: "CR-A", Name: "Investment Grade Credit Fund", AssetClass: Credit, TrackingError: 0.025, InformationRatio: 0.45, Confidence: 0.6},
		{Identifier: "CR-B", Name: "Strategic Credit Fund", AssetClass: Credit, TrackingError: 0.03, InformationRatio: 0.4, Confidence: 0.55},
	}
}

// NewManagerCorrelationFixtures returns pairwise candidate correlations;
// the Credit pair is left out so the default applies.
func NewManagerCorrelationFixtures() []domain.ManagerCorrelation {
	return []domain.ManagerCorrelation{
		{A: "GE-A", B: "GE-B", Correlation: 0.6},
		{A: "GE-A", B: "GE-C", Correlation: 0.4},
		{A: "GE-B", B: "GE-C", Correlation: 0.5},
		{A: "GB-A", B: "GB-B", Correlation: 0.3},
	}
}

// NewMarketDataFixture returns a complete, valid dataset
func NewMarketDataFixture() *domain.MarketData {
	return &domain.MarketData{
		AssetClasses:           NewAssetClassFixtures(),
		EquilibriumCorrelation: NewEquilibriumCorrelationFixture(),
		ActiveCorrelation:      NewActiveCorrelationFixture(),
		RiskProfiles:           NewRiskProfileFixtures(),
		Convictions:            NewConvictionFixtures(),
		Managers:               NewManagerFixtures(),
		ManagerCorrelations:    NewManagerCorrelationFixtures(),
	}
}

// NewMarketDataWithoutLiquidity returns the dataset with Cash moved out of
// the liquidity cluster
func NewMarketDataWithoutLiquidity() *domain.MarketData {
	md := NewMarketDataFixture()
	md.AssetClasses[4].Cluster = "Fixed Income"
	return md
}
