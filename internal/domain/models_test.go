package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleMarketData() *MarketData {
	return &MarketData{
		AssetClasses: []AssetClass{
			{Name: "Global Equity", Cluster: "Equities", MarketWeight: 0.6},
			{Name: "Global Bonds", Cluster: "Fixed Income", MarketWeight: 0.35},
			{Name: "Cash", Cluster: "liquidity", MarketWeight: 0.05},
		},
		RiskProfiles: []RiskProfile{{Name: "RP3", TargetVolatility: 0.10}},
		Convictions:  []ConvictionRecord{{AssetClass: "Global Equity", TrackingError: 0.03}},
		Managers: []ManagerRecord{
			{Identifier: "M1", AssetClass: "Global Equity"},
			{Identifier: "M2", AssetClass: "Global Bonds"},
			{Identifier: "M3", AssetClass: "Global Equity"},
		},
	}
}

func TestMarketData_Accessors(t *testing.T) {
	md := sampleMarketData()

	assert.Equal(t, []string{"Global Equity", "Global Bonds", "Cash"}, md.Names())
	assert.Equal(t, []float64{0.6, 0.35, 0.05}, md.MarketWeights())
	assert.Equal(t, 2, md.LiquidityIndex())

	p, ok := md.Profile("rp3")
	assert.True(t, ok)
	assert.Equal(t, 0.10, p.TargetVolatility)

	_, ok = md.Conviction("Cash")
	assert.False(t, ok)

	mgrs := md.ManagersFor("Global Equity")
	assert.Len(t, mgrs, 2)
	assert.Equal(t, "M1", mgrs[0].Identifier)
	assert.Equal(t, "M3", mgrs[1].Identifier)
}

func TestMarketData_LiquidityIndexRequiresSingleAsset(t *testing.T) {
	md := sampleMarketData()
	md.AssetClasses = append(md.AssetClasses, AssetClass{Name: "Money Market", Cluster: "Liquidity"})
	assert.Equal(t, -1, md.LiquidityIndex())

	md.AssetClasses = md.AssetClasses[:2]
	assert.Equal(t, -1, md.LiquidityIndex())
}

func TestWeights_CloneIsIndependent(t *testing.T) {
	original := NewWeights([]string{"A", "B"}, []float64{0.4, 0.6})
	clone := original.Clone()
	clone.Values[0] = 0.9

	assert.Equal(t, 0.4, original.Values[0])
	assert.InDelta(t, 1.0, original.Sum(), 1e-12)
	assert.Equal(t, 0.6, original.Get("B"))
	assert.Equal(t, 0.0, original.Get("C"))
	assert.Equal(t, map[string]float64{"A": 0.4, "B": 0.6}, original.Map())
}
