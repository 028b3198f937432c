package reporting

import (
	"context"
	"testing"

	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/modules/pipeline"
	testutil "github.com/aristath/saa/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v3"
)

func runPipeline(t *testing.T) *pipeline.Result {
	t.Helper()
	svc := pipeline.NewService(nil, config.DefaultEngine(), 2, nil, zerolog.Nop())
	amount := 250_000.0
	res, err := svc.Run(context.Background(), pipeline.Request{
		MarketData:       testutil.NewMarketDataFixture(),
		InvestmentAmount: &amount,
	})
	require.NoError(t, err)
	return res
}

func cellValue(t *testing.T, sh *xlsx.Sheet, row, col int) string {
	t.Helper()
	cell, err := sh.Cell(row, col)
	require.NoError(t, err)
	return cell.Value
}

func TestWriter_SAAWorkbook(t *testing.T) {
	res := runPipeline(t)

	data, err := NewWriter(zerolog.Nop()).SAAWorkbook(res)
	require.NoError(t, err)

	wb, err := xlsx.OpenBinary(data)
	require.NoError(t, err)
	for _, name := range []string{
		SheetSummary, SheetAssetAllocations, SheetClusterSummary,
		SheetDiagnosticsEquilibrium, SheetDiagnosticsDynamic, SheetConstraintFeasibility,
	} {
		assert.Contains(t, wb.Sheet, name)
	}

	alloc := wb.Sheet[SheetAssetAllocations]
	assert.Equal(t, len(res.AssetClasses)+1, alloc.MaxRow)
	assert.Equal(t, "Asset Class", cellValue(t, alloc, 0, 0))
	assert.Equal(t, res.AssetClasses[0].Name, cellValue(t, alloc, 1, 0))

	summary := wb.Sheet[SheetSummary]
	assert.Equal(t, "Run ID", cellValue(t, summary, 1, 0))
	assert.Equal(t, res.RunID, cellValue(t, summary, 1, 1))

	checks := wb.Sheet[SheetConstraintFeasibility]
	assert.Equal(t, len(res.Equilibrium.Checks)+len(res.Dynamic.Checks)+1, checks.MaxRow)

	diag := wb.Sheet[SheetDiagnosticsEquilibrium]
	assert.Equal(t, len(res.Equilibrium.Starts)+1, diag.MaxRow)
}

func TestWriter_PortfolioWorkbook(t *testing.T) {
	res := runPipeline(t)

	data, err := NewWriter(zerolog.Nop()).PortfolioWorkbook(res)
	require.NoError(t, err)

	wb, err := xlsx.OpenBinary(data)
	require.NoError(t, err)
	for _, name := range []string{SheetAssetAllocation, SheetPortfolioSummary, SheetSecurities, SheetFeasibility} {
		assert.Contains(t, wb.Sheet, name)
	}

	rows := wb.Sheet[SheetAssetAllocation]
	require.Equal(t, len(res.Portfolio.Rows)+1, rows.MaxRow)
	for k, r := range res.Portfolio.Rows {
		assert.Equal(t, r.AssetClass, cellValue(t, rows, k+1, 0))
		assert.Equal(t, string(r.VehicleType), cellValue(t, rows, k+1, 7))
		assert.Equal(t, r.Identifier, cellValue(t, rows, k+1, 8))
	}

	sec := wb.Sheet[SheetSecurities]
	assert.Equal(t, len(res.Portfolio.Securities)+1, sec.MaxRow)
	assert.Equal(t, res.Portfolio.Securities[0].Identifier, cellValue(t, sec, 1, 0))

	feas := wb.Sheet[SheetFeasibility]
	assert.Equal(t, len(res.Portfolio.Feasibility.Checks)+1, feas.MaxRow)
	assert.Equal(t, "Status", cellValue(t, feas, 0, 6))
}

func TestWriter_RejectsIncompleteResult(t *testing.T) {
	w := NewWriter(zerolog.Nop())

	_, err := w.SAAWorkbook(nil)
	assert.Error(t, err)
	_, err = w.PortfolioWorkbook(&pipeline.Result{})
	assert.Error(t, err)
}
